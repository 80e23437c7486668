package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
)

// HooksHandler exposes the active hook registry and manual reloads
type HooksHandler struct {
	manager *hooks.Manager
}

// NewHooksHandler creates the hook administration handler. manager is nil when plugins are disabled.
func NewHooksHandler(manager *hooks.Manager) *HooksHandler {
	return &HooksHandler{manager: manager}
}

// Routes returns the hook routes
func (h *HooksHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/reload", h.Reload)
	return r
}

// HooksResponse lists the hooks of the active registry
type HooksResponse struct {
	Enabled bool             `json:"enabled"`
	Version uint64           `json:"version"`
	Hooks   []hooks.HookInfo `json:"hooks"`
	Kinds   []string         `json:"kinds"`
}

func (h *HooksHandler) state() HooksResponse {
	list := h.manager.Hooks()
	if list == nil {
		list = []hooks.HookInfo{}
	}
	return HooksResponse{
		Enabled: h.manager != nil,
		Version: h.manager.Version(),
		Hooks:   list,
		Kinds:   hooks.Kinds(),
	}
}

// List returns the active hooks
func (h *HooksHandler) List(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.state())
}

// Reload rebuilds the registry from the configuration file. On failure the previous hooks stay active.
func (h *HooksHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		renderError(w, r, gwerrors.New(gwerrors.KindConflict, "plugins are disabled"))
		return
	}
	if err := h.manager.Reload(r.Context()); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, h.state())
}
