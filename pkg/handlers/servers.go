package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/servers"
)

// ServersHandler administers virtual servers
type ServersHandler struct {
	servers *servers.Service
}

// NewServersHandler creates the virtual server administration handler
func NewServersHandler(svc *servers.Service) *ServersHandler {
	return &ServersHandler{servers: svc}
}

// Routes returns the virtual server routes
func (h *ServersHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/toggle", h.Toggle)
	return r
}

// ServerRequest is the body of create and update requests. Omitted members keep the
// current associations on update.
type ServerRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Enabled     *bool                 `json:"enabled"`
	Members     *models.ServerMembers `json:"members"`
}

func (req ServerRequest) server() *models.VirtualServer {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &models.VirtualServer{Name: req.Name, Description: req.Description, Enabled: enabled}
}

// List returns the virtual servers
func (h *ServersHandler) List(w http.ResponseWriter, r *http.Request) {
	includeInactive, err := boolQuery(r, "includeInactive", false)
	if err != nil {
		renderError(w, r, err)
		return
	}
	views, err := h.servers.List(r.Context(), includeInactive)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, views)
}

// Create stores a virtual server
func (h *ServersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	members := models.ServerMembers{}
	if req.Members != nil {
		members = *req.Members
	}
	view, err := h.servers.Create(r.Context(), req.server(), members)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, view)
}

// Get returns a virtual server with its members
func (h *ServersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	view, err := h.servers.Get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

// Update changes a virtual server
func (h *ServersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	var req ServerRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	if _, err := h.servers.Update(r.Context(), id, req.server(), req.Members); err != nil {
		renderError(w, r, err)
		return
	}
	view, err := h.servers.Get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

// Delete removes a virtual server, its members are kept
func (h *ServersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := h.servers.Delete(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Toggle activates or deactivates a virtual server
func (h *ServersHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	activate, err := boolQuery(r, "activate", true)
	if err != nil {
		renderError(w, r, err)
		return
	}
	view, err := h.servers.SetActive(r.Context(), id, activate)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}
