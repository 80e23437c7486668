package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/federation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// GatewaysHandler administers peer gateways
type GatewaysHandler struct {
	federation *federation.Service
}

// NewGatewaysHandler creates the peer administration handler
func NewGatewaysHandler(fed *federation.Service) *GatewaysHandler {
	return &GatewaysHandler{federation: fed}
}

// Routes returns the peer routes
func (h *GatewaysHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Register)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Deregister)
	r.Post("/{id}/toggle", h.Toggle)
	r.Post("/{id}/refresh", h.Refresh)
	r.Post("/{id}/check", h.Check)
	return r
}

// RegistrationResponse is returned by a registration. A failed handshake still persists the
// peer, the response then carries both.
type RegistrationResponse struct {
	Gateway *models.Gateway `json:"gateway"`
	Error   *gwerrors.Error `json:"error,omitempty"`
}

// List returns the registered peers
func (h *GatewaysHandler) List(w http.ResponseWriter, r *http.Request) {
	includeDeregistered, err := boolQuery(r, "includeDeregistered", false)
	if err != nil {
		renderError(w, r, err)
		return
	}
	peers, err := h.federation.ListPeers(r.Context(), includeDeregistered)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if peers == nil {
		peers = []models.Gateway{}
	}
	render.JSON(w, r, peers)
}

// Register adds a peer and mirrors its capabilities
func (h *GatewaysHandler) Register(w http.ResponseWriter, r *http.Request) {
	var desc federation.PeerDescriptor
	if err := decodeBody(w, r, &desc); err != nil {
		renderError(w, r, err)
		return
	}
	gw, err := h.federation.RegisterPeer(r.Context(), desc)
	if err != nil {
		if gw == nil {
			renderError(w, r, err)
			return
		}
		gwErr := gwerrors.Public(err)
		render.Status(r, gwErr.HTTPStatus())
		render.JSON(w, r, RegistrationResponse{Gateway: gw, Error: gwErr})
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, RegistrationResponse{Gateway: gw})
}

// Get returns a peer
func (h *GatewaysHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	gw, err := h.federation.GetPeer(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, gw)
}

// Deregister retires a peer. Repeating it is not an error.
func (h *GatewaysHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := h.federation.DeregisterPeer(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Toggle is the manual activation override
func (h *GatewaysHandler) Toggle(w http.ResponseWriter, r *http.Request) {
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
	gw, err := h.federation.SetPeerActive(r.Context(), id, activate)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, gw)
}

// RefreshResponse reports the outcome of a manual resync
type RefreshResponse struct {
	Gateway *models.Gateway    `json:"gateway"`
	Result  catalog.SyncResult `json:"result"`
}

// Refresh re-fetches the capabilities of a peer
func (h *GatewaysHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	gw, result, err := h.federation.RefreshPeer(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, RefreshResponse{Gateway: gw, Result: result})
}

// Check probes a peer now, including inactive ones
func (h *GatewaysHandler) Check(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	gw, err := h.federation.CheckPeer(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, gw)
}
