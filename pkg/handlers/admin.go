package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// entityHandler serves the admin CRUD routes of one catalog entity kind
type entityHandler[T any] struct {
	kind       string
	sink       events.Sink
	list       func(ctx context.Context, opts catalog.ListOptions) ([]T, error)
	create     func(ctx context.Context, item *T) error
	get        func(ctx context.Context, id uuid.UUID) (*T, error)
	update     func(ctx context.Context, item *T) error
	setEnabled func(ctx context.Context, id uuid.UUID, enabled bool) (*T, error)
	remove     func(ctx context.Context, id uuid.UUID) error
	idOf       func(item *T) *uuid.UUID
}

func (h *entityHandler[T]) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/toggle", h.Toggle)
	return r
}

func (h *entityHandler[T]) changed(id uuid.UUID, action string) {
	h.sink.Publish(events.New(events.CatalogEntityChanged, map[string]interface{}{
		"entity": h.kind,
		"id":     id.String(),
		"action": action,
	}))
}

// listOptions reads includeInactive, gatewayId and tag from the query
func listOptions(r *http.Request) (catalog.ListOptions, error) {
	var opts catalog.ListOptions
	includeInactive, err := boolQuery(r, "includeInactive", false)
	if err != nil {
		return opts, err
	}
	opts.IncludeInactive = includeInactive
	opts.Tag = r.URL.Query().Get("tag")
	if raw := r.URL.Query().Get("gatewayId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return opts, gwerrors.Validation("invalid query parameter", []gwerrors.FieldError{{Field: "gatewayId", Message: "must be a uuid"}})
		}
		opts.GatewayID = &id
	}
	if raw := r.URL.Query().Get("serverId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return opts, gwerrors.Validation("invalid query parameter", []gwerrors.FieldError{{Field: "serverId", Message: "must be a uuid"}})
		}
		opts.ServerID = &id
	}
	return opts, nil
}

func (h *entityHandler[T]) List(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	items, err := h.list(r.Context(), opts)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	render.JSON(w, r, items)
}

func (h *entityHandler[T]) Create(w http.ResponseWriter, r *http.Request) {
	item := new(T)
	if err := decodeBody(w, r, item); err != nil {
		renderError(w, r, err)
		return
	}
	if err := h.create(r.Context(), item); err != nil {
		renderError(w, r, err)
		return
	}
	h.changed(*h.idOf(item), "created")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, item)
}

func (h *entityHandler[T]) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	item, err := h.get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, item)
}

func (h *entityHandler[T]) Update(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	item := new(T)
	if err := decodeBody(w, r, item); err != nil {
		renderError(w, r, err)
		return
	}
	*h.idOf(item) = id
	if err := h.update(r.Context(), item); err != nil {
		renderError(w, r, err)
		return
	}
	updated, err := h.get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	h.changed(id, "updated")
	render.JSON(w, r, updated)
}

func (h *entityHandler[T]) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := h.remove(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	h.changed(id, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Toggle sets the active flag from the activate query parameter, default true
func (h *entityHandler[T]) Toggle(w http.ResponseWriter, r *http.Request) {
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
	item, err := h.setEnabled(r.Context(), id, activate)
	if err != nil {
		renderError(w, r, err)
		return
	}
	action := "deactivated"
	if activate {
		action = "activated"
	}
	h.changed(id, action)
	render.JSON(w, r, item)
}

// ToolsHandler adds the metrics routes to the tool CRUD
type ToolsHandler struct {
	*entityHandler[models.Tool]
	store *catalog.Store
}

// NewToolsHandler creates the admin handler for tools
func NewToolsHandler(store *catalog.Store, sink events.Sink) *ToolsHandler {
	return &ToolsHandler{
		store: store,
		entityHandler: &entityHandler[models.Tool]{
			kind:       "tool",
			sink:       sink,
			list:       store.ListTools,
			create:     store.CreateTool,
			get:        store.GetTool,
			update:     store.UpdateTool,
			setEnabled: store.SetToolEnabled,
			remove:     store.DeleteTool,
			idOf:       func(t *models.Tool) *uuid.UUID { return &t.ID },
		},
	}
}

// Routes returns the tool routes
func (h *ToolsHandler) Routes() chi.Router {
	r := h.entityHandler.Routes()
	r.Get("/{id}/metrics", h.Metrics)
	return r
}

// ToolMetricsResponse is the summary and the most recent executions of a tool
type ToolMetricsResponse struct {
	Summary *models.MetricsSummary `json:"summary"`
	Recent  []models.ToolMetric    `json:"recent"`
}

// Metrics returns the execution metrics of a tool
func (h *ToolsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		renderError(w, r, err)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if _, err := h.store.GetTool(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	summary, err := h.store.ToolMetricsSummary(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	recent, err := h.store.ListToolMetrics(r.Context(), id, limit)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if recent == nil {
		recent = []models.ToolMetric{}
	}
	render.JSON(w, r, ToolMetricsResponse{Summary: summary, Recent: recent})
}

// NewResourcesHandler creates the admin handler for resources
func NewResourcesHandler(store *catalog.Store, sink events.Sink) chi.Router {
	h := &entityHandler[models.Resource]{
		kind:       "resource",
		sink:       sink,
		list:       store.ListResources,
		create:     store.CreateResource,
		get:        store.GetResource,
		update:     store.UpdateResource,
		setEnabled: store.SetResourceEnabled,
		remove:     store.DeleteResource,
		idOf:       func(r *models.Resource) *uuid.UUID { return &r.ID },
	}
	return h.Routes()
}

// NewPromptsHandler creates the admin handler for prompts
func NewPromptsHandler(store *catalog.Store, sink events.Sink) chi.Router {
	h := &entityHandler[models.Prompt]{
		kind:       "prompt",
		sink:       sink,
		list:       store.ListPrompts,
		create:     store.CreatePrompt,
		get:        store.GetPrompt,
		update:     store.UpdatePrompt,
		setEnabled: store.SetPromptEnabled,
		remove:     store.DeletePrompt,
		idOf:       func(p *models.Prompt) *uuid.UUID { return &p.ID },
	}
	return h.Routes()
}

// NewAgentsHandler creates the admin handler for agents
func NewAgentsHandler(store *catalog.Store, sink events.Sink) chi.Router {
	h := &entityHandler[models.Agent]{
		kind:       "agent",
		sink:       sink,
		list:       store.ListAgents,
		create:     store.CreateAgent,
		get:        store.GetAgent,
		update:     store.UpdateAgent,
		setEnabled: store.SetAgentEnabled,
		remove:     store.DeleteAgent,
		idOf:       func(a *models.Agent) *uuid.UUID { return &a.ID },
	}
	return h.Routes()
}
