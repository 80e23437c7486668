// Package servers composes virtual servers out of existing catalog entities.
package servers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Member summarises one entity referenced by a server
type Member struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
}

// View is a virtual server with resolved member summaries
type View struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Tools       []Member  `json:"tools"`
	Resources   []Member  `json:"resources"`
	Prompts     []Member  `json:"prompts"`
	Agents      []Member  `json:"agents"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Service manages virtual servers
type Service struct {
	store *catalog.Store
	sink  events.Sink
}

// NewService creates the composer
func NewService(store *catalog.Store, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{store: store, sink: sink}
}

// Create stores a server. Every referenced id must exist; the entities may be inactive.
func (s *Service) Create(ctx context.Context, server *models.VirtualServer, members models.ServerMembers) (*View, error) {
	if err := s.store.CreateServer(ctx, server, members); err != nil {
		return nil, err
	}
	logging.LogInfof("created virtual server %s (%s)", server.Name, server.ID)
	s.changed(server.ID, "created")
	return viewOf(server), nil
}

// Update changes a server. Nil members keep the current associations.
func (s *Service) Update(ctx context.Context, id uuid.UUID, server *models.VirtualServer, members *models.ServerMembers) (*View, error) {
	server.ID = id
	if err := s.store.UpdateServer(ctx, server, members); err != nil {
		return nil, err
	}
	s.changed(id, "updated")
	return viewOf(server), nil
}

// Get returns a server with its members whatever their active state
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	server, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewOf(server), nil
}

// List returns the servers without members
func (s *Service) List(ctx context.Context, includeInactive bool) ([]View, error) {
	list, err := s.store.ListServers(ctx, includeInactive)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(list))
	for i := range list {
		views = append(views, *viewOf(&list[i]))
	}
	return views, nil
}

// SetActive toggles a server. Member entities keep their own state.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) (*View, error) {
	if _, err := s.store.SetServerEnabled(ctx, id, active); err != nil {
		return nil, err
	}
	s.changed(id, "toggled")
	return s.Get(ctx, id)
}

// Delete removes a server. Its members are kept.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteServer(ctx, id); err != nil {
		return err
	}
	s.changed(id, "deleted")
	return nil
}

func (s *Service) changed(id uuid.UUID, action string) {
	s.sink.Publish(events.New(events.CatalogEntityChanged, map[string]interface{}{
		"entity": "server",
		"id":     id.String(),
		"action": action,
	}))
}

func viewOf(server *models.VirtualServer) *View {
	v := &View{
		ID:          server.ID,
		Name:        server.Name,
		Description: server.Description,
		Enabled:     server.Enabled,
		Tools:       make([]Member, 0, len(server.Tools)),
		Resources:   make([]Member, 0, len(server.Resources)),
		Prompts:     make([]Member, 0, len(server.Prompts)),
		Agents:      make([]Member, 0, len(server.Agents)),
		CreatedAt:   server.CreatedAt,
		UpdatedAt:   server.UpdatedAt,
	}
	for _, t := range server.Tools {
		v.Tools = append(v.Tools, Member{ID: t.ID, Name: t.Name, Enabled: t.Enabled})
	}
	for _, r := range server.Resources {
		v.Resources = append(v.Resources, Member{ID: r.ID, Name: r.URI, Enabled: r.Enabled})
	}
	for _, p := range server.Prompts {
		v.Prompts = append(v.Prompts, Member{ID: p.ID, Name: p.Name, Enabled: p.Enabled})
	}
	for _, a := range server.Agents {
		v.Agents = append(v.Agents, Member{ID: a.ID, Name: a.Name, Enabled: a.Enabled})
	}
	return v
}
