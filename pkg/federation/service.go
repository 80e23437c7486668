// Package federation registers peer gateways, mirrors their capabilities into the catalog and
// supervises their health.
package federation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/manager"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// systemPrincipal is reported to hooks for operations not triggered by a caller
const systemPrincipal = "system"

// PeerClient talks to peer gateways. It is implemented by the MCP session manager.
type PeerClient interface {
	Handshake(ctx context.Context, gw *models.Gateway) (*manager.Snapshot, error)
	Ping(ctx context.Context, gw *models.Gateway) error
	CloseSession(gatewayID uuid.UUID)
}

// PeerDescriptor is the input of a peer registration
type PeerDescriptor struct {
	Name        string          `json:"name"`
	URL         string          `json:"url"`
	Description string          `json:"description,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AuthType    models.AuthType `json:"authType,omitempty"`
	AuthValue   string          `json:"authValue,omitempty"`
}

// Service is the federation engine
type Service struct {
	store *catalog.Store
	peers PeerClient
	hooks *hooks.Manager
	sink  events.Sink
	cfg   config.FederationConfig
}

// NewService creates the federation engine. hookManager may be nil.
func NewService(store *catalog.Store, peers PeerClient, hookManager *hooks.Manager, sink events.Sink, cfg config.FederationConfig) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Service{store: store, peers: peers, hooks: hookManager, sink: sink, cfg: cfg}
}

// RegisterPeer stores a peer and mirrors its capabilities. When the handshake fails the peer
// is kept in the degraded state and a federation_handshake_failed error is returned with it.
func (s *Service) RegisterPeer(ctx context.Context, desc PeerDescriptor) (*models.Gateway, error) {
	gw := &models.Gateway{
		Name:        desc.Name,
		URL:         desc.URL,
		Description: desc.Description,
		Transport:   desc.Transport,
		AuthType:    desc.AuthType,
		AuthValue:   desc.AuthValue,
	}
	if err := s.store.CreateGateway(ctx, gw); err != nil {
		return nil, err
	}
	logging.LogInfof("registering peer gateway %s at %s", gw.Name, gw.URL)
	metrics.SetPeerState(gw.Name, string(gw.State))

	synced, result, err := s.sync(ctx, gw)
	if err != nil {
		failed := s.recordFailure(ctx, gw, err)
		return failed, gwerrors.Wrap(err, gwerrors.KindFederationHandshakeFailed, "handshake with peer %s failed", gw.Name)
	}
	logging.LogInfof("registered peer gateway %s: %d added", synced.Name, result.Added)

	s.sink.Publish(events.New(events.PeerRegistered, map[string]interface{}{
		"gatewayId": synced.ID.String(),
		"name":      synced.Name,
		"url":       synced.URL,
		"added":     result.Added,
	}))
	s.notify(ctx, hooks.PeerRegistered, synced)
	return synced, nil
}

// RefreshPeer re-fetches the capabilities of a peer
func (s *Service) RefreshPeer(ctx context.Context, id uuid.UUID) (*models.Gateway, catalog.SyncResult, error) {
	gw, err := s.livePeer(ctx, id)
	if err != nil {
		return nil, catalog.SyncResult{}, err
	}
	synced, result, err := s.sync(ctx, gw)
	if err != nil {
		failed := s.recordFailure(ctx, gw, err)
		return failed, result, gwerrors.Wrap(err, gwerrors.KindFederationHandshakeFailed, "handshake with peer %s failed", gw.Name)
	}
	return synced, result, nil
}

// DeregisterPeer retires a peer and deactivates everything it owns. Owned rows are kept.
// Deregistering twice is a no-op.
func (s *Service) DeregisterPeer(ctx context.Context, id uuid.UUID) error {
	gw, err := s.store.GetGateway(ctx, id)
	if err != nil {
		return err
	}
	if gw.State == models.GatewayStateDeregistered {
		return nil
	}
	off := false
	updated, err := s.store.TransitionGateway(ctx, id, catalog.GatewayTransition{
		State:   models.GatewayStateDeregistered,
		Enabled: &off,
		Cascade: &off,
	})
	if errors.Is(err, catalog.ErrStaleState) {
		// deregistered concurrently
		return nil
	}
	if err != nil {
		return err
	}
	s.peers.CloseSession(id)
	metrics.ForgetPeer(gw.Name)
	logging.LogInfof("deregistered peer gateway %s", gw.Name)

	s.sink.Publish(events.New(events.PeerDeregistered, map[string]interface{}{
		"gatewayId": id.String(),
		"name":      gw.Name,
	}))
	s.notify(ctx, hooks.PeerDeregistered, updated)
	return nil
}

// SetPeerActive is the manual override of a peer's active state. It cascades to owned rows.
func (s *Service) SetPeerActive(ctx context.Context, id uuid.UUID, active bool) (*models.Gateway, error) {
	gw, err := s.livePeer(ctx, id)
	if err != nil {
		return nil, err
	}
	t := catalog.GatewayTransition{
		ExpectState: gw.State,
		State:       models.GatewayStateInactive,
		Enabled:     &active,
		Cascade:     &active,
		LastError:   gw.LastError,
	}
	if active {
		t.State = models.GatewayStateHealthy
		t.LastError = ""
	}
	updated, err := s.store.TransitionGateway(ctx, id, t)
	if err != nil {
		if errors.Is(err, catalog.ErrStaleState) {
			return nil, gwerrors.Wrap(err, gwerrors.KindConflict, "peer %s changed concurrently, retry", gw.Name)
		}
		return nil, err
	}
	s.stateChanged(gw, updated, "manual")
	return updated, nil
}

// ListPeers lists registered peers
func (s *Service) ListPeers(ctx context.Context, includeDeregistered bool) ([]models.Gateway, error) {
	return s.store.ListGateways(ctx, includeDeregistered)
}

// GetPeer returns a peer by id
func (s *Service) GetPeer(ctx context.Context, id uuid.UUID) (*models.Gateway, error) {
	return s.store.GetGateway(ctx, id)
}

// livePeer returns a peer that is not deregistered
func (s *Service) livePeer(ctx context.Context, id uuid.UUID) (*models.Gateway, error) {
	gw, err := s.store.GetGateway(ctx, id)
	if err != nil {
		return nil, err
	}
	if gw.State == models.GatewayStateDeregistered {
		return nil, gwerrors.New(gwerrors.KindNotFound, "gateway %s is deregistered", gw.Name)
	}
	return gw, nil
}

// sync runs a handshake and mirrors the fetched capabilities into the catalog
func (s *Service) sync(ctx context.Context, gw *models.Gateway) (*models.Gateway, catalog.SyncResult, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	snapshot, err := s.peers.Handshake(hsCtx, gw)
	if err != nil {
		return nil, catalog.SyncResult{}, err
	}
	synced, result, err := s.store.SyncGatewayCapabilities(ctx, gw.ID, capabilitiesOf(snapshot))
	if err != nil {
		return nil, result, err
	}
	s.stateChanged(gw, synced, "sync")
	return synced, result, nil
}

// notify runs the federation hook chain. Peer hooks observe, their decisions are only logged.
func (s *Service) notify(ctx context.Context, point hooks.HookPoint, gw *models.Gateway) {
	if gw == nil {
		return
	}
	payload := &hooks.Payload{
		Name: gw.Name,
		URI:  gw.URL,
		Arguments: map[string]interface{}{
			"id":    gw.ID.String(),
			"state": string(gw.State),
		},
		Principal: systemPrincipal,
	}
	gctx := hooks.NewGlobalContext(uuid.NewString(), systemPrincipal, "")
	if _, err := s.hooks.RunChain(ctx, point, payload, gctx); err != nil {
		logging.LogWarningf(err, "hooks on %s for peer %s", point, gw.Name)
	}
}

func (s *Service) stateChanged(before, after *models.Gateway, cause string) {
	if after == nil {
		return
	}
	metrics.SetPeerState(after.Name, string(after.State))
	if before != nil && before.State == after.State {
		return
	}
	from := ""
	if before != nil {
		from = string(before.State)
	}
	logging.LogInfof("peer gateway %s: %s -> %s (%s)", after.Name, from, after.State, cause)
	s.sink.Publish(events.New(events.PeerStateChanged, map[string]interface{}{
		"gatewayId": after.ID.String(),
		"name":      after.Name,
		"from":      from,
		"to":        string(after.State),
		"cause":     cause,
	}))
}

// capabilitiesOf converts a handshake snapshot into catalog rows
func capabilitiesOf(snapshot *manager.Snapshot) catalog.PeerCapabilities {
	caps := catalog.PeerCapabilities{
		Snapshot: models.GatewayCapabilities{
			Tools:     make([]string, 0, len(snapshot.Tools)),
			Resources: make([]string, 0, len(snapshot.Resources)),
			Prompts:   make([]string, 0, len(snapshot.Prompts)),
		},
	}
	if snapshot.Init != nil {
		caps.Snapshot.ServerName = snapshot.Init.ServerInfo.Name
		caps.Snapshot.ServerVersion = snapshot.Init.ServerInfo.Version
		caps.Snapshot.ProtocolVersion = snapshot.Init.ProtocolVersion
	}
	for _, t := range snapshot.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil || t.InputSchema == nil {
			schema = []byte(`{"type":"object"}`)
		}
		caps.Tools = append(caps.Tools, models.Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
		caps.Snapshot.Tools = append(caps.Snapshot.Tools, t.Name)
	}
	for _, r := range snapshot.Resources {
		caps.Resources = append(caps.Resources, models.Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
		caps.Snapshot.Resources = append(caps.Snapshot.Resources, r.URI)
	}
	for _, p := range snapshot.Prompts {
		args := make([]models.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, models.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		caps.Prompts = append(caps.Prompts, models.Prompt{Name: p.Name, Description: p.Description, Arguments: models.ArgumentsJSON(args)})
		caps.Snapshot.Prompts = append(caps.Snapshot.Prompts, p.Name)
	}
	return caps
}
