package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/client"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

const cleanupInterval = 5 * time.Minute

// Manager keeps one initialized MCP session per peer gateway
type Manager struct {
	factory        *client.Factory
	sessions       map[uuid.UUID]*SessionInfo
	mu             sync.RWMutex
	sessionTimeout time.Duration
}

// SessionInfo holds an initialized client of a peer
type SessionInfo struct {
	Client       *client.Client
	GatewayID    uuid.UUID
	GatewayName  string
	fingerprint  string
	lastAccessed time.Time
	mu           sync.Mutex
}

func (s *SessionInfo) touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.mu.Unlock()
}

func (s *SessionInfo) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// Snapshot is the full capability set fetched during a handshake
type Snapshot struct {
	Init      *protocol.InitializeResult
	Tools     []protocol.Tool
	Resources []protocol.Resource
	Prompts   []protocol.Prompt
}

// NewManager creates a new session manager
func NewManager(factory *client.Factory, sessionTimeout time.Duration) *Manager {
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Minute
	}
	return &Manager{
		factory:        factory,
		sessions:       make(map[uuid.UUID]*SessionInfo),
		sessionTimeout: sessionTimeout,
	}
}

// Run closes idle sessions until the context is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case <-ticker.C:
			m.cleanupInactiveSessions()
		}
	}
}

// fingerprint changes whenever connection relevant settings of a peer change
func fingerprint(gw *models.Gateway) string {
	return gw.URL + "|" + string(gw.AuthType) + "|" + gw.AuthValue
}

// Handshake opens a fresh session and fetches all capabilities the peer advertises.
// The new session replaces any existing one.
func (m *Manager) Handshake(ctx context.Context, gw *models.Gateway) (*Snapshot, error) {
	c, err := m.factory.ForGateway(gw)
	if err != nil {
		return nil, err
	}
	init, err := c.Initialize(ctx)
	if err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "failed to initialize session with gateway %s", gw.Name)
	}

	snapshot := &Snapshot{Init: init}
	caps := init.Capabilities
	if caps.Tools != nil {
		if snapshot.Tools, err = c.ListTools(ctx); err != nil {
			_ = c.Close()
			return nil, errors.Wrapf(err, "failed to list tools of gateway %s", gw.Name)
		}
	}
	if caps.Resources != nil {
		if snapshot.Resources, err = c.ListResources(ctx); err != nil {
			_ = c.Close()
			return nil, errors.Wrapf(err, "failed to list resources of gateway %s", gw.Name)
		}
	}
	if caps.Prompts != nil {
		if snapshot.Prompts, err = c.ListPrompts(ctx); err != nil {
			_ = c.Close()
			return nil, errors.Wrapf(err, "failed to list prompts of gateway %s", gw.Name)
		}
	}

	m.store(gw, c)
	logging.LogDebugf("Handshake with gateway %s: %d tools, %d resources, %d prompts",
		gw.Name, len(snapshot.Tools), len(snapshot.Resources), len(snapshot.Prompts))
	return snapshot, nil
}

func (m *Manager) store(gw *models.Gateway, c *client.Client) {
	session := &SessionInfo{
		Client:       c,
		GatewayID:    gw.ID,
		GatewayName:  gw.Name,
		fingerprint:  fingerprint(gw),
		lastAccessed: time.Now(),
	}
	m.mu.Lock()
	old := m.sessions[gw.ID]
	m.sessions[gw.ID] = session
	m.mu.Unlock()
	if old != nil {
		_ = old.Client.Close()
	}
}

// GetOrCreateSession returns the session of a peer, initializing a new one when needed
func (m *Manager) GetOrCreateSession(ctx context.Context, gw *models.Gateway) (*SessionInfo, error) {
	m.mu.RLock()
	session, exists := m.sessions[gw.ID]
	m.mu.RUnlock()
	if exists && session.fingerprint == fingerprint(gw) {
		session.touch()
		return session, nil
	}

	c, err := m.factory.ForGateway(gw)
	if err != nil {
		return nil, err
	}
	if _, err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "failed to initialize session with gateway %s", gw.Name)
	}
	m.store(gw, c)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[gw.ID], nil
}

// withSession runs fn on the session of a peer. A failure caused by an expired upstream
// session is retried once on a fresh session.
func withSession[T any](ctx context.Context, m *Manager, gw *models.Gateway, fn func(*client.Client) (T, error)) (T, error) {
	var zero T
	session, err := m.GetOrCreateSession(ctx, gw)
	if err != nil {
		return zero, err
	}
	out, err := fn(session.Client)
	if err == nil || !sessionExpired(err) {
		return out, err
	}

	logging.LogDebugf("Session with gateway %s expired, reinitializing", gw.Name)
	m.CloseSession(gw.ID)
	session, err = m.GetOrCreateSession(ctx, gw)
	if err != nil {
		return zero, err
	}
	return fn(session.Client)
}

// sessionExpired detects peers rejecting an unknown session id
func sessionExpired(err error) bool {
	var httpErr *dispatch.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == 404
	}
	return false
}

// CallTool calls a tool on a peer using its remote name
func (m *Manager) CallTool(ctx context.Context, gw *models.Gateway, name string, arguments map[string]interface{}) (*protocol.CallToolResult, error) {
	return withSession(ctx, m, gw, func(c *client.Client) (*protocol.CallToolResult, error) {
		return c.CallTool(ctx, name, arguments)
	})
}

// ReadResource reads a resource from a peer using its remote uri
func (m *Manager) ReadResource(ctx context.Context, gw *models.Gateway, uri string) (*protocol.ReadResourceResult, error) {
	return withSession(ctx, m, gw, func(c *client.Client) (*protocol.ReadResourceResult, error) {
		return c.ReadResource(ctx, uri)
	})
}

// GetPrompt renders a prompt on a peer using its remote name
func (m *Manager) GetPrompt(ctx context.Context, gw *models.Gateway, name string, arguments map[string]string) (*protocol.GetPromptResult, error) {
	return withSession(ctx, m, gw, func(c *client.Client) (*protocol.GetPromptResult, error) {
		return c.GetPrompt(ctx, name, arguments)
	})
}

// Ping checks the liveness of a peer without touching its session
func (m *Manager) Ping(ctx context.Context, gw *models.Gateway) error {
	c, err := m.factory.ForGateway(gw)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(ctx)
}

// CloseSession closes the session of a peer, if any
func (m *Manager) CloseSession(gatewayID uuid.UUID) {
	m.mu.Lock()
	session, exists := m.sessions[gatewayID]
	delete(m.sessions, gatewayID)
	m.mu.Unlock()
	if !exists {
		return
	}
	if err := session.Client.Close(); err != nil {
		logging.LogErrorf(err, "Failed to close MCP client of gateway %s", session.GatewayName)
	}
}

// CloseAll closes every session
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*SessionInfo)
	m.mu.Unlock()
	for _, session := range sessions {
		_ = session.Client.Close()
	}
}

// cleanupInactiveSessions closes sessions that have been inactive for too long
func (m *Manager) cleanupInactiveSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, session := range m.sessions {
		if now.Sub(session.idleSince()) > m.sessionTimeout {
			delete(m.sessions, id)
			_ = session.Client.Close()
			logging.LogDebugf("Cleaned up inactive MCP session of gateway %s", session.GatewayName)
		}
	}
}
