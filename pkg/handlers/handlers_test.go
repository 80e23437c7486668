package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-mcp-gateway/internal/testutils"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/agents"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/federation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/handlers"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/invocation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/client"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/manager"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/servers"
)

// Executed before test runs in this package (fails otherwise)
func TestMain(m *testing.M) {
	config.SetupEnv()
	os.Exit(m.Run())
}

type api struct {
	store  *catalog.Store
	sink   *testutils.RecordingSink
	hub    *events.Hub
	router chi.Router
	token  string
}

type apiOption func(*handlers.Dependencies)

func withHooks(m *hooks.Manager) apiOption {
	return func(d *handlers.Dependencies) { d.Hooks = m }
}

func withServiceSecret(secret string) apiOption {
	return func(d *handlers.Dependencies) { d.ServiceSecret = secret }
}

func newAPI(t *testing.T, opts ...apiOption) *api {
	t.Helper()
	store := catalog.NewStore(models.InitializeTestDB(t))
	sink := &testutils.RecordingSink{}
	hub := events.NewHub(16)

	d := dispatch.NewDispatcher(config.DispatcherConfig{MaxAttempts: 1, AttemptTimeout: time.Second, TotalTimeout: 2 * time.Second})
	peers := manager.NewManager(client.NewFactory(d, "test", "0.0.1"), time.Minute)
	t.Cleanup(peers.CloseAll)

	validator, err := auth.NewLocalJWTValidator(testutils.TestJWTSecret)
	require.NoError(t, err)

	deps := handlers.Dependencies{
		Store:         store,
		Federation:    federation.NewService(store, peers, nil, sink, config.FederationConfig{}),
		Servers:       servers.NewService(store, sink),
		Hub:           hub,
		Sink:          sink,
		Authenticator: auth.NewService(config.AuthConfig{Required: true}, validator),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	deps.Invoker = invocation.NewService(store, d, peers, agents.NewService(d, config.AgentConfig{}), deps.Hooks, sink)

	router := chi.NewRouter()
	handlers.RegisterRoutes(router, deps)
	return &api{
		store:  store,
		sink:   sink,
		hub:    hub,
		router: router,
		token:  testutils.SignedToken(t, testutils.TestJWTSecret, "alice", time.Hour, nil),
	}
}

// do sends an authenticated request and decodes the JSON response into out, when given
func (a *api) do(t *testing.T, method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

// rpc posts a JSON-RPC request to path
func (a *api) rpc(t *testing.T, path, method string, params interface{}) *protocol.JSONRPCResponse {
	t.Helper()
	req, err := protocol.NewRequest(1, method, params)
	require.NoError(t, err)
	var resp protocol.JSONRPCResponse
	rec := a.do(t, http.MethodPost, path, req, &resp)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return &resp
}

// catFactUpstream serves a fixed cat fact
func catFactUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fact":"Cats sleep 70% of their lives.","length":30}`))
	}))
	t.Cleanup(upstream.Close)
	return upstream
}
