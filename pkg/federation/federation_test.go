package federation_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-mcp-gateway/internal/testutils"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/federation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/invocation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/lease"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/client"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/manager"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// peerRecorder is a hook kind observing federation events
type peerRecorder struct{}

var (
	recordedMu sync.Mutex
	recorded   []string
)

func (peerRecorder) Shutdown(context.Context) error { return nil }

func (peerRecorder) PeerRegistered(_ context.Context, p *hooks.Payload, _ *hooks.Context) (*hooks.Result, error) {
	recordedMu.Lock()
	defer recordedMu.Unlock()
	recorded = append(recorded, "registered:"+p.Name)
	return hooks.Continue(), nil
}

func (peerRecorder) PeerDeregistered(_ context.Context, p *hooks.Payload, _ *hooks.Context) (*hooks.Result, error) {
	recordedMu.Lock()
	defer recordedMu.Unlock()
	recorded = append(recorded, "deregistered:"+p.Name)
	return hooks.Continue(), nil
}

func init() {
	hooks.RegisterKind("peer_recorder", func(hooks.Registration) (hooks.Hook, error) {
		return peerRecorder{}, nil
	})
}

type env struct {
	store *catalog.Store
	peers *manager.Manager
	sink  *testutils.RecordingSink
	svc   *federation.Service
}

func newEnv(t *testing.T, cfg config.FederationConfig, hookManager *hooks.Manager) *env {
	t.Helper()
	store := catalog.NewStore(models.InitializeTestDB(t))
	d := dispatch.NewDispatcher(config.DispatcherConfig{MaxAttempts: 1, AttemptTimeout: time.Second, TotalTimeout: 2 * time.Second})
	peers := manager.NewManager(client.NewFactory(d, "test", "0.0.1"), time.Minute)
	t.Cleanup(peers.CloseAll)
	sink := &testutils.RecordingSink{}
	return &env{
		store: store,
		peers: peers,
		sink:  sink,
		svc:   federation.NewService(store, peers, hookManager, sink, cfg),
	}
}

func toolEnabled(t *testing.T, store *catalog.Store, name string) bool {
	t.Helper()
	tool, err := store.GetToolByName(context.Background(), name)
	require.NoError(t, err)
	return tool.Enabled
}

func TestPeerT1_EndToEnd(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugins:
  - name: recorder
    kind: peer_recorder
    hooks: [federation_peer_registered, federation_peer_deregistered]
`), 0o600))
	hookManager, err := hooks.NewManager(ctx, config.HookConfig{ConfigPath: path, DefaultTimeout: time.Second, DrainTimeout: time.Second}, nil)
	require.NoError(t, err)
	defer hookManager.Shutdown(ctx)

	e := newEnv(t, config.FederationConfig{}, hookManager)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1", InputSchema: map[string]interface{}{"type": "object"}})
	peer.SetResources(protocol.Resource{URI: "file:///notes", Name: "notes"})

	gw, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "peer-a", URL: peer.URL()})
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateHealthy, gw.State)

	pipeline := invocation.NewService(e.store, nil, e.peers, nil, nil, e.sink)
	res, err := pipeline.InvokeTool(ctx, "t1", map[string]interface{}{"q": "x"}, nil, invocation.RequestContext{})
	require.NoError(t, err)
	assert.Contains(t, res.Text(), "t1 called with")

	read, err := pipeline.ReadResource(ctx, "file:///notes", nil, invocation.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "content of file:///notes", read.Contents[0].Text)

	require.NoError(t, e.svc.DeregisterPeer(ctx, gw.ID))
	require.NoError(t, e.svc.DeregisterPeer(ctx, gw.ID), "deregistering is idempotent")

	_, err = pipeline.InvokeTool(ctx, "t1", nil, nil, invocation.RequestContext{})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound))
	assert.False(t, toolEnabled(t, e.store, "t1"), "owned rows are deactivated, not deleted")

	peers, err := e.svc.ListPeers(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, peers)

	assert.Len(t, e.sink.Events(events.PeerRegistered), 1)
	assert.Len(t, e.sink.Events(events.PeerDeregistered), 1)
	recordedMu.Lock()
	assert.Equal(t, []string{"registered:peer-a", "deregistered:peer-a"}, recorded)
	recordedMu.Unlock()
}

func TestRegisterPeer_HandshakeFailureKeepsPeer(t *testing.T) {
	for _, threshold := range []int{0, 1} {
		t.Run(fmt.Sprintf("threshold %d", threshold), func(t *testing.T) {
			testHandshakeFailureKeepsPeer(t, threshold)
		})
	}
}

func testHandshakeFailureKeepsPeer(t *testing.T, threshold int) {
	ctx := context.Background()
	e := newEnv(t, config.FederationConfig{UnhealthyThreshold: threshold}, nil)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1"})
	peer.SetDown(true)

	gw, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "flaky", URL: peer.URL()})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindFederationHandshakeFailed))
	require.NotNil(t, gw)
	assert.Equal(t, models.GatewayStateDegraded, gw.State)
	assert.NotEmpty(t, gw.LastError)

	_, err = e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "flaky", URL: peer.URL()})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindConflict))

	peer.SetDown(false)
	recovered, err := e.svc.CheckPeer(ctx, gw.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateHealthy, recovered.State)
	assert.True(t, toolEnabled(t, e.store, "t1"), "a successful check completes the missing handshake")
}

func TestCheckPeer_CascadeWithoutRefetch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.FederationConfig{UnhealthyThreshold: 2}, nil)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1"})
	gw, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "peer-a", URL: peer.URL()})
	require.NoError(t, err)
	original, err := e.store.GetToolByName(ctx, "t1")
	require.NoError(t, err)

	peer.SetDown(true)
	degraded, err := e.svc.CheckPeer(ctx, gw.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateDegraded, degraded.State)
	assert.Equal(t, 1, degraded.FailureCount)
	assert.True(t, toolEnabled(t, e.store, "t1"), "degraded peers keep serving")

	inactive, err := e.svc.CheckPeer(ctx, gw.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateInactive, inactive.State)
	assert.False(t, toolEnabled(t, e.store, "t1"))

	listCalls := peer.Calls(protocol.MethodListTools)
	peer.SetDown(false)
	healthy, err := e.svc.CheckPeer(ctx, gw.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateHealthy, healthy.State)
	assert.Zero(t, healthy.FailureCount)

	restored, err := e.store.GetToolByName(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, restored.Enabled)
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, listCalls, peer.Calls(protocol.MethodListTools), "reactivation does not re-fetch")

	changes := e.sink.Events(events.PeerStateChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, "healthy", changes[len(changes)-1].Data["to"])
}

func TestInvokeTool_RefusesInactivePeer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.FederationConfig{UnhealthyThreshold: 1}, nil)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1"})
	gw, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "peer-a", URL: peer.URL()})
	require.NoError(t, err)

	peer.SetDown(true)
	inactive, err := e.svc.CheckPeer(ctx, gw.ID)
	require.NoError(t, err)
	require.Equal(t, models.GatewayStateInactive, inactive.State)
	require.True(t, inactive.Enabled)

	// an operator re-enables the tool while the peer is still retracted
	peer.SetDown(false)
	tool, err := e.store.GetToolByName(ctx, "t1")
	require.NoError(t, err)
	_, err = e.store.SetToolEnabled(ctx, tool.ID, true)
	require.NoError(t, err)

	calls := peer.Calls(protocol.MethodCallTool)
	pipeline := invocation.NewService(e.store, nil, e.peers, nil, nil, e.sink)
	_, err = pipeline.InvokeTool(ctx, "t1", nil, nil, invocation.RequestContext{})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound))
	assert.Equal(t, calls, peer.Calls(protocol.MethodCallTool))
}

func TestCheckAll_SkipsInactiveUnlessConfigured(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.FederationConfig{UnhealthyThreshold: 1}, nil)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1"})
	gw, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "peer-a", URL: peer.URL()})
	require.NoError(t, err)

	peer.SetDown(true)
	require.NoError(t, e.svc.CheckAll(ctx))
	got, err := e.svc.GetPeer(ctx, gw.ID)
	require.NoError(t, err)
	require.Equal(t, models.GatewayStateInactive, got.State)

	peer.SetDown(false)
	pings := peer.Calls(protocol.MethodPing)
	require.NoError(t, e.svc.CheckAll(ctx))
	assert.Equal(t, pings, peer.Calls(protocol.MethodPing), "inactive peers are skipped")

	probing := federation.NewService(e.store, e.peers, nil, e.sink, config.FederationConfig{ProbeInactive: true})
	require.NoError(t, probing.CheckAll(ctx))
	got, err = e.svc.GetPeer(ctx, gw.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateHealthy, got.State)
	assert.True(t, toolEnabled(t, e.store, "t1"))
}

func TestSetPeerActive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.FederationConfig{ProbeInactive: true}, nil)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1"})
	gw, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "peer-a", URL: peer.URL()})
	require.NoError(t, err)

	off, err := e.svc.SetPeerActive(ctx, gw.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateInactive, off.State)
	assert.False(t, off.Enabled)
	assert.False(t, toolEnabled(t, e.store, "t1"))

	require.NoError(t, e.svc.CheckAll(ctx))
	checked, err := e.svc.CheckPeer(ctx, gw.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateInactive, checked.State, "health checks never override an operator")

	on, err := e.svc.SetPeerActive(ctx, gw.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStateHealthy, on.State)
	assert.True(t, toolEnabled(t, e.store, "t1"))

	require.NoError(t, e.svc.DeregisterPeer(ctx, gw.ID))
	_, err = e.svc.SetPeerActive(ctx, gw.ID, true)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound))
	_, err = e.svc.CheckPeer(ctx, gw.ID)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound), "deregistered peers are never probed")
}

func TestRefreshPeer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.FederationConfig{}, nil)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1"})
	gw, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "peer-a", URL: peer.URL()})
	require.NoError(t, err)

	peer.SetTools(protocol.Tool{Name: "t2"})
	_, result, err := e.svc.RefreshPeer(ctx, gw.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.SyncResult{Added: 1, Removed: 1}, result)
	assert.True(t, toolEnabled(t, e.store, "t2"))
}

type fakeLeader struct{ leading atomic.Bool }

func (f *fakeLeader) IsLeader() bool { return f.leading.Load() }

func TestRunHealthLoop_OnlyWhileLeading(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, config.FederationConfig{HealthCheckInterval: 20 * time.Millisecond}, nil)
	peer := testutils.NewFakePeer(t)
	_, err := e.svc.RegisterPeer(ctx, federation.PeerDescriptor{Name: "peer-a", URL: peer.URL()})
	require.NoError(t, err)

	leader := &fakeLeader{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.svc.RunHealthLoop(ctx, leader)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, peer.Calls(protocol.MethodPing), "followers do not probe")

	leader.leading.Store(true)
	assert.Eventually(t, func() bool { return peer.Calls(protocol.MethodPing) > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func runElector(ctx context.Context, el *federation.Elector) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = el.Run(ctx)
	}()
	return done
}

func TestElector_FileLeaseTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leader.lock")
	cfg := config.LeaseConfig{TTL: 300 * time.Millisecond, RetryInterval: 30 * time.Millisecond}
	a := federation.NewElector(lease.NewFileLease(path, "a"), cfg, nil)
	b := federation.NewElector(lease.NewFileLease(path, "b"), cfg, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := runElector(ctxA, a)
	require.Eventually(t, a.IsLeader, time.Second, 10*time.Millisecond)

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	doneB := runElector(ctxB, b)
	assert.Never(t, b.IsLeader, 150*time.Millisecond, 10*time.Millisecond, "only one leader at a time")

	cancelA()
	<-doneA
	assert.False(t, a.IsLeader())
	assert.Eventually(t, b.IsLeader, cfg.TTL, 10*time.Millisecond, "the follower takes over within one ttl")

	cancelB()
	<-doneB
}

func TestElector_RedisLeaseTakeoverAfterCrash(t *testing.T) {
	mr := miniredis.RunT(t)
	ttl := 300 * time.Millisecond
	cfg := config.LeaseConfig{TTL: ttl, RetryInterval: 30 * time.Millisecond}

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientB.Close()
	sink := &testutils.RecordingSink{}
	a := federation.NewElector(lease.NewRedisLease(clientA, "health", "a", ttl), cfg, sink)
	b := federation.NewElector(lease.NewRedisLease(clientB, "health", "b", ttl), cfg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doneA := runElector(ctx, a)
	require.Eventually(t, a.IsLeader, time.Second, 10*time.Millisecond)
	doneB := runElector(ctx, b)
	assert.Never(t, b.IsLeader, 150*time.Millisecond, 10*time.Millisecond)

	// a loses its connection and can neither renew nor release
	require.NoError(t, clientA.Close())
	require.Eventually(t, func() bool { return !a.IsLeader() }, time.Second, 10*time.Millisecond)
	assert.False(t, b.IsLeader(), "the lease is still held until it expires")

	mr.FastForward(ttl)
	assert.Eventually(t, b.IsLeader, ttl, 10*time.Millisecond)

	cancel()
	<-doneA
	<-doneB
	assert.NotEmpty(t, sink.Events(events.LeadershipChanged))
}
