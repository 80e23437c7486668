package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-mcp-gateway/internal/testutils"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/client"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/manager"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

func newManager() *manager.Manager {
	d := dispatch.NewDispatcher(config.DispatcherConfig{MaxAttempts: 1, AttemptTimeout: time.Second})
	return manager.NewManager(client.NewFactory(d, "test", "0.0.1"), time.Minute)
}

func TestManager_HandshakeAndReuse(t *testing.T) {
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1"})
	peer.SetPrompts(protocol.Prompt{Name: "greet"})
	gw := &models.Gateway{ID: uuid.New(), Name: "peer", URL: peer.URL()}
	m := newManager()
	defer m.CloseAll()

	snapshot, err := m.Handshake(context.Background(), gw)
	require.NoError(t, err)
	assert.Len(t, snapshot.Tools, 1)
	assert.Empty(t, snapshot.Resources)
	assert.Len(t, snapshot.Prompts, 1)
	assert.Equal(t, 1, peer.Calls(protocol.MethodInitialize))

	_, err = m.CallTool(context.Background(), gw, "t1", nil)
	require.NoError(t, err)
	_, err = m.GetPrompt(context.Background(), gw, "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, peer.Calls(protocol.MethodInitialize), "the handshake session is reused")

	changed := *gw
	changed.AuthType = models.AuthTypeBearer
	changed.AuthValue = "new-token"
	_, err = m.ReadResource(context.Background(), &changed, "file:///x")
	require.NoError(t, err)
	assert.Equal(t, 2, peer.Calls(protocol.MethodInitialize), "changed credentials open a new session")
}

func TestManager_Ping(t *testing.T) {
	peer := testutils.NewFakePeer(t)
	gw := &models.Gateway{ID: uuid.New(), Name: "peer", URL: peer.URL()}
	m := newManager()

	require.NoError(t, m.Ping(context.Background(), gw))
	peer.SetDown(true)
	assert.Error(t, m.Ping(context.Background(), gw))
	assert.Equal(t, 0, peer.Calls(protocol.MethodInitialize))
}
