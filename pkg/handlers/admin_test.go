package handlers_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-mcp-gateway/internal/testutils"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/handlers"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

func TestAdminTools_CRUD(t *testing.T) {
	a := newAPI(t)
	upstream := catFactUpstream(t)

	var created models.Tool
	rec := a.do(t, http.MethodPost, "/admin/tools", catFactTool(upstream.URL), &created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, created.ID)

	rec = a.do(t, http.MethodPost, "/admin/tools", catFactTool(upstream.URL), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	update := catFactTool(upstream.URL)
	update.Description = "Facts about cats"
	var updated models.Tool
	rec = a.do(t, http.MethodPut, "/admin/tools/"+created.ID.String(), update, &updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Facts about cats", updated.Description)
	assert.Equal(t, created.ID, updated.ID)

	var toggled models.Tool
	rec = a.do(t, http.MethodPost, "/admin/tools/"+created.ID.String()+"/toggle?activate=false", nil, &toggled)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, toggled.Enabled)

	var listed []models.Tool
	a.do(t, http.MethodGet, "/admin/tools", nil, &listed)
	assert.Empty(t, listed)
	a.do(t, http.MethodGet, "/admin/tools?includeInactive=true", nil, &listed)
	assert.Len(t, listed, 1)

	rec = a.do(t, http.MethodDelete, "/admin/tools/"+created.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, http.MethodGet, "/admin/tools/"+created.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	changes := a.sink.Events(events.CatalogEntityChanged)
	actions := make([]interface{}, 0, len(changes))
	for _, e := range changes {
		assert.Equal(t, "tool", e.Data["entity"])
		actions = append(actions, e.Data["action"])
	}
	assert.Equal(t, []interface{}{"created", "updated", "deactivated", "deleted"}, actions)
}

func TestAdminTools_InvalidInput(t *testing.T) {
	a := newAPI(t)

	var errResp handlers.ErrorResponse
	rec := a.do(t, http.MethodGet, "/admin/tools/not-a-uuid", nil, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, errResp.Error)
	assert.Equal(t, gwerrors.KindValidation, errResp.Error.Kind)

	rec = a.do(t, http.MethodGet, "/admin/tools?includeInactive=maybe", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(t, http.MethodPost, "/admin/tools", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminTools_Metrics(t *testing.T) {
	a := newAPI(t)
	tool := a.createTool(t, catFactTool(catFactUpstream(t).URL))

	for i := 0; i < 3; i++ {
		resp := a.rpc(t, "/rpc", protocol.MethodCallTool, protocol.CallToolRequest{Name: "get_cat_fact"})
		require.Nil(t, resp.Error)
	}

	var metrics handlers.ToolMetricsResponse
	rec := a.do(t, http.MethodGet, "/admin/tools/"+tool.ID.String()+"/metrics?limit=2", nil, &metrics)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, metrics.Summary)
	assert.EqualValues(t, 3, metrics.Summary.TotalExecutions)
	assert.EqualValues(t, 3, metrics.Summary.SuccessfulExecutions)
	assert.Zero(t, metrics.Summary.FailureRate)
	assert.Len(t, metrics.Recent, 2)
}

func TestAdminResourcesAndPrompts(t *testing.T) {
	a := newAPI(t)

	var resource models.Resource
	rec := a.do(t, http.MethodPost, "/admin/resources", models.Resource{URI: "docs://readme", Content: "hi", Enabled: true}, &resource)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var prompt models.Prompt
	rec = a.do(t, http.MethodPost, "/admin/prompts", models.Prompt{Name: "summarize", Template: "Summarize {{ .text }}", Enabled: true}, &prompt)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resources []models.Resource
	a.do(t, http.MethodGet, "/admin/resources", nil, &resources)
	require.Len(t, resources, 1)
	assert.Equal(t, "docs://readme", resources[0].URI)

	rec = a.do(t, http.MethodDelete, "/admin/prompts/"+prompt.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminGateways_RegisterAndMirror(t *testing.T) {
	a := newAPI(t)
	peer := testutils.NewFakePeer(t, protocol.Tool{Name: "t1", InputSchema: map[string]interface{}{"type": "object"}})

	var registered handlers.RegistrationResponse
	rec := a.do(t, http.MethodPost, "/admin/gateways", map[string]interface{}{"name": "peer-one", "url": peer.URL()}, &registered)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, registered.Gateway)
	assert.Equal(t, models.GatewayStateHealthy, registered.Gateway.State)
	assert.Nil(t, registered.Error)

	var tools []models.Tool
	a.do(t, http.MethodGet, "/admin/tools?gatewayId="+registered.Gateway.ID.String(), nil, &tools)
	require.Len(t, tools, 1)

	resp := a.rpc(t, "/rpc", protocol.MethodCallTool, protocol.CallToolRequest{Name: tools[0].Name, Arguments: map[string]interface{}{"x": 1}})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, peer.Calls(protocol.MethodCallTool))

	peer.SetTools()
	var refreshed handlers.RefreshResponse
	rec = a.do(t, http.MethodPost, "/admin/gateways/"+registered.Gateway.ID.String()+"/refresh", nil, &refreshed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, refreshed.Result.Removed)

	peer.SetDown(true)
	var checked models.Gateway
	rec = a.do(t, http.MethodPost, "/admin/gateways/"+registered.Gateway.ID.String()+"/check", nil, &checked)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, checked.FailureCount)

	rec = a.do(t, http.MethodDelete, "/admin/gateways/"+registered.Gateway.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, http.MethodDelete, "/admin/gateways/"+registered.Gateway.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	var peers []models.Gateway
	a.do(t, http.MethodGet, "/admin/gateways", nil, &peers)
	assert.Empty(t, peers)
	a.do(t, http.MethodGet, "/admin/gateways?includeDeregistered=true", nil, &peers)
	assert.Len(t, peers, 1)
}

func TestAdminGateways_HandshakeFailureReturnsPeer(t *testing.T) {
	a := newAPI(t)
	peer := testutils.NewFakePeer(t)
	peer.SetDown(true)

	var registered handlers.RegistrationResponse
	rec := a.do(t, http.MethodPost, "/admin/gateways", map[string]interface{}{"name": "flaky", "url": peer.URL()}, &registered)
	assert.GreaterOrEqual(t, rec.Code, 400)
	require.NotNil(t, registered.Gateway)
	require.NotNil(t, registered.Error)
	assert.Equal(t, models.GatewayStateDegraded, registered.Gateway.State)
}

func writePlugins(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestAdminHooks_ReloadAppliesNewPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	writePlugins(t, path, "plugins: []\n")
	manager, err := hooks.NewManager(context.Background(), config.HookConfig{Enabled: true, ConfigPath: path, DrainTimeout: time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	a := newAPI(t, withHooks(manager))
	a.createTool(t, catFactTool(catFactUpstream(t).URL))

	resp := a.rpc(t, "/rpc", protocol.MethodCallTool, protocol.CallToolRequest{Name: "get_cat_fact"})
	require.Nil(t, resp.Error)

	writePlugins(t, path, `
plugins:
  - name: deny
    kind: deny_list
    hooks: [tool_pre_invoke]
    config:
      tools: [get_cat_fact]
`)
	var state handlers.HooksResponse
	rec := a.do(t, http.MethodPost, "/admin/hooks/reload", nil, &state)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, state.Hooks, 1)
	assert.Equal(t, "deny", state.Hooks[0].Name)
	assert.Contains(t, state.Kinds, hooks.KindDenyList)

	resp = a.rpc(t, "/rpc", protocol.MethodCallTool, protocol.CallToolRequest{Name: "get_cat_fact"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, gwerrors.CodePolicyBlocked, resp.Error.Code)

	// a broken file keeps the previous registry
	writePlugins(t, path, "plugins: [")
	rec = a.do(t, http.MethodPost, "/admin/hooks/reload", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	a.do(t, http.MethodGet, "/admin/hooks", nil, &state)
	require.Len(t, state.Hooks, 1)
}

func TestAdminHooks_Disabled(t *testing.T) {
	a := newAPI(t)

	var state handlers.HooksResponse
	rec := a.do(t, http.MethodGet, "/admin/hooks", nil, &state)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, state.Enabled)
	assert.Empty(t, state.Hooks)

	rec = a.do(t, http.MethodPost, "/admin/hooks/reload", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInternalAdmin_RequiresServiceSecret(t *testing.T) {
	a := newAPI(t, withServiceSecret("s3cret"))
	a.token = ""

	rec := a.do(t, http.MethodGet, "/internal/admin/tools", nil, nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)

	plain := newAPI(t)
	rec = plain.do(t, http.MethodGet, "/internal/admin/tools", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
