package agents_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/agents"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

func newService() *agents.Service {
	sender := dispatch.NewDispatcher(config.DispatcherConfig{
		MaxAttempts:    1,
		AttemptTimeout: time.Second,
		TotalTimeout:   2 * time.Second,
	})
	return agents.NewService(sender, config.AgentConfig{RequestTimeout: time.Second})
}

func TestGenericBackend(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"42"}`))
	}))
	defer srv.Close()

	agent := &models.Agent{
		Name:        "oracle",
		EndpointURL: srv.URL,
		AgentType:   models.AgentTypeGeneric,
		AuthType:    models.AuthTypeBearer,
		AuthValue:   "agent-token",
		Enabled:     true,
	}
	res, err := newService().Invoke(context.Background(), agent, agents.Request{
		ToolName:  "ask_oracle",
		Arguments: map[string]interface{}{"query": "meaning of life"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Text())
	assert.Equal(t, "query", got["interaction_type"])
	assert.Equal(t, "ask_oracle", got["tool"])
	assert.Equal(t, map[string]interface{}{"query": "meaning of life"}, got["parameters"])
}

func TestGenericBackend_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newService().Invoke(context.Background(), &models.Agent{
		Name: "oracle", EndpointURL: srv.URL, AgentType: models.AgentTypeGeneric, Enabled: true,
	}, agents.Request{ToolName: "ask"})
	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindDispatchUpstream, gwErr.Kind)
	assert.Equal(t, http.StatusBadRequest, gwErr.Status)
}

func TestOpenAIBackend(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Paris"}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	agent := &models.Agent{
		Name:        "geo",
		Description: "You answer geography questions.",
		EndpointURL: srv.URL,
		AgentType:   models.AgentTypeOpenAI,
		Model:       "gpt-test",
		AuthType:    models.AuthTypeBearer,
		AuthValue:   "sk-test",
		Enabled:     true,
	}
	res, err := newService().Invoke(context.Background(), agent, agents.Request{
		ToolName:  "capital",
		Arguments: map[string]interface{}{"query": "capital of France?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Text())
	assert.Equal(t, "gpt-test", body["model"])
	messages, ok := body["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAIBackend_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	svc := newService()
	agent := &models.Agent{Name: "geo", EndpointURL: srv.URL, AgentType: models.AgentTypeOpenAI, Enabled: true}

	_, err := svc.Invoke(context.Background(), agent, agents.Request{Arguments: map[string]interface{}{"query": "hi"}})
	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindDispatchUpstream, gwErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, gwErr.Status)

	_, err = svc.Invoke(context.Background(), agent, agents.Request{})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindValidation))
}

func TestService_RejectsDisabledAndUnknownAgents(t *testing.T) {
	svc := newService()
	_, err := svc.Invoke(context.Background(), &models.Agent{AgentType: models.AgentTypeGeneric}, agents.Request{})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound))

	_, err = svc.Invoke(context.Background(), &models.Agent{AgentType: "carrier-pigeon", Enabled: true}, agents.Request{})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindValidation))
}
