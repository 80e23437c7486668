package agents

import (
	"context"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

const (
	defaultAPIBaseURL = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
)

// OpenAIBackend answers A2A calls with a chat completion of an OpenAI compatible API
type OpenAIBackend struct {
	cfg config.AgentConfig
}

// NewOpenAIBackend creates the backend. Agent fields override the configured defaults.
func NewOpenAIBackend(cfg config.AgentConfig) *OpenAIBackend {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	return &OpenAIBackend{cfg: cfg}
}

func (b *OpenAIBackend) client(agent *models.Agent) (*openai.Client, string, error) {
	baseURL := agent.EndpointURL
	if baseURL == "" {
		baseURL = b.cfg.OpenAIBaseURL
	}
	baseURL = normalizeBaseURL(baseURL)

	apiKey := b.cfg.OpenAIAPIKey
	if agent.AuthType == models.AuthTypeBearer && agent.AuthValue != "" {
		key, err := auth.ResolveCredential(agent.AuthValue)
		if err != nil {
			return nil, "", err
		}
		apiKey = key
	}
	model := agent.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: b.cfg.RequestTimeout}),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	c := openai.NewClient(opts...)
	logging.LogDebugf("using OpenAI agent %s (model=%s, base=%s)", agent.Name, model, baseURL)
	return &c, model, nil
}

// Invoke implements Backend
func (b *OpenAIBackend) Invoke(ctx context.Context, agent *models.Agent, req Request) (*protocol.CallToolResult, error) {
	c, model, err := b.client(agent)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.KindInternal, "agent %s credentials could not be resolved", agent.Name)
	}

	query := queryText(req.Arguments)
	if query == "" {
		return nil, gwerrors.Validation("agent call without input", []gwerrors.FieldError{
			{Field: "query", Message: "query, message or prompt is required"},
		})
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if agent.Description != "" {
		messages = append(messages, openai.SystemMessage(agent.Description))
	}
	messages = append(messages, openai.UserMessage(query))

	resp, err := c.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return nil, openAIError(err, agent.Name)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, gwerrors.Wrap(errors.New("openai returned an empty response"), gwerrors.KindDispatchUpstream,
			"agent %s returned no answer", agent.Name)
	}
	return &protocol.CallToolResult{
		Content: []protocol.Content{protocol.TextContent(resp.Choices[0].Message.Content)},
	}, nil
}

func openAIError(err error, agent string) *gwerrors.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return gwerrors.Upstream(err, apiErr.StatusCode)
	}
	return dispatch.GatewayError(err, "agent "+agent)
}

func normalizeBaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultAPIBaseURL
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if !strings.HasSuffix(trimmed, "/v1") {
		trimmed += "/v1"
	}
	return trimmed
}
