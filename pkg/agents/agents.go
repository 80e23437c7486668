// Package agents delegates A2A tool calls to agent backends.
package agents

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// Request is a tool call forwarded to an agent
type Request struct {
	ToolName  string
	Arguments map[string]interface{}
}

// Backend talks to one kind of agent
type Backend interface {
	Invoke(ctx context.Context, agent *models.Agent, req Request) (*protocol.CallToolResult, error)
}

// Service picks the backend matching the agent type
type Service struct {
	backends map[models.AgentType]Backend
}

// NewService wires the generic and OpenAI backends
func NewService(sender dispatch.Sender, cfg config.AgentConfig) *Service {
	return &Service{backends: map[models.AgentType]Backend{
		models.AgentTypeGeneric: NewGenericBackend(sender),
		models.AgentTypeOpenAI:  NewOpenAIBackend(cfg),
	}}
}

// Invoke implements Backend by delegating to the backend of agent.AgentType
func (s *Service) Invoke(ctx context.Context, agent *models.Agent, req Request) (*protocol.CallToolResult, error) {
	if agent == nil || !agent.Enabled {
		return nil, gwerrors.New(gwerrors.KindNotFound, "agent backend is not available")
	}
	backend, ok := s.backends[agent.AgentType]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindValidation, "unsupported agent type %q", agent.AgentType)
	}
	return backend.Invoke(ctx, agent, req)
}

// queryText picks the natural language input of a call: the first of query, message or prompt,
// otherwise the JSON encoded arguments
func queryText(args map[string]interface{}) string {
	for _, key := range []string{"query", "message", "prompt"} {
		if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}
