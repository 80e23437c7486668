package agents

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

const agentProtocolVersion = "1.0"

// GenericBackend posts calls to agents that accept the gateway's query envelope
type GenericBackend struct {
	sender dispatch.Sender
}

type genericRequest struct {
	InteractionType string                 `json:"interaction_type"`
	Tool            string                 `json:"tool,omitempty"`
	Parameters      map[string]interface{} `json:"parameters"`
	ProtocolVersion string                 `json:"protocol_version"`
}

// NewGenericBackend creates a backend sending through the dispatcher
func NewGenericBackend(sender dispatch.Sender) *GenericBackend {
	return &GenericBackend{sender: sender}
}

// Invoke implements Backend
func (b *GenericBackend) Invoke(ctx context.Context, agent *models.Agent, req Request) (*protocol.CallToolResult, error) {
	header, err := auth.OutboundHeaders(agent.AuthType, agent.AuthValue)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.KindInternal, "agent %s credentials could not be resolved", agent.Name)
	}
	header.Set("Content-Type", "application/json")

	params := req.Arguments
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(genericRequest{
		InteractionType: "query",
		Tool:            req.ToolName,
		Parameters:      params,
		ProtocolVersion: agentProtocolVersion,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding agent request")
	}

	resp, err := b.sender.Send(ctx, &dispatch.Request{
		Method: http.MethodPost,
		URL:    agent.EndpointURL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, dispatch.GatewayError(err, "agent "+agent.Name)
	}
	return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent(agentText(resp.Body))}}, nil
}

// agentText extracts the answer of an agent. JSON bodies with a response, output or result
// string are unwrapped, everything else is returned verbatim.
func agentText(body []byte) string {
	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err == nil {
		for _, key := range []string{"response", "output", "result"} {
			if s, ok := envelope[key].(string); ok {
				return s
			}
		}
	}
	return string(body)
}
