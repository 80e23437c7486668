// Package invocation runs tool calls, resource reads and prompt renders through the gateway
// pipeline: catalog resolution, argument validation, pre hooks, dispatch, post hooks,
// metric recording and event emission.
package invocation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/agents"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// RequestContext carries transport level details of a call
type RequestContext struct {
	RequestID string
	// ServerID scopes resolution to the members of a virtual server
	ServerID *uuid.UUID
}

func (rc RequestContext) serverID() string {
	if rc.ServerID == nil {
		return ""
	}
	return rc.ServerID.String()
}

func (rc RequestContext) requestID() string {
	if rc.RequestID == "" {
		return uuid.NewString()
	}
	return rc.RequestID
}

// PeerCaller forwards calls to the peer gateway owning a federated entity
type PeerCaller interface {
	CallTool(ctx context.Context, gw *models.Gateway, name string, arguments map[string]interface{}) (*protocol.CallToolResult, error)
	ReadResource(ctx context.Context, gw *models.Gateway, uri string) (*protocol.ReadResourceResult, error)
	GetPrompt(ctx context.Context, gw *models.Gateway, name string, arguments map[string]string) (*protocol.GetPromptResult, error)
}

// AgentInvoker delegates A2A tool calls
type AgentInvoker interface {
	Invoke(ctx context.Context, agent *models.Agent, req agents.Request) (*protocol.CallToolResult, error)
}

// Service is the invocation pipeline
type Service struct {
	store  *catalog.Store
	sender dispatch.Sender
	peers  PeerCaller
	agents AgentInvoker
	hooks  *hooks.Manager
	sink   events.Sink

	// compiled schemas and templates keyed by entity id and update time
	compiled *cache.Cache
}

// NewService creates the pipeline. hookManager may be nil to run without hooks.
func NewService(store *catalog.Store, sender dispatch.Sender, peers PeerCaller, agentInvoker AgentInvoker, hookManager *hooks.Manager, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		store:    store,
		sender:   sender,
		peers:    peers,
		agents:   agentInvoker,
		hooks:    hookManager,
		sink:     sink,
		compiled: cache.New(30*time.Minute, 10*time.Minute),
	}
}

func subjectOf(p *auth.Principal) string {
	if p == nil {
		return auth.Anonymous.Subject
	}
	return p.Subject
}

// outcomeOf classifies the result of an invocation for metrics
func outcomeOf(ctx context.Context, err error) models.Outcome {
	switch {
	case err == nil:
		return models.OutcomeSuccess
	case gwerrors.IsKind(err, gwerrors.KindPolicyBlocked):
		return models.OutcomeBlocked
	case gwerrors.IsKind(err, gwerrors.KindCancelled), errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return models.OutcomeCancelled
	}
	return models.OutcomeFailure
}

// boundaryError converts chain and dispatch failures into gateway errors
func boundaryError(ctx context.Context, err error, target string) error {
	if err == nil {
		return nil
	}
	if _, ok := gwerrors.As(err); ok {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Wrapf(ctxErr, "%v", err)
	}
	var rpcErr *protocol.JSONRPCError
	if errors.As(err, &rpcErr) {
		return gwerrors.Wrap(err, gwerrors.KindDispatchUpstream, "%s returned error %d: %s", target, rpcErr.Code, rpcErr.Message)
	}
	return dispatch.GatewayError(err, target)
}

func (s *Service) gatewayOf(ctx context.Context, id *uuid.UUID) (*models.Gateway, error) {
	if id == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "entity has no owning gateway")
	}
	gw, err := s.store.GetGateway(ctx, *id)
	if err != nil {
		return nil, err
	}
	// rows of an inactive peer may have been re-enabled by hand, the peer itself decides
	if gw.State == models.GatewayStateDeregistered || gw.State == models.GatewayStateInactive || !gw.Enabled {
		return nil, gwerrors.New(gwerrors.KindNotFound, "gateway %s is not available", gw.Name)
	}
	return gw, nil
}
