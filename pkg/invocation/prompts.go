package invocation

import (
	"context"
	"fmt"
	"time"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// GetPrompt resolves a prompt by name and renders it with the given arguments.
// Local templates are rendered here, federated prompts are fetched from the owning peer.
func (s *Service) GetPrompt(ctx context.Context, name string, arguments map[string]string, principal *auth.Principal, rc RequestContext) (result *protocol.GetPromptResult, err error) {
	start := time.Now()
	prompt, err := s.store.FindActivePrompt(ctx, name, rc.ServerID)
	if err != nil {
		metrics.Invocations.WithLabelValues("prompt", "not_found").Inc()
		return nil, err
	}
	defer func() {
		outcome := outcomeOf(ctx, err)
		metrics.Invocations.WithLabelValues("prompt", string(outcome)).Inc()
		metrics.InvocationDuration.WithLabelValues("prompt").Observe(time.Since(start).Seconds())
		s.sink.Publish(events.New(events.PromptRendered, map[string]interface{}{
			"promptId":  prompt.ID.String(),
			"prompt":    prompt.Name,
			"principal": subjectOf(principal),
			"serverId":  rc.serverID(),
			"outcome":   string(outcome),
		}))
	}()

	snap := s.hooks.Snapshot()
	defer snap.Release()
	gctx := hooks.NewGlobalContext(rc.requestID(), subjectOf(principal), rc.serverID())
	tags := models.Tags(prompt.Tags)

	pre, err := snap.RunChain(ctx, hooks.PromptPreFetch, &hooks.Payload{
		Name:      prompt.Name,
		Arguments: toInterfaceMap(arguments),
		Tags:      tags,
		Principal: subjectOf(principal),
	}, gctx)
	if err != nil {
		return nil, boundaryError(ctx, err, "prompt "+prompt.Name)
	}
	args := toStringMap(pre.Arguments)

	result, err = s.renderOrFetch(ctx, prompt, args)
	if err != nil {
		return nil, boundaryError(ctx, err, "prompt "+prompt.Name)
	}

	post, err := snap.RunChain(ctx, hooks.PromptPostFetch, &hooks.Payload{
		Name:      prompt.Name,
		Arguments: pre.Arguments,
		Result:    result,
		Tags:      tags,
		Principal: subjectOf(principal),
	}, gctx)
	if err != nil {
		return nil, boundaryError(ctx, err, "prompt "+prompt.Name)
	}
	if rewritten, ok := post.Result.(*protocol.GetPromptResult); ok && rewritten != nil {
		result = rewritten
	}
	return result, nil
}

func (s *Service) renderOrFetch(ctx context.Context, prompt *models.Prompt, args map[string]string) (*protocol.GetPromptResult, error) {
	if prompt.IsFederated() {
		gw, err := s.gatewayOf(ctx, prompt.GatewayID)
		if err != nil {
			return nil, err
		}
		result, err := s.peers.GetPrompt(ctx, gw, prompt.RemoteName(), args)
		if err != nil {
			return nil, boundaryError(ctx, err, "gateway "+gw.Name)
		}
		return result, nil
	}

	if err := validatePromptArguments(prompt, args); err != nil {
		return nil, err
	}
	tpl, err := s.promptTemplate(prompt)
	if err != nil {
		return nil, err
	}
	text, err := renderPrompt(tpl, args)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.KindValidation, "prompt %s could not be rendered", prompt.Name)
	}
	return &protocol.GetPromptResult{
		Description: prompt.Description,
		Messages:    []protocol.PromptMessage{{Role: "user", Content: protocol.TextContent(text)}},
	}, nil
}

func toInterfaceMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toStringMap(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case nil:
		case string:
			out[k] = typed
		default:
			out[k] = fmt.Sprint(typed)
		}
	}
	return out
}
