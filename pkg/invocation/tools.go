package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/agents"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// pathParam matches {name} placeholders in REST tool URLs
var pathParam = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// InvokeTool resolves, validates, intercepts and dispatches a tool call.
// Resolution, validation and pre hooks complete before any network call is made.
// Once the tool is resolved a metric is recorded for every outcome.
func (s *Service) InvokeTool(ctx context.Context, name string, arguments map[string]interface{}, principal *auth.Principal, rc RequestContext) (result *protocol.CallToolResult, err error) {
	start := time.Now()
	tool, err := s.store.FindActiveTool(ctx, name, rc.ServerID)
	if err != nil {
		metrics.Invocations.WithLabelValues("tool", "not_found").Inc()
		return nil, err
	}

	defer func() {
		elapsed := time.Since(start)
		outcome := outcomeOf(ctx, err)
		errText := ""
		if err != nil {
			errText = gwerrors.Public(err).Error()
		} else if result != nil && result.IsError {
			outcome = models.OutcomeFailure
			errText = result.Text()
		}
		metrics.Invocations.WithLabelValues("tool", string(outcome)).Inc()
		metrics.InvocationDuration.WithLabelValues("tool").Observe(elapsed.Seconds())
		s.recordMetric(ctx, tool, elapsed, outcome, errText)
		s.sink.Publish(events.New(events.ToolInvoked, map[string]interface{}{
			"toolId":     tool.ID.String(),
			"tool":       tool.Name,
			"principal":  subjectOf(principal),
			"serverId":   rc.serverID(),
			"outcome":    string(outcome),
			"durationMs": elapsed.Milliseconds(),
		}))
	}()

	if err = s.validateArguments(tool, arguments); err != nil {
		return nil, err
	}

	snap := s.hooks.Snapshot()
	defer snap.Release()
	gctx := hooks.NewGlobalContext(rc.requestID(), subjectOf(principal), rc.serverID())
	tags := models.Tags(tool.Tags)

	pre, err := snap.RunChain(ctx, hooks.ToolPreInvoke, &hooks.Payload{
		Name:      tool.Name,
		Arguments: arguments,
		Tags:      tags,
		Principal: subjectOf(principal),
	}, gctx)
	if err != nil {
		return nil, boundaryError(ctx, err, "tool "+tool.Name)
	}

	result, err = s.dispatchTool(ctx, tool, pre.Arguments)
	if err != nil {
		return nil, boundaryError(ctx, err, "tool "+tool.Name)
	}

	post, err := snap.RunChain(ctx, hooks.ToolPostInvoke, &hooks.Payload{
		Name:      tool.Name,
		Arguments: pre.Arguments,
		Result:    result,
		Tags:      tags,
		Principal: subjectOf(principal),
	}, gctx)
	if err != nil {
		return nil, boundaryError(ctx, err, "tool "+tool.Name)
	}
	if rewritten, ok := post.Result.(*protocol.CallToolResult); ok && rewritten != nil {
		result = rewritten
	}
	return result, nil
}

// recordMetric stores the tool metric. Failures are logged and never reach the caller.
func (s *Service) recordMetric(ctx context.Context, tool *models.Tool, elapsed time.Duration, outcome models.Outcome, errText string) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogErrorf(nil, "recording metric for tool %s panicked: %v", tool.Name, r)
		}
	}()
	metric := &models.ToolMetric{
		ToolID:       tool.ID,
		Timestamp:    time.Now().UTC(),
		ResponseTime: elapsed.Seconds(),
		IsSuccess:    outcome == models.OutcomeSuccess,
		Outcome:      outcome,
		ErrorMessage: errText,
	}
	// the metric outlives a cancelled caller
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.RecordToolMetric(recordCtx, metric); err != nil {
		logging.LogErrorf(err, "failed recording metric for tool %s", tool.Name)
	}
}

func (s *Service) dispatchTool(ctx context.Context, tool *models.Tool, args map[string]interface{}) (*protocol.CallToolResult, error) {
	switch tool.IntegrationType {
	case models.IntegrationREST:
		return s.invokeREST(ctx, tool, args)
	case models.IntegrationMCP:
		gw, err := s.gatewayOf(ctx, tool.GatewayID)
		if err != nil {
			return nil, err
		}
		// federated calls go through the owning peer under the name it knows the tool by
		result, err := s.peers.CallTool(ctx, gw, tool.RemoteName(), args)
		if err != nil {
			return nil, boundaryError(ctx, err, "gateway "+gw.Name)
		}
		return result, nil
	case models.IntegrationA2A:
		if tool.AgentID == nil {
			return nil, gwerrors.New(gwerrors.KindInternal, "tool %s has no agent", tool.Name)
		}
		agent, err := s.store.FindActiveAgent(ctx, *tool.AgentID)
		if err != nil {
			return nil, err
		}
		return s.agents.Invoke(ctx, agent, agents.Request{ToolName: tool.Name, Arguments: args})
	}
	return nil, gwerrors.New(gwerrors.KindInternal, "tool %s has unsupported integration type %q", tool.Name, tool.IntegrationType)
}

// invokeREST calls the tool's URL. Path placeholders are filled from the arguments and
// removed from them. The remaining arguments become the query string of GET and DELETE
// requests and the JSON body of all others.
func (s *Service) invokeREST(ctx context.Context, tool *models.Tool, args map[string]interface{}) (*protocol.CallToolResult, error) {
	method := strings.ToUpper(tool.RequestType)
	if method == "" {
		method = http.MethodGet
	}
	target, rest, err := expandURL(tool.URL, args)
	if err != nil {
		return nil, err
	}

	header, err := auth.OutboundHeaders(tool.AuthType, tool.AuthValue)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.KindInternal, "credentials of tool %s could not be resolved", tool.Name)
	}
	for k, v := range tool.HeaderMap() {
		if header.Get(k) == "" {
			header.Set(k, v)
		}
	}

	req := &dispatch.Request{Method: method, URL: target, Header: header}
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(rest) > 0 {
			u, err := url.Parse(target)
			if err != nil {
				return nil, gwerrors.Wrap(err, gwerrors.KindInternal, "tool %s has an invalid url", tool.Name)
			}
			q := u.Query()
			for k, v := range rest {
				addQuery(q, k, v)
			}
			u.RawQuery = q.Encode()
			req.URL = u.String()
		}
	default:
		body, err := json.Marshal(rest)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.sender.Send(ctx, req)
	if err != nil {
		return nil, dispatch.GatewayError(err, "tool "+tool.Name)
	}
	return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent(string(resp.Body))}}, nil
}

// expandURL fills {name} placeholders and returns the arguments that were not used.
// Every missing placeholder is reported.
func expandURL(raw string, args map[string]interface{}) (string, map[string]interface{}, error) {
	rest := make(map[string]interface{}, len(args))
	for k, v := range args {
		rest[k] = v
	}
	var missing []gwerrors.FieldError
	out := pathParam.ReplaceAllStringFunc(raw, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := rest[name]
		if !ok || v == nil {
			missing = append(missing, gwerrors.FieldError{Field: name, Message: "is required by the tool url"})
			return m
		}
		delete(rest, name)
		return url.PathEscape(fmt.Sprint(v))
	})
	if len(missing) > 0 {
		return "", nil, gwerrors.Validation("missing url parameters", missing)
	}
	return out, rest, nil
}

func addQuery(q url.Values, key string, v interface{}) {
	switch typed := v.(type) {
	case nil:
	case []interface{}:
		for _, item := range typed {
			q.Add(key, fmt.Sprint(item))
		}
	case map[string]interface{}:
		data, _ := json.Marshal(typed)
		q.Add(key, string(data))
	default:
		q.Add(key, fmt.Sprint(typed))
	}
}
