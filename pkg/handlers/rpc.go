package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/invocation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// RPCHandler serves the gateway's capabilities over JSON-RPC
type RPCHandler struct {
	store   *catalog.Store
	invoker *invocation.Service
}

// NewRPCHandler creates the JSON-RPC handler
func NewRPCHandler(store *catalog.Store, invoker *invocation.Service) *RPCHandler {
	return &RPCHandler{store: store, invoker: invoker}
}

// Routes returns the JSON-RPC routes. Mounted under /servers/{serverId} the calls are scoped
// to the members of that virtual server.
func (h *RPCHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.ServeRPC)
	return r
}

// ServeRPC handles a single request or a batch
func (h *RPCHandler) ServeRPC(w http.ResponseWriter, r *http.Request) {
	serverID, err := serverScope(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		render.JSON(w, r, protocol.NewError(nil, protocol.ParseError, "failed to read request", nil))
		return
	}
	principal := auth.PrincipalFrom(r.Context())
	rc := invocation.RequestContext{RequestID: r.Header.Get("X-Request-Id"), ServerID: serverID}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []protocol.JSONRPCRequest
		if err := json.Unmarshal(trimmed, &batch); err != nil || len(batch) == 0 {
			render.JSON(w, r, protocol.NewError(nil, protocol.InvalidRequest, "invalid batch", nil))
			return
		}
		responses := make([]*protocol.JSONRPCResponse, 0, len(batch))
		for i := range batch {
			if resp := h.Handle(r.Context(), &batch[i], principal, rc); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		render.JSON(w, r, responses)
		return
	}

	var req protocol.JSONRPCRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		render.JSON(w, r, protocol.NewError(nil, protocol.ParseError, "parse error", nil))
		return
	}
	resp := h.Handle(r.Context(), &req, principal, rc)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	render.JSON(w, r, resp)
}

// serverScope returns the virtual server id of a scoped route
func serverScope(r *http.Request) (*uuid.UUID, error) {
	if chi.URLParam(r, "serverId") == "" {
		return nil, nil
	}
	id, err := idParam(r, "serverId")
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Handle executes one request. Notifications yield a nil response.
func (h *RPCHandler) Handle(ctx context.Context, req *protocol.JSONRPCRequest, principal *auth.Principal, rc invocation.RequestContext) *protocol.JSONRPCResponse {
	if req.JSONRPC != protocol.JSONRPCVersion || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return protocol.NewError(req.ID, protocol.InvalidRequest, "invalid request", nil)
	}
	result, err := h.call(ctx, req, principal, rc)
	if req.IsNotification() {
		if err != nil {
			logging.LogDebugf("notification %s failed: %v", req.Method, err)
		}
		return nil
	}
	if err != nil {
		return rpcError(req.ID, err)
	}
	return protocol.NewResult(req.ID, result)
}

func (h *RPCHandler) call(ctx context.Context, req *protocol.JSONRPCRequest, principal *auth.Principal, rc invocation.RequestContext) (interface{}, error) {
	switch req.Method {
	case protocol.MethodInitialize:
		return h.initialize(ctx, rc)
	case protocol.MethodPing:
		return struct{}{}, nil
	case protocol.NotificationInitialized:
		return struct{}{}, nil
	case protocol.MethodListTools:
		return h.listTools(ctx, rc)
	case protocol.MethodCallTool:
		var params protocol.CallToolRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return h.invoker.InvokeTool(ctx, params.Name, params.Arguments, principal, rc)
	case protocol.MethodListResources:
		return h.listResources(ctx, rc)
	case protocol.MethodReadResource:
		var params protocol.ReadResourceRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return h.invoker.ReadResource(ctx, params.URI, principal, rc)
	case protocol.MethodListPrompts:
		return h.listPrompts(ctx, rc)
	case protocol.MethodGetPrompt:
		var params protocol.GetPromptRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return h.invoker.GetPrompt(ctx, params.Name, params.Arguments, principal, rc)
	}
	return nil, gwerrors.New(gwerrors.KindNotFound, "method not found: %s", req.Method)
}

func decodeParams(req *protocol.JSONRPCRequest, v interface{}) error {
	if len(req.Params) == 0 {
		return gwerrors.Validation("params are required", nil)
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return gwerrors.Wrap(err, gwerrors.KindValidation, "invalid params: %v", err)
	}
	return nil
}

// checkScope rejects calls through an unknown or inactive virtual server
func (h *RPCHandler) checkScope(ctx context.Context, rc invocation.RequestContext) error {
	if rc.ServerID == nil {
		return nil
	}
	server, err := h.store.GetServer(ctx, *rc.ServerID)
	if err != nil {
		return err
	}
	if !server.Enabled {
		return gwerrors.NotFound("server", server.Name)
	}
	return nil
}

func (h *RPCHandler) initialize(ctx context.Context, rc invocation.RequestContext) (*protocol.InitializeResult, error) {
	if err := h.checkScope(ctx, rc); err != nil {
		return nil, err
	}
	version := config.Version
	if version == "" {
		version = "dev"
	}
	return &protocol.InitializeResult{
		ProtocolVersion: protocol.MCPProtocolVersion,
		ServerInfo:      protocol.Implementation{Name: config.Name, Version: version},
		Capabilities: protocol.ServerCapabilities{
			Tools:     &protocol.ListChangedCapability{ListChanged: true},
			Resources: &protocol.ListChangedCapability{ListChanged: true},
			Prompts:   &protocol.ListChangedCapability{ListChanged: true},
		},
	}, nil
}

func (h *RPCHandler) listTools(ctx context.Context, rc invocation.RequestContext) (*protocol.ListToolsResult, error) {
	if err := h.checkScope(ctx, rc); err != nil {
		return nil, err
	}
	tools, err := h.store.ListTools(ctx, catalog.ListOptions{ServerID: rc.ServerID})
	if err != nil {
		return nil, err
	}
	out := &protocol.ListToolsResult{Tools: make([]protocol.Tool, 0, len(tools))}
	for _, t := range tools {
		out.Tools = append(out.Tools, toolInfo(t))
	}
	return out, nil
}

func toolInfo(t models.Tool) protocol.Tool {
	schema, err := t.SchemaMap()
	if err != nil || schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	return protocol.Tool{Name: t.Name, Description: t.Description, InputSchema: schema}
}

func (h *RPCHandler) listResources(ctx context.Context, rc invocation.RequestContext) (*protocol.ListResourcesResult, error) {
	if err := h.checkScope(ctx, rc); err != nil {
		return nil, err
	}
	resources, err := h.store.ListResources(ctx, catalog.ListOptions{ServerID: rc.ServerID})
	if err != nil {
		return nil, err
	}
	out := &protocol.ListResourcesResult{Resources: make([]protocol.Resource, 0, len(resources))}
	for _, res := range resources {
		out.Resources = append(out.Resources, protocol.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		})
	}
	return out, nil
}

func (h *RPCHandler) listPrompts(ctx context.Context, rc invocation.RequestContext) (*protocol.ListPromptsResult, error) {
	if err := h.checkScope(ctx, rc); err != nil {
		return nil, err
	}
	prompts, err := h.store.ListPrompts(ctx, catalog.ListOptions{ServerID: rc.ServerID})
	if err != nil {
		return nil, err
	}
	out := &protocol.ListPromptsResult{Prompts: make([]protocol.Prompt, 0, len(prompts))}
	for _, p := range prompts {
		args := p.ArgumentList()
		info := protocol.Prompt{Name: p.Name, Description: p.Description, Arguments: make([]protocol.PromptArgument, 0, len(args))}
		for _, a := range args {
			info.Arguments = append(info.Arguments, protocol.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		out.Prompts = append(out.Prompts, info)
	}
	return out, nil
}
