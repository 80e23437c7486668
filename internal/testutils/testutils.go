package testutils

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"gorm.io/datatypes"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// FakePeer is an MCP server over HTTP used as a federated peer in tests
type FakePeer struct {
	Server *httptest.Server

	mu        sync.Mutex
	tools     []protocol.Tool
	resources []protocol.Resource
	prompts   []protocol.Prompt
	down      bool
	useSSE    bool
	authz     string
	calls     map[string]int
	lastArgs  map[string]interface{}
}

// NewFakePeer starts a peer advertising the given tools
func NewFakePeer(t *testing.T, tools ...protocol.Tool) *FakePeer {
	t.Helper()
	p := &FakePeer{tools: tools, calls: map[string]int{}}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Server.Close)
	return p
}

// URL returns the JSON-RPC endpoint of the peer
func (p *FakePeer) URL() string {
	return p.Server.URL + "/rpc"
}

// SetDown makes every request fail with 503 until reset
func (p *FakePeer) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

// SetTools replaces the advertised tools
func (p *FakePeer) SetTools(tools ...protocol.Tool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools = tools
}

// SetResources replaces the advertised resources
func (p *FakePeer) SetResources(resources ...protocol.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources = resources
}

// SetPrompts replaces the advertised prompts
func (p *FakePeer) SetPrompts(prompts ...protocol.Prompt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = prompts
}

// UseSSE answers with text/event-stream bodies
func (p *FakePeer) UseSSE(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.useSSE = enabled
}

// RequireAuthorization rejects requests without the given Authorization header
func (p *FakePeer) RequireAuthorization(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authz = value
}

// Calls returns how often a method was called
func (p *FakePeer) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// LastArguments returns the arguments of the most recent tools/call
func (p *FakePeer) LastArguments() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastArgs
}

func (p *FakePeer) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	down, useSSE, authz := p.down, p.useSSE, p.authz
	p.mu.Unlock()

	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if authz != "" && r.Header.Get("Authorization") != authz {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req protocol.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.calls[req.Method]++
	p.mu.Unlock()

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := p.dispatch(&req)
	data, _ := json.Marshal(resp)
	if req.Method == protocol.MethodInitialize {
		w.Header().Set("Mcp-Session-Id", "fake-session")
	}
	if useSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: "+string(data)+"\n\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (p *FakePeer) dispatch(req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.Method {
	case protocol.MethodInitialize:
		return protocol.NewResult(req.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.MCPProtocolVersion,
			ServerInfo:      protocol.Implementation{Name: "fake-peer", Version: "1.0.0"},
			Capabilities: protocol.ServerCapabilities{
				Tools:     &protocol.ListChangedCapability{},
				Resources: &protocol.ListChangedCapability{},
				Prompts:   &protocol.ListChangedCapability{},
			},
		})
	case protocol.MethodPing:
		return protocol.NewResult(req.ID, struct{}{})
	case protocol.MethodListTools:
		return protocol.NewResult(req.ID, protocol.ListToolsResult{Tools: append([]protocol.Tool{}, p.tools...)})
	case protocol.MethodListResources:
		return protocol.NewResult(req.ID, protocol.ListResourcesResult{Resources: append([]protocol.Resource{}, p.resources...)})
	case protocol.MethodListPrompts:
		return protocol.NewResult(req.ID, protocol.ListPromptsResult{Prompts: append([]protocol.Prompt{}, p.prompts...)})
	case protocol.MethodCallTool:
		var call protocol.CallToolRequest
		_ = json.Unmarshal(req.Params, &call)
		p.lastArgs = call.Arguments
		for _, tool := range p.tools {
			if tool.Name == call.Name {
				args, _ := json.Marshal(call.Arguments)
				return protocol.NewResult(req.ID, protocol.CallToolResult{
					Content: []protocol.Content{protocol.TextContent(call.Name + " called with " + string(args))},
				})
			}
		}
		return protocol.NewError(req.ID, protocol.MethodNotFound, "unknown tool "+call.Name, nil)
	case protocol.MethodReadResource:
		var read protocol.ReadResourceRequest
		_ = json.Unmarshal(req.Params, &read)
		return protocol.NewResult(req.ID, protocol.ReadResourceResult{
			Contents: []protocol.ResourceContents{{URI: read.URI, MimeType: "text/plain", Text: "content of " + read.URI}},
		})
	case protocol.MethodGetPrompt:
		var get protocol.GetPromptRequest
		_ = json.Unmarshal(req.Params, &get)
		return protocol.NewResult(req.ID, protocol.GetPromptResult{
			Messages: []protocol.PromptMessage{{Role: "user", Content: protocol.TextContent("prompt " + get.Name)}},
		})
	}
	return protocol.NewError(req.ID, protocol.MethodNotFound, "method not found: "+req.Method, nil)
}

// RecordingSink captures published events
type RecordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish implements events.Sink
func (s *RecordingSink) Publish(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns the captured events of the given types, all when none are given
func (s *RecordingSink) Events(types ...events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(types) == 0 {
		return append([]events.Event{}, s.events...)
	}
	var out []events.Event
	for _, e := range s.events {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
			}
		}
	}
	return out
}

// GetRequestPayload converts a given object into a reader of that object as json payload
func GetRequestPayload(payload interface{}) io.Reader {
	bytes, _ := json.Marshal(payload)
	return strings.NewReader(string(bytes))
}

// MustJSON marshals an object into a JSON column value
func MustJSON[T any](object T) datatypes.JSON {
	bytes, err := json.Marshal(object)
	if err != nil {
		logging.LogErrorf(err, "failed marshalling to JSON")
		return nil
	}
	return bytes
}

// Pointerfy returns a pointer to a copy of thing
func Pointerfy[T any](thing T) *T {
	return &thing
}
