// Package hooks runs configurable interceptor chains around tool, resource and prompt calls.
//
// Hooks are loaded from a YAML file into an immutable registry. The registry is swapped
// atomically on reload, so a chain always runs against the snapshot it started with.
package hooks

import (
	"strings"
	"sync"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
)

// HookPoint names a position in a pipeline where hooks run
type HookPoint string

const (
	ToolPreInvoke     HookPoint = "tool_pre_invoke"
	ToolPostInvoke    HookPoint = "tool_post_invoke"
	ResourcePreFetch  HookPoint = "resource_pre_fetch"
	ResourcePostFetch HookPoint = "resource_post_fetch"
	PromptPreFetch    HookPoint = "prompt_pre_fetch"
	PromptPostFetch   HookPoint = "prompt_post_fetch"
	PeerRegistered    HookPoint = "federation_peer_registered"
	PeerDeregistered  HookPoint = "federation_peer_deregistered"
)

// AllHookPoints lists every known hook point
var AllHookPoints = []HookPoint{
	ToolPreInvoke, ToolPostInvoke,
	ResourcePreFetch, ResourcePostFetch,
	PromptPreFetch, PromptPostFetch,
	PeerRegistered, PeerDeregistered,
}

// Valid reports whether p is a known hook point
func (p HookPoint) Valid() bool {
	for _, known := range AllHookPoints {
		if p == known {
			return true
		}
	}
	return false
}

// Mode controls how a hook's block decision is applied
type Mode string

const (
	ModeEnforce    Mode = "enforce"
	ModePermissive Mode = "permissive"
	ModeDisabled   Mode = "disabled"
)

// Payload is the subject of a hook chain. Hooks never mutate the payload they receive,
// they return a modified copy instead.
type Payload struct {
	// Name is the tool, prompt or peer name
	Name string `json:"name,omitempty"`
	// URI is set for resource hook points
	URI       string                 `json:"uri,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	// Result is set on post hook points. It holds a *protocol.CallToolResult,
	// *protocol.ReadResourceResult or *protocol.GetPromptResult.
	Result    interface{} `json:"result,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	Principal string      `json:"principal,omitempty"`
}

// Clone returns a copy of the payload with its own argument map
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	out := *p
	if p.Arguments != nil {
		out.Arguments = cloneMap(p.Arguments)
	}
	if p.Tags != nil {
		out.Tags = append([]string{}, p.Tags...)
	}
	return &out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		return cloneMap(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Result is what a single hook returns. A nil result continues the chain unchanged.
type Result struct {
	// Modified replaces the payload for the following hooks and the caller
	Modified *Payload
	// Violation blocks the chain in enforce mode
	Violation *gwerrors.Violation
	Metadata  map[string]interface{}
}

// Continue lets the chain proceed unchanged
func Continue() *Result {
	return nil
}

// Modify lets the chain proceed with a rewritten payload
func Modify(p *Payload) *Result {
	return &Result{Modified: p}
}

// Block stops the chain with a violation
func Block(code, reason, description string, details map[string]interface{}) *Result {
	return &Result{Violation: &gwerrors.Violation{
		Code:        code,
		Reason:      reason,
		Description: description,
		Details:     details,
	}}
}

// State is a scratch space shared by the hook calls of one invocation
type State struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func newState() *State {
	return &State{values: map[string]interface{}{}}
}

// Get returns a stored value
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value
func (s *State) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// GlobalContext is created per invocation and discarded when it ends.
// It is shared by the pre and post chains of that invocation.
type GlobalContext struct {
	RequestID string
	Principal string
	ServerID  string
	// State is visible to every hook of the invocation
	State *State

	mu    sync.Mutex
	local map[string]*State
}

// NewGlobalContext creates the context of one invocation
func NewGlobalContext(requestID, principal, serverID string) *GlobalContext {
	return &GlobalContext{
		RequestID: requestID,
		Principal: principal,
		ServerID:  serverID,
		State:     newState(),
		local:     map[string]*State{},
	}
}

// hookState returns the private state of the named hook, created on first use
func (g *GlobalContext) hookState(name string) *State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.local[name]
	if !ok {
		s = newState()
		g.local[name] = s
	}
	return s
}

// Context is handed to a single hook call
type Context struct {
	Global *GlobalContext
	// State persists between the pre and post calls of the same hook in one invocation
	State  *State
	Name   string
	Config map[string]interface{}
}

func hasAnyTag(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
