package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/transport"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// define error messages
var (
	ErrNotInitialized = errors.New("client not initialized")
)

// Client speaks MCP to a single peer
type Client struct {
	transport          transport.Transport
	config             ClientConfig
	serverInfo         *protocol.Implementation
	serverCapabilities *protocol.ServerCapabilities
	protocolVersion    string
	mu                 sync.RWMutex
	initialized        bool
	requestIDCounter   uint64
}

// ClientConfig holds configuration for creating a client
type ClientConfig struct {
	ClientName    string
	ClientVersion string
}

// NewClient creates a new MCP client with the given transport
func NewClient(trans transport.Transport, config ClientConfig) *Client {
	return &Client{transport: trans, config: config}
}

// call sends one request and decodes its result into out
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	request, err := protocol.NewRequest(c.nextRequestID(), method, params)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s request", method)
	}
	response, err := c.transport.Send(ctx, request)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", method)
	}
	if out == nil || len(response.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Result, out); err != nil {
		return errors.Wrapf(err, "failed to parse %s result", method)
	}
	return nil
}

func (c *Client) requireInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Initialize performs the MCP initialization handshake
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	initRequest := protocol.InitializeRequest{
		ProtocolVersion: protocol.MCPProtocolVersion,
		ClientInfo: protocol.Implementation{
			Name:    c.config.ClientName,
			Version: c.config.ClientVersion,
		},
	}

	var result protocol.InitializeResult
	if err := c.call(ctx, protocol.MethodInitialize, initRequest, &result); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.serverInfo = &result.ServerInfo
	c.serverCapabilities = &result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.initialized = true
	c.mu.Unlock()

	logging.LogDebugf("MCP client initialized: server=%s version=%s", result.ServerInfo.Name, result.ServerInfo.Version)

	notification := &protocol.JSONRPCNotification{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.NotificationInitialized,
	}
	if err := c.transport.SendNotification(ctx, notification); err != nil {
		logging.LogWarningf(err, "Failed to send initialized notification")
	}

	return &result, nil
}

// ListTools lists all tools of the peer, following pagination cursors
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	var tools []protocol.Tool
	var cursor *string
	for {
		var result protocol.ListToolsResult
		if err := c.call(ctx, protocol.MethodListTools, protocol.PaginationParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == nil || *result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool executes a tool with the given arguments
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*protocol.CallToolResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	var result protocol.CallToolResult
	if err := c.call(ctx, protocol.MethodCallTool, protocol.CallToolRequest{Name: name, Arguments: arguments}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources lists all resources of the peer, following pagination cursors
func (c *Client) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	var resources []protocol.Resource
	var cursor *string
	for {
		var result protocol.ListResourcesResult
		if err := c.call(ctx, protocol.MethodListResources, protocol.PaginationParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		resources = append(resources, result.Resources...)
		if result.NextCursor == nil || *result.NextCursor == "" {
			return resources, nil
		}
		cursor = result.NextCursor
	}
}

// ReadResource reads the contents of a resource
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	var result protocol.ReadResourceResult
	if err := c.call(ctx, protocol.MethodReadResource, protocol.ReadResourceRequest{URI: uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts lists all prompts of the peer, following pagination cursors
func (c *Client) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	var prompts []protocol.Prompt
	var cursor *string
	for {
		var result protocol.ListPromptsResult
		if err := c.call(ctx, protocol.MethodListPrompts, protocol.PaginationParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		prompts = append(prompts, result.Prompts...)
		if result.NextCursor == nil || *result.NextCursor == "" {
			return prompts, nil
		}
		cursor = result.NextCursor
	}
}

// GetPrompt retrieves a prompt with the given arguments
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*protocol.GetPromptResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	var result protocol.GetPromptResult
	if err := c.call(ctx, protocol.MethodGetPrompt, protocol.GetPromptRequest{Name: name, Arguments: arguments}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping sends a ping to check if the server is alive. It does not require initialization.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, protocol.MethodPing, nil, nil)
}

// Close closes the client and its transport
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.transport.Close()
}

// GetServerInfo returns information about the connected server
func (c *Client) GetServerInfo() *protocol.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// GetServerCapabilities returns the capabilities of the connected server
func (c *Client) GetServerCapabilities() *protocol.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// ProtocolVersion returns the protocol version negotiated during initialize
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

// nextRequestID generates a unique request ID
func (c *Client) nextRequestID() interface{} {
	return fmt.Sprintf("req_%d", atomic.AddUint64(&c.requestIDCounter, 1))
}
