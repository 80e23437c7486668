package transport

import (
	"context"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
)

// Transport defines the interface for MCP transport mechanisms
type Transport interface {
	// Send sends a JSON-RPC request and waits for a response
	Send(ctx context.Context, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error)

	// SendNotification sends a JSON-RPC notification (no response expected)
	SendNotification(ctx context.Context, notification *protocol.JSONRPCNotification) error

	// Close closes the transport connection
	Close() error
}

// TransportType defines the type of transport
type TransportType string

const (
	TransportTypeHTTP TransportType = "http"
)
