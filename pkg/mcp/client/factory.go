package client

import (
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/transport"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// Factory creates MCP clients for peer gateways
type Factory struct {
	sender        dispatch.Sender
	clientName    string
	clientVersion string
}

// NewFactory creates a new client factory sending through the given dispatcher
func NewFactory(sender dispatch.Sender, clientName, clientVersion string) *Factory {
	return &Factory{
		sender:        sender,
		clientName:    clientName,
		clientVersion: clientVersion,
	}
}

// ForGateway creates an uninitialized client for a peer gateway
func (f *Factory) ForGateway(gw *models.Gateway) (*Client, error) {
	if gw.URL == "" {
		return nil, errors.New("gateway has no URL")
	}
	if gw.Transport != "" && gw.Transport != string(transport.TransportTypeHTTP) {
		return nil, errors.Errorf("unsupported transport type: %s", gw.Transport)
	}
	headers, err := auth.OutboundHeaders(gw.AuthType, gw.AuthValue)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build credentials for gateway %s", gw.Name)
	}
	trans := transport.NewHTTPTransport(gw.URL, headers, f.sender)
	return NewClient(trans, ClientConfig{ClientName: f.clientName, ClientVersion: f.clientVersion}), nil
}
