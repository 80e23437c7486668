package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// SessionHeader carries the MCP session id of streamable HTTP servers
const SessionHeader = "Mcp-Session-Id"

// ErrClosed is returned when sending on a closed transport
var ErrClosed = errors.New("transport closed")

// HTTPTransport sends JSON-RPC messages to a peer over HTTP using the dispatcher.
// Responses may be plain JSON or a text/event-stream body.
type HTTPTransport struct {
	url     string
	headers http.Header
	sender  dispatch.Sender

	mu        sync.Mutex
	closed    bool
	sessionID string
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(url string, headers http.Header, sender dispatch.Sender) *HTTPTransport {
	if headers == nil {
		headers = http.Header{}
	}
	logging.LogDebugf("Created HTTP transport: %s", url)
	return &HTTPTransport{url: url, headers: headers, sender: sender}
}

func (t *HTTPTransport) newRequest(payload []byte) (*dispatch.Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	header := t.headers.Clone()
	header.Set("Content-Type", "application/json")
	// Per MCP HTTP spec, client must Accept both JSON responses and SSE
	header.Set("Accept", "application/json, text/event-stream")
	if t.sessionID != "" {
		header.Set(SessionHeader, t.sessionID)
	}
	return &dispatch.Request{Method: http.MethodPost, URL: t.url, Header: header, Body: payload}, nil
}

// Send sends a JSON-RPC request and waits for a response.
// A JSON-RPC error in the response is returned as *protocol.JSONRPCError.
func (t *HTTPTransport) Send(ctx context.Context, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	req, err := t.newRequest(data)
	if err != nil {
		return nil, err
	}

	logging.LogDebugf("Sending MCP request %s to %s", request.Method, t.url)
	resp, err := t.sender.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if request.Method == protocol.MethodInitialize {
		if sid := resp.Header.Get(SessionHeader); sid != "" {
			t.mu.Lock()
			t.sessionID = sid
			t.mu.Unlock()
		}
	}

	var response *protocol.JSONRPCResponse
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		response, err = parseSSEJSONRPCResponse(string(resp.Body), request.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse SSE JSON-RPC response")
		}
	} else {
		response = &protocol.JSONRPCResponse{}
		if err := json.Unmarshal(resp.Body, response); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal response")
		}
	}

	if response.Error != nil {
		return nil, response.Error
	}
	return response, nil
}

// SendNotification sends a JSON-RPC notification (no response expected)
func (t *HTTPTransport) SendNotification(ctx context.Context, notification *protocol.JSONRPCNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}
	req, err := t.newRequest(data)
	if err != nil {
		return err
	}
	if _, err := t.sender.Send(ctx, req); err != nil {
		return errors.Wrapf(err, "failed to send notification %s", notification.Method)
	}
	return nil
}

// SessionID returns the session id negotiated during initialize, if any
func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Close closes the transport
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.sessionID = ""
	return nil
}

// parseSSEJSONRPCResponse extracts the JSON-RPC response from an SSE-formatted payload.
// It scans for data: lines within SSE events and returns the first JSON object
// that parses into a JSONRPCResponse matching the given request ID (if provided).
func parseSSEJSONRPCResponse(payload string, requestID interface{}) (*protocol.JSONRPCResponse, error) {
	scanner := bufio.NewScanner(strings.NewReader(payload))
	scanner.Buffer(make([]byte, 64*1024), 10<<20)
	var eventData strings.Builder

	flush := func() (*protocol.JSONRPCResponse, bool) {
		if eventData.Len() == 0 {
			return nil, false
		}
		candidate := eventData.String()
		eventData.Reset()
		var resp protocol.JSONRPCResponse
		if err := json.Unmarshal([]byte(candidate), &resp); err == nil {
			if requestID == nil || fmt.Sprint(resp.ID) == fmt.Sprint(requestID) {
				return &resp, true
			}
		}
		return nil, false
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if eventData.Len() > 0 {
				eventData.WriteString("\n")
			}
			eventData.WriteString(data)
		}
	}

	// stream may end without a blank line
	if resp, ok := flush(); ok {
		return resp, nil
	}

	return nil, errors.New("no JSON-RPC response found in SSE payload")
}
