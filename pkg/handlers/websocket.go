package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/invocation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// NotificationEvent is the method of gateway events pushed to websocket clients
const NotificationEvent = "notifications/gateway/event"

const wsWriteTimeout = 10 * time.Second

// WebSocketHandler serves JSON-RPC over a websocket and streams gateway events to the client
type WebSocketHandler struct {
	rpc      *RPCHandler
	hub      *events.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the websocket handler. hub may be nil to disable event streaming.
func NewWebSocketHandler(rpc *RPCHandler, hub *events.Hub, allowedOrigins []string) *WebSocketHandler {
	origins := map[string]bool{}
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketHandler{
		rpc: rpc,
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin]
			},
		},
	}
}

// Routes returns the websocket routes
func (h *WebSocketHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Stream)
	return r
}

// wsConn serialises writes of the reader loop and the event pump
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// Stream upgrades the connection and answers JSON-RPC messages until the client disconnects
func (h *WebSocketHandler) Stream(w http.ResponseWriter, r *http.Request) {
	serverID, err := serverScope(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogErrorf(err, "failed to upgrade to websocket")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	ws := &wsConn{conn: conn}
	principal := auth.PrincipalFrom(r.Context())
	ctx := r.Context()
	logging.LogDebugf("websocket connected: principal=%s", principal.Subject)

	if h.hub != nil {
		stream, detach := h.hub.Listen()
		defer detach()
		go func() {
			for e := range stream {
				if err := ws.write(eventNotification(e)); err != nil {
					return
				}
			}
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.LogDebugf("websocket closed by client")
			} else {
				logging.LogDebugf("websocket read failed: %v", err)
			}
			return
		}
		var req protocol.JSONRPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if werr := ws.write(protocol.NewError(nil, protocol.ParseError, "parse error", nil)); werr != nil {
				return
			}
			continue
		}
		rc := invocation.RequestContext{ServerID: serverID}
		resp := h.rpc.Handle(ctx, &req, principal, rc)
		if resp == nil {
			continue
		}
		if err := ws.write(resp); err != nil {
			logging.LogDebugf("websocket write failed: %v", err)
			return
		}
	}
}

func eventNotification(e events.Event) *protocol.JSONRPCNotification {
	params, _ := json.Marshal(e)
	return &protocol.JSONRPCNotification{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  NotificationEvent,
		Params:  params,
	}
}
