package handlers

import (
	"net/http"

	"github.com/go-chi/chi"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/federation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/invocation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/servers"
	"github.com/d4l-data4life/go-svc/pkg/middlewares"
)

// Dependencies are the services behind the HTTP API
type Dependencies struct {
	Store         *catalog.Store
	Invoker       *invocation.Service
	Federation    *federation.Service
	Servers       *servers.Service
	Hooks         *hooks.Manager
	Hub           *events.Hub
	Sink          events.Sink
	Authenticator auth.Authenticator
	// ServiceSecret enables the internal admin routes when set
	ServiceSecret  string
	AllowedOrigins []string
}

// RegisterRoutes registers all API routes. bounded is applied to every request-response route,
// the websocket stream is exempt.
func RegisterRoutes(r chi.Router, deps Dependencies, bounded ...func(http.Handler) http.Handler) {
	if deps.Sink == nil {
		deps.Sink = events.NopSink{}
	}
	rpc := NewRPCHandler(deps.Store, deps.Invoker)
	ws := NewWebSocketHandler(rpc, deps.Hub, deps.AllowedOrigins)
	admin := adminRouter(deps)

	// External routes (ingress routes)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(deps.Authenticator))

		r.Mount("/ws", ws.Routes())
		r.Mount("/servers/{serverId}/ws", ws.Routes())

		r.Group(func(r chi.Router) {
			r.Use(bounded...)
			r.Mount("/rpc", rpc.Routes())
			r.Mount("/servers/{serverId}/rpc", rpc.Routes())
			r.Mount(config.AdminPrefix, admin)
		})
	})

	// Internal routes (service-to-service)
	if deps.ServiceSecret == "" {
		return
	}
	serviceAuth := middlewares.NewServiceSecretAuthenticator(deps.ServiceSecret, NewServiceAuthLogger())
	r.Route(config.InternalPrefix, func(r chi.Router) {
		r.Use(serviceAuth.Authenticate())
		r.Use(bounded...)
		r.Mount(config.AdminPrefix, admin)
	})
}

func adminRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()
	r.Mount("/tools", NewToolsHandler(deps.Store, deps.Sink).Routes())
	r.Mount("/resources", NewResourcesHandler(deps.Store, deps.Sink))
	r.Mount("/prompts", NewPromptsHandler(deps.Store, deps.Sink))
	r.Mount("/agents", NewAgentsHandler(deps.Store, deps.Sink))
	r.Mount("/servers", NewServersHandler(deps.Servers).Routes())
	r.Mount("/gateways", NewGatewaysHandler(deps.Federation).Routes())
	r.Mount("/hooks", NewHooksHandler(deps.Hooks).Routes())
	return r
}
