package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/handlers"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// SetupRoutes adds all routes that the server should listen to
func (s *Server) SetupRoutes(deps handlers.Dependencies) {
	ch := handlers.NewChecksHandler(deps.Store)

	s.mux.Mount("/checks", ch.Routes())
	s.mux.Mount("/metrics", promhttp.Handler())

	s.mux.Group(func(r chi.Router) {
		r.Use(RequestLogger())
		handlers.RegisterRoutes(r, deps, s.Bounded()...)
	})

	// Displays all API paths in when debug enabled
	walkFunc := func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		route = strings.Replace(route, "/*/", "/", -1)
		logging.LogDebugf("%s %s", method, route)
		return nil
	}
	if err := chi.Walk(s.mux, walkFunc); err != nil {
		logging.LogErrorf(err, "logging error")
	}
}
