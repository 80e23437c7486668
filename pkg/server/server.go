package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Server wraps a chi router (chi.Mux)
type Server struct {
	name string
	cors *cors.Cors
	mux  *chi.Mux

	maxParallelProcesses int
	timeout              time.Duration
}

func (s *Server) configMux() *chi.Mux {
	s.mux.Use(
		render.SetContentType(render.ContentTypeJSON), // Set content-Type headers as application/json
		s.cors.Handler, // Set Access-Control-Allow-Origin header
		middleware.RequestID,
		middleware.Recoverer, // Recover from panics without crashing server
		middleware.StripSlashes,
		middleware.RealIP,
	)
	return s.mux
}

// Bounded returns the middlewares for request-response routes. Long lived websocket
// streams must not be subject to them.
func (s *Server) Bounded() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.Compress(5), // Compress results, mostly json
		middleware.Timeout(s.timeout),
		middleware.Throttle(s.maxParallelProcesses),
	}
}

// NewServer creates a router with routes setup
func NewServer(name string,
	cors *cors.Cors,
	maxParallelProcesses int,
	timeout time.Duration,
) *Server {
	if maxParallelProcesses <= 0 {
		maxParallelProcesses = 64
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	s := &Server{
		name:                 name,
		cors:                 cors,
		maxParallelProcesses: maxParallelProcesses,
		timeout:              timeout,
	}
	s.mux = chi.NewRouter()
	s.configMux()
	return s
}

// Name returns the service name
func (s *Server) Name() string {
	return s.name
}

// Mux returns the chi router
func (s *Server) Mux() *chi.Mux {
	return s.mux
}

// ListenAndServe serves until ctx is done, then drains open requests within shutdownTimeout
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logging.LogInfof("%s listening on %s", s.name, addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "http server stopped")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	logging.LogInfof("shutting down %s", s.name)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return nil
}
