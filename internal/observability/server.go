package observability

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Server exposes /metrics and /healthz.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server bound to addr (host:port). A nil health
// checker reports healthy with no checks.
func NewServer(addr string, health *HealthChecker) *Server {
	if health == nil {
		health = NewHealthChecker()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	mux.Handle("/healthz", health.Handler())
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
