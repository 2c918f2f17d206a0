package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/observe"
)

// shutdownTimeout bounds graceful shutdown of the status server.
const shutdownTimeout = 5 * time.Second

// Server is the local status server: liveness, readiness and Prometheus
// metrics.
type Server struct {
	srv *http.Server
}

// NewServer builds a status server on addr. gatherer backs /metrics; nil
// serves the default Prometheus registry.
func NewServer(addr string, h *Handler, gatherer prometheus.Gatherer, m *observe.Metrics) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m, "/healthz", "/readyz", "/metrics")(mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// Handler returns the wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	slog.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("health: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}
