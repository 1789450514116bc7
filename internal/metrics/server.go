package metrics

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
)

const shutdownTimeout = 5 * time.Second

// Server exposes a Collector over HTTP for the lifetime of a command.
type Server struct {
	addr     string
	path     string
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	srv *http.Server
	ln  net.Listener
}

// NewServer serves c's registry on addr at path ("/metrics" when empty). A
// nil collector serves the default gatherer.
func NewServer(addr, path string, c *Collector, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	var g prometheus.Gatherer = prometheus.DefaultGatherer
	if reg := c.Registry(); reg != nil {
		g = reg
	}
	return &Server{addr: addr, path: path, gatherer: g, logger: logger}
}

// Handler serves the metrics path only.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}))
	return mux
}

// Start binds the listener before returning, so an address in use fails the
// caller instead of a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("metrics server listening", "addr", ln.Addr().String(), "path", s.path)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started, or the configured one before.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, waiting at most shutdownTimeout for scrapes
// in flight.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	s.logger.Debug("metrics server stopped")
	return nil
}
