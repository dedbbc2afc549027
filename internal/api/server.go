package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rover-control/rover/internal/auth"
	"github.com/rover-control/rover/internal/logging"
)

// Options configures a Server.
type Options struct {
	Dispatcher DispatcherPort
	History    HistoryPort
	// Telemetry serves the live stream; nil disables the endpoint.
	Telemetry http.Handler
	Auth      *auth.Middleware
	Version   string
	Logger    *slog.Logger

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	opts       Options
	log        *slog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(opts Options) (*Server, error) {
	if opts.Dispatcher == nil || opts.History == nil {
		return nil, fmt.Errorf("dispatcher and history are required")
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewMiddleware(nil)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		opts:      opts,
		log:       logger.With("component", "api"),
		startTime: time.Now(),
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	// No WriteTimeout: the telemetry endpoint is a long-lived stream
	s.httpServer = &http.Server{
		Handler:           s.withLogging(mux),
		ReadHeaderTimeout: opts.ReadTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}
	return s, nil
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener until Stop.
func (s *Server) Serve(listener net.Listener) error {
	s.log.Info("http api listening", "addr", listener.Addr().String(), "auth", s.opts.Auth.Enabled())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "latency", time.Since(start))
	})
}
