// Package server implements the Convoy HTTP surface for the Interface
// Agent: REST status/task endpoints, JWT auth, and SSE real-time events.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/driftworks/convoy/agent"
	"github.com/driftworks/convoy/config"
	"github.com/driftworks/convoy/coord"
)

// Server is the Convoy HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	console *agent.Console
	sup     *agent.Supervisor
	coord   *coord.Coordinator
	hub     *sseHub

	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server over the Console, Supervisor, and Coordinator.
func New(cfg config.Config, console *agent.Console, sup *agent.Supervisor, c *coord.Coordinator, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		console:   console,
		sup:       sup,
		coord:     c,
		hub:       newSSEHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
	s.registerRoutes()
	return s
}

// Start begins bridging coordinator events to SSE clients and listens
// until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx, s.coord.SubscribeAll(256))

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9070"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// Public routes.
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	// SSE — auth handled inline because EventSource can't set headers.
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Authenticated API.
	s.mux.Handle("GET /api/status", s.requireAuth(s.handleStatus))
	s.mux.Handle("GET /api/workers", s.requireAuth(s.handleWorkers))
	s.mux.Handle("GET /api/tasks", s.requireAuth(s.handleListTasks))
	s.mux.Handle("POST /api/tasks", s.requireAuth(s.handleCreateTask))
	s.mux.Handle("GET /api/tasks/{id}", s.requireAuth(s.handleGetTask))
	s.mux.Handle("POST /api/tasks/{id}/cancel", s.requireAuth(s.handleCancelTask))
	s.mux.Handle("POST /api/goals", s.requireAuth(s.handleSubmitGoal))
}
