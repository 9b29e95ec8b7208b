// Package api serves the viewer websocket and the HTTP session API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/config"
	"github.com/mikeyg42/tileabr/internal/metrics"
	"github.com/mikeyg42/tileabr/internal/scheduler"
	"github.com/mikeyg42/tileabr/internal/session"
)

// Options are the services the API exposes. History is optional.
type Options struct {
	Config   *config.Config
	Sessions *session.Manager
	Metrics  *metrics.Metrics
	History  History
	Clock    scheduler.Clock
	Logger   *zap.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	router     chi.Router
	sessions   *session.Manager
	metrics    *metrics.Metrics
	clock      scheduler.Clock
	upgrader   websocket.Upgrader
	limiter    *RateLimiter
	cfg        config.ServerConfig
	logger     *zap.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("api")
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	cfg := opts.Config.Server

	s := &Server{
		sessions: opts.Sessions,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		// 10 state-changing requests per minute per IP
		limiter: NewRateLimiter(10, time.Minute),
		cfg:     cfg,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(logger, opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/sessions", NewSessionHandler(opts.Sessions, s.limiter, logger).Routes)
	if opts.History != nil {
		r.Route("/api/history", NewHistoryHandler(opts.History, logger).Routes)
	}
	if opts.Config.Metrics.Enabled {
		r.Handle(opts.Config.Metrics.Path, opts.Metrics.Handler())
	}
	r.Get("/ws/viewer", s.handleViewer)
	s.router = r

	s.httpServer = &http.Server{
		Addr:           cfg.Addr,
		Handler:        r,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.List()),
	})
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
