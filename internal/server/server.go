package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kansoku/internal/ratelimit"
)

// Server is the kansoku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter may be nil to disable rate limiting.
type ServerConfig struct {
	Handlers HandlersDeps
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Handlers.Logger == nil {
		cfg.Handlers.Logger = cfg.Logger
	}
	h := NewHandlers(cfg.Handlers)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	ingestRL := ratelimit.Middleware(cfg.Limiter, ratelimit.PathValueKeyFunc("project_id"), reqIDFunc, time.Second, cfg.Logger)

	mux := http.NewServeMux()

	// Span ingestion (rate limited per project).
	mux.Handle("POST /v1/projects/{project_id}/spans", ingestRL(http.HandlerFunc(h.HandlePublishSpan)))

	// Labels.
	mux.HandleFunc("PUT /v1/projects/{project_id}/labels/{label_id}", h.HandlePutLabel)
	mux.HandleFunc("GET /v1/projects/{project_id}/labels/{label_id}/history", h.HandleLabelHistory)
	mux.HandleFunc("GET /v1/projects/{project_id}/spans/{span_id}/labels", h.HandleListSpanLabels)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(), handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
