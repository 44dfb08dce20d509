package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kajihq/kaji/internal/ratelimit"
	"github.com/kajihq/kaji/internal/router"
)

// Server is the kaji HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Limiter is optional (nil = rate limiting disabled).
type ServerConfig struct {
	// Required dependencies.
	Runs    RunService
	Store   RunStore
	Decider *router.Decider
	Broker  *Broker
	Logger  *slog.Logger

	// Optional dependencies.
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:         cfg.Runs,
		Store:        cfg.Store,
		Decider:      cfg.Decider,
		Broker:       cfg.Broker,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Mutating endpoints share one bucket per client IP; routing gets its
	// own since a chat frontend may call it on every keystroke burst.
	routeRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{Prefix: "route"},
		ratelimit.IPKeyFunc, reqIDFunc)
	runsRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{Prefix: "runs"},
		ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Routing.
	mux.Handle("POST /v1/route", routeRL(http.HandlerFunc(h.HandleRoute)))
	mux.Handle("POST /v1/requests", runsRL(http.HandlerFunc(h.HandleDispatch)))
	mux.Handle("POST /v1/escalation", runsRL(http.HandlerFunc(h.HandleEscalation)))

	// Run lifecycle (mutating, rate limited).
	mux.Handle("POST /v1/runs", runsRL(http.HandlerFunc(h.HandleStartRun)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", runsRL(http.HandlerFunc(h.HandleCancelRun)))

	// Run observation (read-only, no rate limit).
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/state", h.HandleRunState)

	// Streaming (no rate limit — long-lived connection).
	mux.HandleFunc("GET /v1/runs/{run_id}/subscribe", h.HandleSubscribe)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
