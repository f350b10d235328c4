package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kinko/internal/ratelimit"
)

// Server is the Kinko HTTP server.
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
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store       Store
	Coordinator Coordinator
	Simulation  HealthChecker
	Admission   Occupancy
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter    ratelimit.Limiter
	RetryAfter time.Duration
	MCPServer  *mcpserver.MCPServer

	// Learning settings reported by /health and used by /outcomes/stats.
	LearningEnabled bool
	LearningWindow  int

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Coordinator:         cfg.Coordinator,
		Simulation:          cfg.Simulation,
		Admission:           cfg.Admission,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		LearningEnabled:     cfg.LearningEnabled,
		LearningWindow:      cfg.LearningWindow,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Submissions are throttled per client IP.
	submitRL := ratelimit.Middleware(ratelimit.Config{
		Limiter:    cfg.Limiter,
		KeyFunc:    ratelimit.IPKeyFunc,
		RequestID:  func(r *http.Request) string { return RequestIDFromContext(r.Context()) },
		RetryAfter: cfg.RetryAfter,
		Logger:     cfg.Logger,
	})

	mux := http.NewServeMux()

	// Scenario batches.
	mux.Handle("POST /scenarios/run", submitRL(http.HandlerFunc(h.HandleRunScenarios)))
	mux.HandleFunc("GET /scenarios", h.HandleListScenarios)
	mux.HandleFunc("GET /scenarios/stats", h.HandleScenarioStats)
	mux.HandleFunc("GET /scenarios/{id}", h.HandleGetScenario)

	// Outcome measurements that close the learning loop.
	mux.Handle("POST /outcomes/{id}/execution", submitRL(http.HandlerFunc(h.HandleRecordExecution)))
	mux.Handle("POST /outcomes/{id}/follow-up", submitRL(http.HandlerFunc(h.HandleRecordFollowUp)))
	mux.HandleFunc("GET /outcomes/stats", h.HandleOutcomeStats)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
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
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
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
