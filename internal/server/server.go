package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server is the engine's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. MCPServer is optional (nil = MCP transport disabled).
type ServerConfig struct {
	Handlers  *Handlers
	Logger    *slog.Logger
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Execution lifecycle.
	mux.HandleFunc("POST /v1/executions", h.HandleTriggerExecution)
	mux.HandleFunc("GET /v1/executions/{execution_id}", h.HandleGetExecution)
	mux.HandleFunc("GET /v1/executions/{execution_id}/status", h.HandleExecutionStatus)
	mux.HandleFunc("POST /v1/executions/{execution_id}/cancel", h.HandleCancelExecution)
	mux.HandleFunc("POST /v1/executions/{execution_id}/feedback", h.HandleFeedback)

	// Agent definitions.
	mux.HandleFunc("POST /v1/agents", h.HandleCreateAgent)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}/executions", h.HandleListAgentExecutions)

	// Memory audit surface.
	mux.HandleFunc("GET /v1/memories", h.HandleListMemories)
	mux.HandleFunc("POST /v1/memories/{memory_id}/archive", h.HandleArchiveMemory)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (exempt from org scoping).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → body limit → org scope → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = orgMiddleware(handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
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

// bodyLimitMiddleware caps request body size; oversized bodies surface
// as decode errors in the handlers.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
