package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnemos-ai/mnemos/internal/ratelimit"
	"github.com/mnemos-ai/mnemos/internal/session"
	"github.com/mnemos-ai/mnemos/internal/storage"
)

// IndexHealth reports reachability of the optional ANN index.
type IndexHealth interface {
	Healthy(ctx context.Context) error
}

// Config holds dependencies and settings for the HTTP server.
type Config struct {
	DB            *storage.DB
	Authenticator *session.Authenticator
	Limiter       ratelimit.Limiter
	MCPServer     *mcpserver.MCPServer
	Index         IndexHealth // nil when no ANN index is configured
	Logger        *slog.Logger

	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
	Version        string
}

// Server is the Mnemos HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	cfg        Config
	logger     *slog.Logger
}

// New creates an HTTP server with the MCP endpoint and health route wired.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		var mcpHandler http.Handler = mcpHTTP
		if cfg.RequestTimeout > 0 {
			mcpHandler = http.TimeoutHandler(mcpHandler, cfg.RequestTimeout, "request timed out")
		}
		mux.Handle("/mcp", rateLimitMiddleware(cfg.Limiter, cfg.Logger, mcpHandler))
	}

	// Middleware chain (outermost executes first):
	// request ID → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Authenticator, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.AllowedOrigins, handler)
	handler = requestIDMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
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

// handleHealth reports database and index reachability. 200 when the
// database answers; a down index degrades the body, not the status, since
// search falls back to keyword matching.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
	}
	status := http.StatusOK

	if err := s.cfg.DB.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		body["database"] = "ok"
	}

	if s.cfg.Index != nil {
		if err := s.cfg.Index.Healthy(ctx); err != nil {
			body["vector_index"] = "unreachable"
		} else {
			body["vector_index"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
