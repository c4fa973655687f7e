package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mit-bodhiq/bodhiq/internal/auth"
	"github.com/mit-bodhiq/bodhiq/internal/ratelimit"
	"github.com/mit-bodhiq/bodhiq/internal/service/queries"
)

// Server is the bodhiq HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, Metrics, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Queries *queries.Service
	JWTMgr  *auth.JWTManager
	Logger  *slog.Logger

	// APIKeyHash is the Argon2id hash /auth/token accepts.
	APIKeyHash string
	// KeyHasher verifies APIKeyHash. Nil uses the default Argon2id cost.
	KeyHasher *auth.KeyHasher
	// AuthDisabled trusts X-User-ID instead of bearer tokens.
	AuthDisabled bool

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	Metrics   http.Handler
	// OpenAPISpec is served at /openapi.yaml when non-empty.
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Queries:             cfg.Queries,
		JWTMgr:              cfg.JWTMgr,
		APIKeyHash:          cfg.APIKeyHash,
		KeyHasher:           cfg.KeyHasher,
		Logger:              logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	userRL := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc, logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, logger)
	limited := func(fn http.HandlerFunc) http.Handler { return userRL(fn) }

	mux := http.NewServeMux()

	// Auth (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Queries (rate limited per user).
	mux.Handle("POST /v1/queries", limited(h.HandleCreateQuery))
	mux.Handle("GET /v1/queries", limited(h.HandleListQueries))
	mux.Handle("GET /v1/queries/{id}", limited(h.HandleGetQuery))
	mux.Handle("DELETE /v1/queries/{id}", limited(h.HandleDeleteQuery))
	mux.Handle("POST /v1/queries/{id}/execute", limited(h.HandleExecuteQuery))
	mux.Handle("POST /v1/queries/{id}/cancel", limited(h.HandleCancelQuery))
	mux.Handle("GET /v1/queries/{id}/results", limited(h.HandleQueryResults))

	// Progress streams (no rate limit: long-lived connections).
	mux.HandleFunc("GET /v1/queries/{id}/progress", h.HandleProgressSSE)
	mux.HandleFunc("GET /v1/queries/{id}/progress/ws", h.HandleProgressWS)

	// Pipeline and reference data.
	mux.Handle("GET /v1/stats", limited(h.HandleStats))
	mux.Handle("GET /v1/agents", limited(h.HandleAgents))
	mux.Handle("GET /v1/molecules", limited(h.HandleMolecules))
	mux.Handle("POST /v1/pipeline/cancel", limited(h.HandleCancelPipeline))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", userRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Health and API description (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.AuthDisabled, handler)
	handler = loggingMiddleware(logger, handler)
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
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

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
