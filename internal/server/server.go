package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ceti-ai/ceti/internal/auth"
	"github.com/ceti-ai/ceti/internal/ledger"
	"github.com/ceti-ai/ceti/internal/ratelimit"
	"github.com/ceti-ai/ceti/internal/verifier"
)

// Server is the CETI HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Ledger, Limiter, MCPServer.
type Config struct {
	Verifier *verifier.Verifier
	Keyring  *auth.Keyring
	Logger   *slog.Logger

	Ledger    *ledger.Ledger
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSOrigin          string
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Verifier:            cfg.Verifier,
		Ledger:              cfg.Ledger,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// /verify is limited per authenticated key identity (10/min sustained).
	verifyRL := ratelimit.Middleware(cfg.Limiter, identityKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Health and API docs (no auth, no rate limit).
	mux.HandleFunc("GET /{$}", h.HandleHealth)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// The adjudication pipeline.
	mux.Handle("POST /verify", verifyRL(http.HandlerFunc(h.HandleVerify)))

	// MCP StreamableHTTP transport (auth required via the middleware chain).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Keyring, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSOrigin, handler)
	handler = securityHeadersMiddleware(handler)
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

// identityKeyFunc extracts the authenticated key identity for rate limiting.
// Unauthenticated requests never reach the limiter; auth runs earlier in the
// chain.
func identityKeyFunc(r *http.Request) string {
	return IdentityFromContext(r.Context())
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
