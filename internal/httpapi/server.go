// Package httpapi serves the self-reflective RAG orchestrator over HTTP:
// POST /query, POST /upload, GET /documents, GET /documents/{name},
// GET /metrics, and GET /audit/{run_id}, exactly per spec.md §6.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/selfrag/internal/audit"
	"github.com/ashita-ai/selfrag/internal/orchestrator"
)

// ServerConfig carries everything Server needs to wire its routes.
type ServerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	AuditSink    audit.Sink
	UploadDir    string

	// MCPServer, when non-nil, is mounted at /mcp using the streamable HTTP
	// transport alongside the REST routes.
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	Logger *slog.Logger
}

// Server wraps an *http.Server with the orchestrator's route table and
// middleware chain.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	logger     *slog.Logger
}

// New constructs a Server. It does not start listening until Start is called.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		orchestrator:        cfg.Orchestrator,
		auditSink:           cfg.AuditSink,
		uploadDir:           cfg.UploadDir,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /documents/{name}", h.handleGetDocument)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /audit/{run_id}", h.handleGetAudit)
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Composed outside-in: requestID runs first, recovery innermost so a
	// panic in any later middleware or handler is still caught.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         formatAddr(cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving and blocks until the server stops or errors.
func (s *Server) Start() error {
	s.logger.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func formatAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}
