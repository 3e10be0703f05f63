// Package api exposes the retrieval engine over HTTP.
//
// Endpoints:
//
//	POST /api/query   - run a query, streaming progress as SSE
//	POST /api/ingest  - ingest a document into the knowledge base
//	GET  /health      - liveness probe
//	GET  /ready       - readiness probe (pings the database)
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: health check endpoints
//   - query.go: query endpoint with SSE status streaming
//   - ingest.go: knowledge ingestion endpoint
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagehq/sage/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to keep slow clients from
	// pinning connections.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second
)

// ServerConfig carries the handlers' dependencies.
type ServerConfig struct {
	Engine   QueryRunner   // required
	Ingestor Ingestor      // optional: nil disables /api/ingest
	Pool     *pgxpool.Pool // optional: nil makes /ready always fail
	Logger   log.Logger
}

// Server is the HTTP server for the query API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger
}

// NewServer creates a server with all routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Engine == nil {
		return nil, errEngineRequired
	}

	mux := http.NewServeMux()

	NewHealthHandler(cfg.Pool, logger).RegisterRoutes(mux)
	NewQueryHandler(cfg.Engine, logger).RegisterRoutes(mux)
	if cfg.Ingestor != nil {
		NewIngestHandler(cfg.Ingestor, logger).RegisterRoutes(mux)
	}

	return &Server{mux: mux, logger: logger}, nil
}

// Handler returns the handler with middleware applied.
// Middleware order: recovery → logging → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	)
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
		// No WriteTimeout: /api/query holds an SSE stream open for the
		// full duration of retrieval and synthesis.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
