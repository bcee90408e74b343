// Package api is the tempo-sync HTTP server: the per-collection sync
// surface (upsert, fetch-all, version-checked delete, bulk-sync) plus the
// token endpoints the client's auth-refresh logic depends on.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/tempo/internal/serverdb"
)

// Server is the HTTP API server for tempo-sync.
type Server struct {
	config Config
	http   *http.Server
	store  *serverdb.ServerDB
}

// NewServer creates a Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) *Server {
	if cfg.JWTSecret == "" {
		slog.Warn("no JWT secret configured; using a random one (tokens will not survive restart)")
		cfg.JWTSecret = randomSecret()
	}

	s := &Server{config: cfg, store: store}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler; used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Auth (public)
	mux.HandleFunc("POST /api/v1/auth/token", s.handleToken)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleRefresh)

	// Per-collection sync surface
	mux.HandleFunc("POST /api/{collection}", s.requireAuth(s.handleUpsert))
	mux.HandleFunc("GET /api/{collection}/all", s.requireAuth(s.handleFetchAll))
	mux.HandleFunc("DELETE /api/{collection}/{id}", s.requireAuth(s.handleDelete))
	mux.HandleFunc("POST /api/{collection}/bulk-sync", s.requireAuth(s.handleBulkSync))

	return requestLogger(mux)
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs each request at debug level with its duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
	})
}

// logFor returns the default logger; kept as a seam for request-scoped
// loggers.
func logFor(ctx context.Context) *slog.Logger {
	return slog.Default()
}
