// Package httpapi implements CXDB's HTTP read API (spec.md §6): a
// go-chi/chi router served concurrently with the binary protocol server
// from the same process, covering context/turn inspection, blob
// retrieval, registry bundle management, filesystem snapshot browsing,
// and a Prometheus metrics endpoint. Grounded in the teacher's pkg/control
// API surface, translated from its RPC dispatch style to REST handlers.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/anansitrading/cxdb/internal/dag"
	"github.com/anansitrading/cxdb/internal/metrics"
	"github.com/anansitrading/cxdb/internal/registry"
)

// Server is CXDB's HTTP read API.
type Server struct {
	engine   *dag.Engine
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      zerolog.Logger
	router   chi.Router

	httpServer *http.Server
}

// New constructs an httpapi.Server wired to the shared engine/registry.
func New(engine *dag.Engine, reg *registry.Registry, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{engine: engine, registry: reg, metrics: m, log: log.With().Str("component", "httpapi").Logger()}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the underlying router for tests and for embedding
// behind another listener (e.g. a TLS-terminating reverse proxy).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/metrics", s.handleMetrics)
	r.Get("/v1/metrics/prom", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)

	r.Post("/v1/contexts", s.handleCtxCreate)
	r.Post("/v1/contexts/{contextID}/fork", s.handleCtxFork)
	r.Get("/v1/contexts/{contextID}/head", s.handleGetHead)
	r.Get("/v1/contexts/{contextID}/turns", s.handleGetTurns)
	r.Post("/v1/contexts/{contextID}/turns", s.handleAppendTurn)

	r.Get("/v1/blobs/{contentHash}", s.handleGetBlob)

	r.Put("/v1/registry/bundles/{bundleID}", s.handlePutBundle)
	r.Get("/v1/registry/bundles/{bundleID}", s.handleGetBundle)
	r.Get("/v1/registry/bundles", s.handleListBundles)

	r.Get("/v1/fs/{turnID}", s.handleListDir)
	r.Get("/v1/fs/{turnID}/file", s.handleGetFile)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// Serve starts the HTTP server and blocks until it exits.
func (s *Server) Serve(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info().Str("addr", addr).Msg("http api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close gracefully shuts down the HTTP server.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}
