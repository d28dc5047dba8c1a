package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lazypower/karmagraph/internal/engine"
)

// Server is the karmagraph HTTP API server.
type Server struct {
	eng      *engine.Engine
	router   chi.Router
	version  string
	started  time.Time
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New creates a Server over eng. gatherer backs /metrics and defaults to
// the global registry; logger defaults to slog.Default().
func New(eng *engine.Engine, version string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		eng:      eng,
		version:  version,
		started:  time.Now(),
		gatherer: gatherer,
		logger:   logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Post("/nodes", s.handleAddNode)
		r.Route("/nodes/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetNode)
			r.Patch("/", s.handleUpdateNode)
			r.Delete("/", s.handleDeleteNode)
			r.Post("/access", s.handleRecordAccess)
			r.Get("/subgraph", s.handleSubgraph)
			r.Get("/analogies", s.handleAnalogies)
			r.Get("/forecast", s.handleForecast)
			r.Get("/context", s.handleContext)
			r.Post("/generate", s.handleGenerate)
		})

		r.Post("/edges", s.handleAddEdge)
		r.Delete("/edges/{id}", s.handleDeleteEdge)

		r.Post("/analogies/cross", s.handleCrossDomain)
		r.Post("/ppr", s.handlePPR)
		r.Post("/karma", s.handleKarma)
		r.Post("/ann", s.handleANN)
		r.Post("/maintenance", s.handleMaintenance)
	})

	s.router = r
}

// instrument records request counts and latency by route pattern, so ids in
// paths do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		s.eng.Metrics.ObserveRequest(r.Method, route, status, d)
		s.logger.Debug("server: request", "method", r.Method, "route", route, "status", status, "duration", d)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.eng.DB.PingContext(r.Context()) == nil
	schema, _ := s.eng.DB.SchemaVersion()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         time.Since(s.started).Seconds(),
		"db":             dbOK,
		"db_path":        s.eng.DB.Path,
		"schema_version": schema,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.DB.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"graph":             st,
		"index":             s.eng.Index.Stats(),
		"cached_signatures": s.eng.Encoder.Cache().Len(),
	})
}
