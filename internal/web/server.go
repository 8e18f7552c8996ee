package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zheng/svcgraph/internal/cache"
	"github.com/zheng/svcgraph/internal/filter"
	"github.com/zheng/svcgraph/internal/loader"
	"github.com/zheng/svcgraph/internal/logging"
	"github.com/zheng/svcgraph/internal/metrics"
	"github.com/zheng/svcgraph/internal/results"
)

// GraphSource provides the currently published graph
type GraphSource interface {
	Current() (*loader.Snapshot, error)
}

// Server is the HTTP boundary of svcgraph
type Server struct {
	graphs   GraphSource
	port     int
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithCache caches /api/services responses for ttl
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Server) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithLogger sets the request logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new web server
func NewServer(graphs GraphSource, port int, opts ...Option) *Server {
	s := &Server{graphs: graphs, port: port, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Envelope is the body of every API response. Result holds the payload on
// success and the error message on failure.
type Envelope struct {
	Status string `json:"status"`
	Result any    `json:"result"`
}

// NodeData is a single annotated service with its direct successors
type NodeData struct {
	Node       any      `json:"node"`
	Successors []string `json:"successors"`
}

// StatsData describes the published graph
type StatsData struct {
	Version      string    `json:"version"`
	Source       string    `json:"source"`
	BuiltAt      time.Time `json:"builtAt"`
	Nodes        int       `json:"nodes"`
	Edges        int       `json:"edges"`
	DroppedEdges int       `json:"droppedEdges"`
	Sinks        int       `json:"sinks"`
	Vulnerable   int       `json:"vulnerable"`
	Public       int       `json:"public"`
	OnSinkPath   int       `json:"endWithSink"`
	Tainted      int       `json:"hasVulnerability"`
}

// Handler returns the routed and instrumented handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /api/services", s.handleServices)
	s.route(mux, "GET /api/node/{name}", s.handleNode)
	s.route(mux, "GET /api/stats", s.handleStats)
	s.route(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", "http://localhost"+srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// route registers h with a request id, a request-scoped logger and metrics
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		logger := s.logger.With("request_id", requestID)
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)

		metrics.RecordRequest(pattern, rec.status)
		logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// snapshot returns the published graph or writes the error response
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (*loader.Snapshot, bool) {
	snap, err := s.graphs.Current()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, loader.ErrNoSnapshot) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, r, status, err)
		return nil, false
	}
	w.Header().Set("X-Graph-Version", snap.Version)
	return snap, true
}

// handleServices returns the forest of services matching ?query=key=needle
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("query")
	logger := logging.FromContext(r.Context())

	key := cache.ForestKey(snap.Version, query)
	if s.cache != nil {
		body, hit, err := s.cache.Get(r.Context(), key)
		if err != nil {
			logger.Warn("cache lookup failed", "error", err)
		}
		if hit {
			writeBody(w, http.StatusOK, body)
			return
		}
	}

	g := snap.Graph
	forest := results.Build(g, filter.Filter(g.Nodes(), query))
	body, err := json.Marshal(Envelope{Status: "success", Result: forest})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(r.Context(), key, body, s.cacheTTL); err != nil {
			logger.Warn("cache store failed", "error", err)
		}
	}
	writeBody(w, http.StatusOK, body)
}

// handleNode returns one annotated service and the names it points to
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	node, found := snap.Graph.Node(name)
	if !found {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("service not found: %s", name))
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: "success", Result: NodeData{
		Node:       node,
		Successors: snap.Graph.SuccessorNames(name),
	}})
}

// handleStats summarises the published graph
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	g := snap.Graph
	st := StatsData{
		Version:      snap.Version,
		Source:       snap.Source,
		BuiltAt:      snap.BuiltAt,
		Nodes:        g.Len(),
		Edges:        g.EdgeCount(),
		DroppedEdges: g.DroppedEdges(),
	}
	for _, n := range g.Nodes() {
		if n.IsSink() {
			st.Sinks++
		}
		if n.IsVulnerable() {
			st.Vulnerable++
		}
		if n.PublicExposed {
			st.Public++
		}
		if n.EndWithSink {
			st.OnSinkPath++
		}
		if n.HasVulnerability {
			st.Tainted++
		}
	}
	writeJSON(w, http.StatusOK, Envelope{Status: "success", Result: st})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.graphs.Current(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logging.FromContext(r.Context()).Error("request failed", "status", status, "error", err)
	writeJSON(w, status, Envelope{Status: "error", Result: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		body = []byte(`{"status":"error","result":"failed to encode response"}`)
		status = http.StatusInternalServerError
	}
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	w.Write(body)
}
