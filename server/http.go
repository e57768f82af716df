// Package server provides the HTTP surface for the reach cache: tier
// operations, the full lookup path, custodian registry administration, and
// operational endpoints.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	reachcache "github.com/ethosengine/reach-cache"
	"github.com/ethosengine/reach-cache/cache"
	"github.com/ethosengine/reach-cache/custodian"
	"github.com/ethosengine/reach-cache/directory"
	"github.com/ethosengine/reach-cache/telemetry"
)

// maxPayloadBytes caps a single PUT body.
const maxPayloadBytes = 256 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer authentication when non-empty. /health and
	// /metrics stay open for probes and scrapers.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the reach cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache    *cache.Cache
	registry *directory.Directory
}

// New creates a server over an already constructed cache. registry may be
// nil, which disables the custodian administration endpoints.
func New(cfg Config, c *cache.Cache, registry *directory.Directory) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		cache:    c,
		registry: registry,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(requireBearer(cfg.AuthToken, mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large payloads
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache health report
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Direct tier operations
	mux.HandleFunc("PUT /cache/{tier}/{reach}/{key...}", s.handlePut)
	mux.HandleFunc("GET /cache/{tier}/{reach}/{key...}", s.handleTierGet)
	mux.HandleFunc("DELETE /cache/{reach}/{key...}", s.handleDelete)

	// Full lookup path: tiers, then custodians, then origin
	mux.HandleFunc("GET /lookup/{reach}/{key...}", s.handleLookup)

	// Custodian registry administration
	mux.HandleFunc("POST /custodians", s.handleRegisterCustodian)
	mux.HandleFunc("GET /custodians", s.handleListCustodians)
	mux.HandleFunc("POST /custodians/{id}/probe", s.handleProbe)
	mux.HandleFunc("PUT /commitments/{content}/{id}", s.handleCommit)
	mux.HandleFunc("DELETE /commitments/{content}/{id}", s.handleWithdraw)
	mux.HandleFunc("GET /commitments/{content}", s.handleListCommitments)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Health())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "put")

	reach, ok := parseReach(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > maxPayloadBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	entry, err := entryFromRequest(r, key, reach, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var evicted int
	switch r.PathValue("tier") {
	case "blob":
		evicted, err = s.cache.PutBlob(r.Context(), entry)
	case "chunk":
		evicted, err = s.cache.PutChunk(r.Context(), entry)
	default:
		http.Error(w, "unknown tier", http.StatusNotFound)
		return
	}
	if err != nil {
		if errors.Is(err, reachcache.ErrOversized) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":          key,
		"reach":        int(reach),
		"sizeBytes":    len(data),
		"evictedCount": evicted,
	})
}

func (s *Server) handleTierGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")

	reach, ok := parseReach(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")

	var (
		data []byte
		err  error
	)
	switch r.PathValue("tier") {
	case "blob":
		data, err = s.cache.Blob().Get(r.Context(), key, reach)
	case "chunk":
		data, err = s.cache.Chunk().Get(r.Context(), key, reach)
	default:
		http.Error(w, "unknown tier", http.StatusNotFound)
		return
	}
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "lookup")

	reach, ok := parseReach(w, r)
	if !ok {
		return
	}

	data, err := s.cache.Get(r.Context(), r.PathValue("key"), reach)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		if errors.Is(err, reachcache.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")

	reach, ok := parseReach(w, r)
	if !ok {
		return
	}

	if !s.cache.Delete(r.Context(), r.PathValue("key"), reach) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterCustodian(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "register_custodian")
	if s.registry == nil {
		http.Error(w, "registry not enabled", http.StatusNotImplemented)
		return
	}

	var profile custodian.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		http.Error(w, "decoding profile", http.StatusBadRequest)
		return
	}

	id, err := s.registry.Register(r.Context(), profile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListCustodians(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list_custodians")
	if s.registry == nil {
		http.Error(w, "registry not enabled", http.StatusNotImplemented)
		return
	}

	profiles, err := s.registry.ListAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []custodian.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "probe")
	if s.registry == nil {
		http.Error(w, "registry not enabled", http.StatusNotImplemented)
		return
	}

	var probe struct {
		LatencyMs float64 `json:"latencyMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&probe); err != nil {
		http.Error(w, "decoding probe", http.StatusBadRequest)
		return
	}

	err := s.registry.RecordProbe(r.Context(), r.PathValue("id"), probe.LatencyMs)
	if err != nil {
		if errors.Is(err, directory.ErrUnknownCustodian) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "commit")
	if s.registry == nil {
		http.Error(w, "registry not enabled", http.StatusNotImplemented)
		return
	}

	err := s.registry.Commit(r.Context(), r.PathValue("content"), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, directory.ErrUnknownCustodian) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "withdraw")
	if s.registry == nil {
		http.Error(w, "registry not enabled", http.StatusNotImplemented)
		return
	}

	err := s.registry.Withdraw(r.Context(), r.PathValue("content"), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCommitments(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list_commitments")
	if s.registry == nil {
		http.Error(w, "registry not enabled", http.StatusNotImplemented)
		return
	}

	profiles, err := s.registry.ListCommitments(r.Context(), r.PathValue("content"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []custodian.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// entryFromRequest builds a cache entry from the PUT body and query params.
func entryFromRequest(r *http.Request, key string, reach reachcache.ReachLevel, data []byte) (*reachcache.Entry, error) {
	q := r.URL.Query()

	e := &reachcache.Entry{
		Key:         key,
		Data:        data,
		Reach:       reach,
		Domain:      reachcache.DomainOther,
		Epic:        reachcache.EpicOther,
		CustodianID: q.Get("custodian"),
	}
	if d := q.Get("domain"); d != "" {
		e.Domain = reachcache.Domain(d)
	}
	if ep := q.Get("epic"); ep != "" {
		e.Epic = reachcache.Epic(ep)
	}
	if m := q.Get("mastery"); m != "" {
		level, err := strconv.Atoi(m)
		if err != nil || level < 0 || int(reachcache.MasteryCreate) < level {
			return nil, fmt.Errorf("invalid mastery %q", m)
		}
		e.Mastery = reachcache.MasteryLevel(level)
	}
	if ttl := q.Get("ttl"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl %q", ttl)
		}
		e.TTL = d
	}
	return e, nil
}

// parseReach reads the reach path segment and rejects out-of-range values.
func parseReach(w http.ResponseWriter, r *http.Request) (reachcache.ReachLevel, bool) {
	level, err := strconv.Atoi(r.PathValue("reach"))
	if err != nil || level < 0 || level >= reachcache.NumReachLevels {
		http.Error(w, "invalid reach level", http.StatusBadRequest)
		return 0, false
	}
	return reachcache.ReachLevel(level), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		surface := deriveSurface(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", surface,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and the cache's background sweeper.
func (s *Server) Start() error {
	if err := s.cache.Start(context.Background()); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.cache.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveSurface classifies a request path for logs and metrics.
func deriveSurface(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case len(path) >= 7 && path[:7] == "/cache/":
		return "cache"
	case len(path) >= 8 && path[:8] == "/lookup/":
		return "lookup"
	case len(path) >= 11 && path[:11] == "/custodians":
		return "custodians"
	case len(path) >= 12 && path[:12] == "/commitments":
		return "commitments"
	default:
		return "unknown"
	}
}
