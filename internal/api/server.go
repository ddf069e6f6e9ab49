// Package api exposes the storage engine over a JSON/REST HTTP surface and
// translates engine error kinds into transport-level responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pail/internal/engine"
)

// Server serves the bucket and object HTTP API.
type Server struct {
	engine   *engine.Engine
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a Server around the engine. HTTP metrics are registered on
// registry, and GET /metrics exposes everything the registry gathers.
func New(eng *engine.Engine, registry *prometheus.Registry) *Server {
	return &Server{
		engine:   eng,
		registry: registry,
		requests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pail_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
		duration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler returns the HTTP handler for the full API surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/", s.handleStatus)
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/buckets", func(r chi.Router) {
		r.Get("/", s.handleListBuckets)
		r.Put("/{bucket}", s.handleCreateBucket)
		r.Head("/{bucket}", s.handleHeadBucket)
		r.Delete("/{bucket}", s.handleDeleteBucket)
	})

	r.Route("/objects", func(r chi.Router) {
		r.Put("/{bucket}/*", s.handlePutObject)
		r.Get("/{bucket}/*", s.handleGetObject)
		r.Delete("/{bucket}/*", s.handleDeleteObject)
	})

	return r
}

// instrument records request counts, durations, and a structured access log
// line for every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		s.requests.WithLabelValues(r.Method, fmt.Sprintf("%d", ww.Status())).Inc()
		s.duration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		slog.Debug("Request handled",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", elapsed)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pail is running"})
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")

	if err := s.engine.CreateBucket(r.Context(), bucket); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": fmt.Sprintf("Bucket %q created successfully", bucket),
	})
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.engine.ListBuckets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type bucketEntry struct {
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
	}

	entries := make([]bucketEntry, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, bucketEntry{Name: b.Name, CreatedAt: b.CreatedAt})
	}

	writeJSON(w, http.StatusOK, map[string]any{"buckets": entries})
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.HeadBucket(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		// HEAD responses carry no body; only the status code survives.
		w.WriteHeader(statusForError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteBucket(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	defer r.Body.Close()

	res, err := s.engine.PutObject(r.Context(), bucket, key, r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", quoteETag(res.ETag))
	writeJSON(w, http.StatusCreated, map[string]string{
		"message":      fmt.Sprintf("Object %q uploaded successfully to bucket %q", key, bucket),
		"etag":         res.ETag,
		"content_type": res.ContentType,
	})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")

	obj, err := s.engine.GetObject(r.Context(), bucket, key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", obj.Size))
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj.Body); err != nil {
		slog.Error("Failed to stream object", "bucket", bucket, "key", key, "error", err)
	}
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")

	if err := s.engine.DeleteObject(r.Context(), bucket, key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusForError maps engine error kinds to HTTP status codes. Partial
// failures and inconsistencies deliberately map to 500: they are server
// conditions, not client mistakes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func quoteETag(etag string) string {
	return fmt.Sprintf("%q", etag)
}
