package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sifthq/aisorter/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// requestID assigns every request an id, honoring one supplied by the
// caller, and echoes it in the response so the pipeline can correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// logRequests emits one line per request with method, path, status, and
// duration, bound to the request id.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Scraping and probe traffic would drown real requests.
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		log := s.logger
		if jl, ok := log.(*logging.JSONLogger); ok {
			log = jl.ForRequest(r.Context())
		}

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		log.Debug("request started", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})

		next.ServeHTTP(ww, r)

		log.Info("request completed", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"bytes":       ww.BytesWritten(),
		})
	})
}

// observeLatency records end-to-end /sort latency. The active-requests
// gauge lives in the orchestrator, tied to semaphore ownership.
func (s *Server) observeLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	})
}

// authenticate enforces the optional shared-secret header. An empty
// configured key leaves /sort open within the pod network.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SidecarAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.SidecarAPIKey)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, CodeMissingAPIKey, "missing or invalid API key", "set the X-API-Key header")
			return
		}
		next.ServeHTTP(w, r)
	})
}
