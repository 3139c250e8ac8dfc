// Package server exposes the sidecar's HTTP surface: the /sort endpoint plus
// health, readiness, metrics, and version routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sifthq/aisorter/internal/config"
	"github.com/sifthq/aisorter/internal/logging"
	"github.com/sifthq/aisorter/internal/metrics"
	"github.com/sifthq/aisorter/internal/redact"
	"github.com/sifthq/aisorter/internal/sorter"
	"github.com/sifthq/aisorter/internal/types"
	"github.com/sifthq/aisorter/internal/version"
)

// Error codes placed in 4xx/5xx response bodies.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeMissingAPIKey  = "MISSING_API_KEY"
	CodeOverloaded     = "OVERLOADED"
	CodeInternalError  = "INTERNAL_ERROR"
)

// maxBodyBytes caps the /sort request body. Batches are bounded by item
// count anyway; this guards against unbounded single items.
const maxBodyBytes = 10 << 20

// BatchSorter is the orchestrator dependency. Satisfied by *sorter.Sorter.
type BatchSorter interface {
	Sort(ctx context.Context, batch types.Batch) ([]types.SortedItem, error)
}

// Server binds the routes and owns the readiness flag and listener.
type Server struct {
	cfg     *config.Config
	sorter  BatchSorter
	logger  logging.Logger
	metrics *metrics.Metrics

	ready      atomic.Bool
	httpServer *http.Server
	listener   net.Listener
}

// New builds the server. It starts not-ready; the lifecycle manager flips
// readiness once the listener is accepting.
func New(cfg *config.Config, srt BatchSorter, logger logging.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{
		cfg:     cfg,
		sorter:  srt,
		logger:  logger,
		metrics: m,
	}
}

// Handler assembles the full middleware and route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.observeLatency)
		r.Post("/sort", s.handleSort)
	})

	return otelhttp.NewHandler(r, "aisorter.http")
}

// Serve listens on the configured address and blocks until Shutdown. The
// returned channel reports that the listener is accepting, so readiness can
// flip at the right moment.
func (s *Server) Serve(accepting chan<- struct{}) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if accepting != nil {
		close(accepting)
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown flips readiness off and drains in-flight requests until ctx
// expires. A ctx error means the grace window elapsed with work still
// running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SetReady flips the readiness flag consulted by /readyz.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Addr returns the bound listener address, valid once Serve has signaled
// accepting. Lets tests listen on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down or not started"})
		return
	}
	if !s.cfg.HasAPIKey() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "upstream API key not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "aisorter",
		"version": version.Version,
		"commit":  version.Commit,
	})
}

func (s *Server) handleSort(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestDeadline)
	defer cancel()

	var batch types.Batch
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&batch); err != nil {
		s.metrics.RequestsTotal.WithLabelValues(metrics.RequestError).Inc()
		s.writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "malformed request body", err.Error())
		return
	}

	sorted, err := s.sorter.Sort(ctx, batch)
	if err != nil {
		s.writeSortError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sorted)
}

// writeSortError maps orchestrator errors onto the HTTP surface. Metric
// accounting for these outcomes already happened inside the orchestrator.
func (s *Server) writeSortError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *sorter.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "invalid batch", verr.Detail)
	case errors.Is(err, sorter.ErrOverloaded):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, r, http.StatusServiceUnavailable, CodeOverloaded, "too many concurrent requests", "retry shortly")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusInternalServerError, CodeInternalError, "request deadline exceeded", err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, CodeInternalError, "internal error", err.Error())
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   string `json:"details"`
	RequestID string `json:"request_id"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, summary, details string) {
	writeJSON(w, status, errorResponse{
		Error:     summary,
		Code:      code,
		Details:   redact.String(details),
		RequestID: logging.RequestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
