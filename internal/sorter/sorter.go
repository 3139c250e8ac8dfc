// Package sorter orchestrates one /sort request: batch validation,
// concurrency admission, the upstream classification call, and the fallback
// contract that keeps telemetry flowing when the upstream misbehaves.
package sorter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sifthq/aisorter/internal/aiclient"
	"github.com/sifthq/aisorter/internal/config"
	"github.com/sifthq/aisorter/internal/logging"
	"github.com/sifthq/aisorter/internal/metrics"
	"github.com/sifthq/aisorter/internal/types"
)

// ErrOverloaded means no concurrency slot became available within the
// admission wait. The server maps it to 503 with Retry-After.
var ErrOverloaded = errors.New("concurrency limit reached")

// ValidationError rejects a malformed batch. The server maps it to 400 and
// places Detail in the error body.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

// Classifier is the upstream call the orchestrator depends on. Satisfied by
// *aiclient.Client; tests substitute stubs.
type Classifier interface {
	Classify(ctx context.Context, items []types.Item) ([]types.Classification, error)
}

// Sorter owns the global concurrency semaphore and the fallback policy. One
// instance serves the whole process.
type Sorter struct {
	classifier    Classifier
	sem           chan struct{}
	admissionWait time.Duration
	maxBatchSize  int
	logger        logging.Logger
	metrics       *metrics.Metrics
}

// New builds the orchestrator from config plus the shared classifier.
func New(cfg *config.Config, classifier Classifier, logger logging.Logger, m *metrics.Metrics) *Sorter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Sorter{
		classifier:    classifier,
		sem:           make(chan struct{}, cfg.MaxConcurrentRequests),
		admissionWait: cfg.AdmissionWait,
		maxBatchSize:  cfg.MaxBatchSize,
		logger:        logger,
		metrics:       m,
	}
}

// Sort classifies a batch and returns one SortedItem per input item, in
// input order. Upstream failures degrade to the info/archive fallback and
// still return a result; only validation, overload, and caller cancellation
// surface as errors.
func (s *Sorter) Sort(ctx context.Context, batch types.Batch) ([]types.SortedItem, error) {
	log := loggerFor(ctx, s.logger)

	if err := s.validate(batch); err != nil {
		s.metrics.RequestsTotal.WithLabelValues(metrics.RequestError).Inc()
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		if errors.Is(err, ErrOverloaded) {
			s.metrics.RequestsTotal.WithLabelValues(metrics.RequestRejected).Inc()
			log.Warn("request rejected, concurrency limit reached", map[string]interface{}{
				"limit": cap(s.sem),
			})
		}
		return nil, err
	}
	// The gauge mirrors semaphore ownership, so it can never exceed the
	// configured cap: waiting and rejected requests are not active.
	s.metrics.ActiveRequests.Inc()
	defer func() {
		s.metrics.ActiveRequests.Dec()
		s.release()
	}()

	classifications, err := s.classifier.Classify(ctx, batch.Items)
	if err != nil {
		return s.degrade(log, batch.Items, err)
	}

	sorted := s.assemble(batch.Items, classifications)
	s.metrics.RequestsTotal.WithLabelValues(metrics.RequestOK).Inc()
	return sorted, nil
}

func (s *Sorter) validate(batch types.Batch) error {
	if len(batch.Items) == 0 {
		return &ValidationError{Detail: "items must be non-empty"}
	}
	if len(batch.Items) > s.maxBatchSize {
		return &ValidationError{Detail: fmt.Sprintf(
			"batch has %d items, maximum is %d", len(batch.Items), s.maxBatchSize)}
	}
	for i, item := range batch.Items {
		if err := item.Validate(); err != nil {
			return &ValidationError{Detail: fmt.Sprintf("items[%d]: %v", i, err)}
		}
	}
	return nil
}

// acquire takes a semaphore slot, waiting at most admissionWait. The default
// wait of zero rejects immediately when the cap is reached.
func (s *Sorter) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}
	if s.admissionWait <= 0 {
		return ErrOverloaded
	}

	timer := time.NewTimer(s.admissionWait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrOverloaded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sorter) release() {
	<-s.sem
}

// degrade applies the fallback contract: any upstream-side failure yields
// info/archive for every item and a successful result. Short circuits
// (breaker open, rate limited, timeout) count the request as served; other
// upstream failures count it as a served-but-degraded error. Caller
// cancellation is the one thing passed through.
func (s *Sorter) degrade(log logging.Logger, items []types.Item, err error) ([]types.SortedItem, error) {
	if !aiclient.IsDegradable(err) {
		s.metrics.RequestsTotal.WithLabelValues(metrics.RequestError).Inc()
		return nil, err
	}

	if aiclient.IsShortCircuit(err) {
		s.metrics.APICallsTotal.WithLabelValues(metrics.APICallShortCircuited).Inc()
		s.metrics.RequestsTotal.WithLabelValues(metrics.RequestOK).Inc()
	} else {
		s.metrics.RequestsTotal.WithLabelValues(metrics.RequestError).Inc()
	}

	log.Warn("classification degraded to fallback", map[string]interface{}{
		"reason":     err.Error(),
		"item_count": len(items),
	})

	fb := types.Fallback()
	sorted := make([]types.SortedItem, len(items))
	for i, item := range items {
		sorted[i] = types.SortedItem{Item: item, Category: fb.Category, ForwardTo: fb.ForwardTo}
	}
	s.metrics.ItemsClassified.WithLabelValues(string(fb.Category)).Add(float64(len(items)))
	return sorted, nil
}

// assemble pairs each item with its normalized classification, preserving
// input order.
func (s *Sorter) assemble(items []types.Item, classifications []types.Classification) []types.SortedItem {
	sorted := make([]types.SortedItem, len(items))
	for i, item := range items {
		cls := classifications[i].Normalize()
		sorted[i] = types.SortedItem{Item: item, Category: cls.Category, ForwardTo: cls.ForwardTo}
		s.metrics.ItemsClassified.WithLabelValues(string(cls.Category)).Inc()
	}
	return sorted
}

func loggerFor(ctx context.Context, l logging.Logger) logging.Logger {
	if jl, ok := l.(*logging.JSONLogger); ok {
		return jl.ForRequest(ctx)
	}
	return l
}
