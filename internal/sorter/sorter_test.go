package sorter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sifthq/aisorter/internal/aiclient"
	"github.com/sifthq/aisorter/internal/config"
	"github.com/sifthq/aisorter/internal/metrics"
	"github.com/sifthq/aisorter/internal/types"
)

type stubClassifier struct {
	mu      sync.Mutex
	calls   int
	results []types.Classification
	err     error
	block   chan struct{}
}

func (s *stubClassifier) Classify(ctx context.Context, items []types.Item) ([]types.Classification, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.results != nil {
		return s.results, nil
	}
	out := make([]types.Classification, len(items))
	for i := range out {
		out[i] = types.Classification{Category: types.CategoryInfo, ForwardTo: types.DestArchive}
	}
	return out, nil
}

func (s *stubClassifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newSorter(stub *stubClassifier, mutate func(*config.Config)) (*Sorter, *metrics.Metrics) {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	m := metrics.New()
	return New(cfg, stub, nil, m), m
}

func batchOf(n int) types.Batch {
	items := make([]types.Item, n)
	for i := range items {
		items[i] = types.Item{Type: types.ItemLog, Content: map[string]interface{}{"n": i}}
	}
	return types.Batch{Items: items}
}

func TestSortSuccessPreservesOrder(t *testing.T) {
	stub := &stubClassifier{results: []types.Classification{
		{Category: types.CategoryCritical, ForwardTo: types.DestAlerting},
		{Category: types.CategoryWarning, ForwardTo: types.DestStorage},
		{Category: types.CategoryInfo, ForwardTo: types.DestArchive},
	}}
	s, m := newSorter(stub, nil)

	got, err := s.Sort(context.Background(), batchOf(3))
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d items, want 3", len(got))
	}
	wantCats := []types.Category{types.CategoryCritical, types.CategoryWarning, types.CategoryInfo}
	for i, want := range wantCats {
		if got[i].Category != want {
			t.Errorf("item %d category = %s, want %s", i, got[i].Category, want)
		}
		if got[i].Item.Content["n"] != i {
			t.Errorf("item %d order not preserved", i)
		}
	}

	if v := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metrics.RequestOK)); v != 1 {
		t.Errorf("requests_total{ok} = %v", v)
	}
	if v := testutil.ToFloat64(m.ItemsClassified.WithLabelValues("critical")); v != 1 {
		t.Errorf("items_classified{critical} = %v", v)
	}
}

func TestSortNormalizesInconsistentRouting(t *testing.T) {
	stub := &stubClassifier{results: []types.Classification{
		{Category: types.CategoryCritical, ForwardTo: types.DestArchive},
		{Category: "severe", ForwardTo: types.DestStorage},
	}}
	s, _ := newSorter(stub, nil)

	got, err := s.Sort(context.Background(), batchOf(2))
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if got[0].ForwardTo != types.DestAlerting {
		t.Errorf("critical must route to alerting, got %s", got[0].ForwardTo)
	}
	if got[1].Category != types.CategoryWarning || got[1].ForwardTo != types.DestStorage {
		t.Errorf("unknown category with storage destination = %s/%s", got[1].Category, got[1].ForwardTo)
	}
}

func TestSortValidation(t *testing.T) {
	s, _ := newSorter(&stubClassifier{}, func(cfg *config.Config) {
		cfg.MaxBatchSize = 2
	})

	tests := []struct {
		name  string
		batch types.Batch
	}{
		{"empty batch", types.Batch{}},
		{"over max size", batchOf(3)},
		{"unknown type", types.Batch{Items: []types.Item{
			{Type: "alert", Content: map[string]interface{}{}},
		}}},
		{"nil content", types.Batch{Items: []types.Item{
			{Type: types.ItemLog},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Sort(context.Background(), tt.batch)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSortMaxBatchSizeBoundary(t *testing.T) {
	s, _ := newSorter(&stubClassifier{}, func(cfg *config.Config) {
		cfg.MaxBatchSize = 2
	})
	if _, err := s.Sort(context.Background(), batchOf(2)); err != nil {
		t.Errorf("batch at the limit must pass: %v", err)
	}
}

func TestSortShortCircuitFallback(t *testing.T) {
	for _, kind := range []error{
		aiclient.ErrCircuitOpen,
		aiclient.ErrRateLimited,
		aiclient.ErrUpstreamTimeout,
	} {
		t.Run(kind.Error(), func(t *testing.T) {
			stub := &stubClassifier{err: kind}
			s, m := newSorter(stub, nil)

			got, err := s.Sort(context.Background(), batchOf(2))
			if err != nil {
				t.Fatalf("short circuit must degrade, not fail: %v", err)
			}
			for i, item := range got {
				if item.Category != types.CategoryInfo || item.ForwardTo != types.DestArchive {
					t.Errorf("item %d = %s/%s, want info/archive", i, item.Category, item.ForwardTo)
				}
			}
			if v := testutil.ToFloat64(m.APICallsTotal.WithLabelValues(metrics.APICallShortCircuited)); v != 1 {
				t.Errorf("api_calls_total{short_circuited} = %v", v)
			}
			if v := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metrics.RequestOK)); v != 1 {
				t.Errorf("requests_total{ok} = %v", v)
			}
		})
	}
}

func TestSortDegradedErrorFallback(t *testing.T) {
	for _, kind := range []error{
		aiclient.ErrInvalidResponse,
		aiclient.ErrNetwork,
		&aiclient.HTTPStatusError{Code: 503},
		&aiclient.HTTPStatusError{Code: 400},
	} {
		t.Run(kind.Error(), func(t *testing.T) {
			stub := &stubClassifier{err: kind}
			s, m := newSorter(stub, nil)

			got, err := s.Sort(context.Background(), batchOf(1))
			if err != nil {
				t.Fatalf("upstream failure must degrade, not fail: %v", err)
			}
			if got[0].Category != types.CategoryInfo {
				t.Errorf("fallback category = %s", got[0].Category)
			}
			if v := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metrics.RequestError)); v != 1 {
				t.Errorf("requests_total{error} = %v", v)
			}
		})
	}
}

func TestSortPropagatesCancellation(t *testing.T) {
	stub := &stubClassifier{err: context.Canceled}
	s, _ := newSorter(stub, nil)

	_, err := s.Sort(context.Background(), batchOf(1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must propagate, got %v", err)
	}
}

func TestSortOverloadRejection(t *testing.T) {
	block := make(chan struct{})
	stub := &stubClassifier{block: block}
	s, m := newSorter(stub, func(cfg *config.Config) {
		cfg.MaxConcurrentRequests = 2
		cfg.AdmissionWait = 0
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Sort(context.Background(), batchOf(1))
		}()
	}

	// Wait until both slots are actually held.
	deadline := time.After(time.Second)
	for stub.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("in-flight requests never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	_, err := s.Sort(context.Background(), batchOf(1))
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if v := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metrics.RequestRejected)); v != 1 {
		t.Errorf("requests_total{rejected} = %v", v)
	}

	close(block)
	wg.Wait()

	// Slots released, the next request passes.
	if _, err := s.Sort(context.Background(), batchOf(1)); err != nil {
		t.Errorf("after drain Sort should pass: %v", err)
	}
}

func TestActiveRequestsGaugeBoundedByCap(t *testing.T) {
	block := make(chan struct{})
	stub := &stubClassifier{block: block}
	s, m := newSorter(stub, func(cfg *config.Config) {
		cfg.MaxConcurrentRequests = 1
		cfg.AdmissionWait = time.Second
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Sort(context.Background(), batchOf(1))
	}()
	deadline := time.After(time.Second)
	for stub.callCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("slot holder never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// Second request parks in the admission wait without becoming active.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Sort(context.Background(), batchOf(1))
	}()
	time.Sleep(50 * time.Millisecond)

	if v := testutil.ToFloat64(m.ActiveRequests); v != 1 {
		t.Errorf("active_requests = %v with one slot held and one waiter, want 1", v)
	}

	close(block)
	wg.Wait()
	if v := testutil.ToFloat64(m.ActiveRequests); v != 0 {
		t.Errorf("active_requests = %v after drain, want 0", v)
	}
}

func TestSortAdmissionWaitGrantsFreedSlot(t *testing.T) {
	block := make(chan struct{})
	stub := &stubClassifier{block: block}
	s, _ := newSorter(stub, func(cfg *config.Config) {
		cfg.MaxConcurrentRequests = 1
		cfg.AdmissionWait = 500 * time.Millisecond
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Sort(context.Background(), batchOf(1))
	}()
	deadline := time.After(time.Second)
	for stub.callCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("first request never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// Free the slot shortly after the second request starts waiting.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()

	if _, err := s.Sort(context.Background(), batchOf(1)); err != nil {
		t.Errorf("waiting request should acquire the freed slot: %v", err)
	}
	wg.Wait()
}
