// Package aiclient calls the external model API to classify telemetry
// batches. It owns the reliability stack for that call: rate limiting,
// circuit breaking, retries with jittered exponential backoff, and timeout
// handling. Failures surface as error kinds the orchestrator branches on.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sifthq/aisorter/internal/breaker"
	"github.com/sifthq/aisorter/internal/config"
	"github.com/sifthq/aisorter/internal/logging"
	"github.com/sifthq/aisorter/internal/metrics"
	"github.com/sifthq/aisorter/internal/ratelimit"
	"github.com/sifthq/aisorter/internal/types"
)

const tracerName = "github.com/sifthq/aisorter/internal/aiclient"

// Client talks to the upstream classification endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string

	httpClient *http.Client
	limiter    *ratelimit.Bucket
	breaker    *breaker.Breaker
	logger     logging.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	perAttemptTimeout time.Duration
	rateLimitWait     time.Duration

	mu   sync.Mutex
	rand *rand.Rand

	// sleep is swappable so retry tests run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Client from config plus the shared singletons.
func New(cfg *config.Config, limiter *ratelimit.Bucket, brk *breaker.Breaker, logger logging.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	return &Client{
		endpoint:          cfg.APIEndpoint,
		apiKey:            cfg.APIKey,
		model:             cfg.Model,
		httpClient:        &http.Client{Transport: transport},
		limiter:           limiter,
		breaker:           brk,
		logger:            logger,
		metrics:           m,
		tracer:            otel.Tracer(tracerName),
		maxRetries:        cfg.MaxRetries,
		initialBackoff:    cfg.InitialBackoff,
		maxBackoff:        cfg.MaxBackoff,
		backoffMultiplier: cfg.BackoffMultiplier,
		perAttemptTimeout: cfg.PerAttemptTimeout,
		rateLimitWait:     cfg.RateLimitWait,
		rand:              rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:             sleepCtx,
	}
}

// Close releases idle upstream connections. Called during shutdown.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Classify submits items and returns one classification per item, in input
// order. On error the returned slice is nil and the error carries one of the
// package's error kinds.
func (c *Client) Classify(ctx context.Context, items []types.Item) ([]types.Classification, error) {
	log := loggerFor(ctx, c.logger)

	ctx, span := c.tracer.Start(ctx, "aiclient.Classify", trace.WithAttributes(
		attribute.String("ai.model", c.model),
		attribute.Int("ai.item_count", len(items)),
	))
	defer span.End()

	userPrompt, err := buildUserPrompt(items)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	// One token per logical call, consumed even if the call later fails.
	if err := c.limiter.Acquire(ctx, c.rateLimitWait); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			span.RecordError(err)
			return nil, err
		}
		log.Warn("rate limit wait exhausted", map[string]interface{}{
			"wait_ms": c.rateLimitWait.Milliseconds(),
		})
		span.SetAttributes(attribute.String("ai.outcome", "rate_limited"))
		return nil, ErrRateLimited
	}

	// One breaker permission per logical call; retries happen inside it.
	if err := c.breaker.Allow(); err != nil {
		log.Warn("circuit breaker rejected call", map[string]interface{}{
			"state": c.breaker.State().String(),
		})
		span.SetAttributes(attribute.String("ai.outcome", "circuit_open"))
		return nil, ErrCircuitOpen
	}

	result, err := c.callWithRetry(ctx, log, userPrompt, len(items))

	// Report the logical outcome to the breaker exactly once. Only
	// network errors, timeouts, 5xx, and 429 count against it; responses
	// the upstream produced deliberately (other 4xx, unparseable 200s)
	// count as success. A cancelled call carries no upstream verdict at
	// all, so it neither closes a half-open circuit nor resets the streak.
	switch {
	case errors.Is(err, context.Canceled):
		c.breaker.ReportAbandoned()
	case countsAsBreakerFailure(err):
		c.breaker.ReportFailure()
	default:
		c.breaker.ReportSuccess()
	}

	if err != nil {
		span.RecordError(err)
		// Short circuits are counted by the orchestrator under the
		// short_circuited status; counting them here as well would tally
		// one logical call twice.
		if !IsShortCircuit(err) && !errors.Is(err, context.Canceled) {
			c.metrics.APICallsTotal.WithLabelValues(metrics.APICallError).Inc()
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("ai.outcome", "ok"))
	c.metrics.APICallsTotal.WithLabelValues(metrics.APICallOK).Inc()
	return result, nil
}

// callWithRetry runs up to maxRetries attempts with jittered exponential
// backoff, honoring Retry-After when present.
func (c *Client) callWithRetry(ctx context.Context, log logging.Logger, userPrompt string, itemCount int) ([]types.Classification, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			c.metrics.APICallsTotal.WithLabelValues(metrics.APICallRetried).Inc()
		}

		result, retryAfter, err := c.attempt(ctx, userPrompt, itemCount)
		if err == nil {
			if attempt > 1 {
				log.Info("upstream call recovered after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == c.maxRetries {
			break
		}

		// Give up early if the request deadline cannot fit another
		// attempt anyway.
		if ctx.Err() != nil {
			break
		}

		delay := c.backoffDelay(attempt)
		if retryAfter > 0 {
			delay = retryAfter
			if delay > c.maxBackoff {
				delay = c.maxBackoff
			}
		}

		log.Warn("upstream call failed, retrying", map[string]interface{}{
			"attempt":     attempt,
			"max_retries": c.maxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error":       err.Error(),
		})

		if serr := c.sleep(ctx, delay); serr != nil {
			lastErr = c.terminalContextError(serr)
			break
		}
	}

	return nil, c.finalizeError(ctx, lastErr)
}

// attempt performs one HTTP round trip. retryAfter is non-zero when the
// upstream supplied a usable Retry-After header.
func (c *Client) attempt(ctx context.Context, userPrompt string, itemCount int) (result []types.Classification, retryAfter time.Duration, err error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if c.perAttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.perAttemptTimeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: encoding request: %v", ErrInvalidResponse, err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: building request: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.APICallDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if isTimeoutError(err) {
			return nil, 0, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		if ctx.Err() == context.Canceled {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &HTTPStatusError{Code: resp.StatusCode}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	classifications, err := parseClassifications(payload)
	if err != nil {
		return nil, 0, err
	}
	if len(classifications) != itemCount {
		return nil, 0, fmt.Errorf("%w: got %d classifications for %d items",
			ErrInvalidResponse, len(classifications), itemCount)
	}
	return classifications, 0, nil
}

// finalizeError maps the last attempt error to the terminal kind the
// orchestrator expects.
func (c *Client) finalizeError(ctx context.Context, lastErr error) error {
	if lastErr == nil {
		lastErr = ErrNetwork
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request deadline exceeded", ErrUpstreamTimeout)
	}
	if errors.Is(lastErr, context.Canceled) {
		return lastErr
	}
	if ctx.Err() == context.DeadlineExceeded && isRetryable(lastErr) {
		return fmt.Errorf("%w: request deadline exhausted retries", ErrUpstreamTimeout)
	}
	return lastErr
}

func (c *Client) terminalContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: deadline during backoff", ErrUpstreamTimeout)
	}
	return err
}

// backoffDelay computes initial * multiplier^(attempt-1) with full jitter,
// capped at maxBackoff.
func (c *Client) backoffDelay(attempt int) time.Duration {
	backoff := float64(c.initialBackoff) * math.Pow(c.backoffMultiplier, float64(attempt-1))
	if backoff > float64(c.maxBackoff) {
		backoff = float64(c.maxBackoff)
	}
	c.mu.Lock()
	jittered := c.rand.Float64() * backoff
	c.mu.Unlock()
	return time.Duration(jittered)
}

// countsAsBreakerFailure implements the breaker accounting policy: network
// errors, timeouts, 5xx, and 429 count; other statuses, parse failures, and
// caller cancellation do not.
func countsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrNetwork) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return false
}

// isRetryable reports whether an attempt error is worth another try:
// network errors, timeouts, and the retryable status set (408, 425, 429,
// 5xx gateway statuses).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrNetwork) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusRequestTimeout, // 408
			http.StatusTooEarly,            // 425
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout:      // 504
			return true
		}
		return false
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Returns 0
// when the header is absent or unusable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func loggerFor(ctx context.Context, l logging.Logger) logging.Logger {
	if jl, ok := l.(*logging.JSONLogger); ok {
		return jl.ForRequest(ctx)
	}
	return l
}

// chatRequest is the OpenAI-compatible request envelope the upstream
// expects.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the subset of the chat-completions envelope we need when
// the upstream wraps its answer.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// parseClassifications accepts either a bare JSON array of classifications
// or a chat-completions envelope whose first choice content holds that
// array, optionally inside a markdown fence.
func parseClassifications(body []byte) ([]types.Classification, error) {
	var direct []types.Classification
	if err := json.Unmarshal(body, &direct); err == nil {
		return direct, nil
	}

	var envelope chatResponse
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Choices) == 0 {
		return nil, fmt.Errorf("%w: body is neither a classification array nor a chat envelope", ErrInvalidResponse)
	}

	content := strings.TrimSpace(envelope.Choices[0].Message.Content)
	content = stripFence(content)

	var fromContent []types.Classification
	if err := json.Unmarshal([]byte(content), &fromContent); err != nil {
		return nil, fmt.Errorf("%w: choice content is not a classification array", ErrInvalidResponse)
	}
	return fromContent, nil
}

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
