package aiclient

import (
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced by Classify. The orchestrator branches on
// these with errors.Is; none of them carry upstream response bodies, so they
// are safe to place in user-facing messages.
var (
	// ErrRateLimited: no token became available within the wait budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen: the breaker refused the call, no upstream contact.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrUpstreamTimeout: the call (or its final retry) timed out.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrNetwork: connection-level failure after full retries.
	ErrNetwork = errors.New("upstream network error")

	// ErrInvalidResponse: upstream replied 200 with an unusable body.
	ErrInvalidResponse = errors.New("invalid upstream response")
)

// HTTPStatusError reports a terminal non-2xx upstream status.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.Code)
}

// IsDegradable reports whether err is an upstream-side failure the
// orchestrator must absorb with the fallback classification rather than
// surface to the caller.
func IsDegradable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.As(err, &statusErr)
}

// IsShortCircuit reports whether err means the upstream was never (or barely)
// contacted: breaker open, rate limit, or timeout. These degrade without
// counting the request as an error.
func IsShortCircuit(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrUpstreamTimeout)
}
