package crawl

import (
	"errors"
	"fmt"
	"time"
)

// ResolutionError reports that no binding matched a URL. It indicates a
// configuration gap, not a runtime fault, and is never retried.
type ResolutionError struct {
	URL string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no binding matches %s", e.URL)
}

// FetchError reports a failed fetch. Retryable distinguishes transient
// failures (timeout, 5xx, 429, connection reset) from terminal ones.
type FetchError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s failed (%s, status %d, %d attempts): %v",
			e.URL, kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s failed (%s, status %d, %d attempts)",
		e.URL, kind, e.StatusCode, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StrategyError reports a single strategy invocation failure. It is
// non-fatal to the unit; extraction completes with the survivors.
type StrategyError struct {
	StrategyID string
	Err        error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s failed: %v", e.StrategyID, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// TimeoutError reports that a unit's overall deadline elapsed at a
// suspension point. Timed-out units emit no partial result.
type TimeoutError struct {
	Stage string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deadline exceeded during %s: %v", e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// DeferralError reports a rate-limited fetch permit. It is not a
// failure; the scheduler retries transparently up to the unit deadline.
type DeferralError struct {
	Tier   string
	Waited time.Duration
	Err    error
}

func (e *DeferralError) Error() string {
	return fmt.Sprintf("fetch deferred by tier %s rate limit after %s: %v", e.Tier, e.Waited, e.Err)
}

func (e *DeferralError) Unwrap() error { return e.Err }

// IsRetryableFetch reports whether err is a retryable fetch failure
func IsRetryableFetch(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsDeferral reports whether err is a scheduling deferral
func IsDeferral(err error) bool {
	var de *DeferralError
	return errors.As(err, &de)
}
