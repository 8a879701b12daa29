package fetcher

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/source"
)

// ExecutorConfig configures fetch execution behavior
type ExecutorConfig struct {
	UserAgent      string        `json:"user_agent"`
	MaxBodySize    int64         `json:"max_body_size"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	JitterFraction float64       `json:"jitter_fraction"`
}

// DefaultExecutorConfig returns default executor configuration
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		UserAgent:      "TokenLens/1.0 (+https://tokenlens.io/bot)",
		MaxBodySize:    10 * 1024 * 1024, // 10MB
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.5,
	}
}

// PermitFunc grants permission for one fetch attempt. It returns a
// release function the executor invokes when the attempt completes.
// Each retry re-acquires a permit so retries pace like fresh requests.
type PermitFunc func(ctx context.Context) (func(), error)

// Executor drives the injected fetch capability under a binding's
// timeout and retry policy: exponential backoff with jitter, bounded
// attempts, retryable vs terminal classification. Fetch metadata is
// attached to the eventual result regardless of success or failure.
type Executor struct {
	fetcher Fetcher
	config  *ExecutorConfig
}

// NewExecutor creates a fetch executor around a fetch capability
func NewExecutor(fetcher Fetcher, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		fetcher: fetcher,
		config:  config,
	}
}

// Execute fetches a URL under the binding's retry policy. A non-nil
// permit is acquired before every attempt, retries included. The
// returned metadata is populated win or lose. Failure is a
// *crawl.FetchError carrying the retryable/terminal classification of
// the last attempt, or the permit's own error when a permit could not
// be obtained.
func (e *Executor) Execute(ctx context.Context, rawURL string, binding *source.Binding, permit PermitFunc) (*FetchResponse, crawl.FetchMetadata, error) {
	meta := crawl.FetchMetadata{
		URL:       rawURL,
		FetchedAt: time.Now(),
	}

	opts := FetchOptions{
		Timeout:     binding.FetchTimeout,
		UserAgent:   e.config.UserAgent,
		MaxBodySize: e.config.MaxBodySize,
	}

	maxAttempts := binding.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = source.DefaultRetryPolicy().MaxAttempts
	}

	var lastErr error
	lastRetryable := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := e.backoff(binding.Retry.BackoffBase, attempt-1)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				meta.Attempts = attempt - 1
				meta.Error = ctx.Err().Error()
				return nil, meta, &crawl.TimeoutError{Stage: "fetch", Err: ctx.Err()}
			}
		}

		var release func()
		if permit != nil {
			var err error
			release, err = permit(ctx)
			if err != nil {
				meta.Attempts = attempt - 1
				meta.Error = err.Error()
				return nil, meta, err
			}
		}

		resp, err := e.fetcher.Fetch(ctx, rawURL, opts)
		if release != nil {
			release()
		}
		meta.Attempts = attempt

		if err != nil {
			logAttempt(rawURL, attempt, 0, 0, err)
			if ctx.Err() != nil {
				meta.Error = ctx.Err().Error()
				return nil, meta, &crawl.TimeoutError{Stage: "fetch", Err: ctx.Err()}
			}
			lastErr = err
			lastRetryable = classifyError(err)
			if !lastRetryable {
				break
			}
			continue
		}

		meta.StatusCode = resp.StatusCode
		meta.Latency = resp.Latency
		meta.BodyBytes = int64(len(resp.Body))
		logAttempt(rawURL, attempt, resp.StatusCode, resp.Latency, nil)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			log.Debug().
				Str("url", rawURL).
				Int("attempts", attempt).
				Int64("body_bytes", meta.BodyBytes).
				Msg("Fetch succeeded")
			return resp, meta, nil
		}

		lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		lastRetryable = classifyStatus(resp.StatusCode)
		if !lastRetryable {
			break
		}
	}

	meta.Error = lastErr.Error()

	fetchErr := &crawl.FetchError{
		URL:        rawURL,
		StatusCode: meta.StatusCode,
		Retryable:  lastRetryable,
		Attempts:   meta.Attempts,
		Err:        lastErr,
	}

	log.Warn().
		Str("url", rawURL).
		Int("attempts", meta.Attempts).
		Int("status_code", meta.StatusCode).
		Bool("retryable", lastRetryable).
		Err(lastErr).
		Msg("Fetch failed")

	return nil, meta, fetchErr
}

// backoff computes exponential backoff with jitter for the given retry
// ordinal, capped at MaxBackoff
func (e *Executor) backoff(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = source.DefaultRetryPolicy().BackoffBase
	}

	backoff := base
	for i := 1; i < retry; i++ {
		backoff *= 2
		if backoff >= e.config.MaxBackoff {
			backoff = e.config.MaxBackoff
			break
		}
	}

	jitter := 1 + e.config.JitterFraction*(rand.Float64()*2-1)
	jittered := time.Duration(float64(backoff) * jitter)
	if jittered > e.config.MaxBackoff {
		jittered = e.config.MaxBackoff
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
