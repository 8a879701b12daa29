package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tokenlens/tokenlens/pkg/crawl"
)

// TierBucket implements a token bucket for one source tier. Buckets are
// explicit, independently-owned objects passed to the Scheduler at
// construction, never process-wide singletons, so multiple pipeline
// instances never share state accidentally.
type TierBucket struct {
	tier       string
	capacity   float64
	tokens     float64
	refillRate time.Duration // interval per token, derived from requests-per-minute
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTierBucket creates a bucket refilling at the tier's configured
// requests-per-minute, with a burst allowance of burst tokens
func NewTierBucket(tier string, requestsPerMinute, burst int) *TierBucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &TierBucket{
		tier:       tier,
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: time.Minute / time.Duration(requestsPerMinute),
		lastRefill: time.Now(),
	}
}

// TryAcquire attempts to take one token from the bucket
func (tb *TierBucket) TryAcquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// WaitDuration returns how long until the next token is available
func (tb *TierBucket) WaitDuration() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		return 0
	}
	missing := 1 - tb.tokens
	return time.Duration(missing * float64(tb.refillRate))
}

// Tokens returns the current token count
func (tb *TierBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// refund returns a consumed token, used when a paired bucket declined
func (tb *TierBucket) refund() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens++
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// refill adds tokens based on elapsed time. Caller holds the lock.
func (tb *TierBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}

	tb.tokens += float64(elapsed) / float64(tb.refillRate)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// SchedulerConfig configures scheduling behavior
type SchedulerConfig struct {
	AcquireTimeout time.Duration `json:"acquire_timeout"`
	MaxInFlight    int           `json:"max_in_flight"`
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		AcquireTimeout: 30 * time.Second,
		MaxInFlight:    32,
	}
}

// Scheduler issues fetch permits per source tier. Buckets are
// independent across tiers so a burst on one tier cannot starve
// another; a global in-flight cap bounds resource usage irrespective of
// per-tier budgets. The buckets are the pipeline's only synchronized
// shared resource.
type Scheduler struct {
	buckets  map[string]*TierBucket
	inFlight chan struct{}
	config   *SchedulerConfig

	bindingMu      sync.Mutex
	bindingBuckets map[string]*TierBucket
}

// NewScheduler creates a scheduler over the given per-tier buckets
func NewScheduler(buckets map[string]*TierBucket, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	s := &Scheduler{
		buckets:        buckets,
		inFlight:       make(chan struct{}, config.MaxInFlight),
		config:         config,
		bindingBuckets: make(map[string]*TierBucket),
	}

	log.Info().
		Int("tiers", len(buckets)).
		Int("max_in_flight", config.MaxInFlight).
		Dur("acquire_timeout", config.AcquireTimeout).
		Msg("Scheduler initialized")

	return s
}

// BucketsFromRates builds one bucket per tier from a tier → requests
// per minute map
func BucketsFromRates(rates map[string]int) map[string]*TierBucket {
	buckets := make(map[string]*TierBucket, len(rates))
	for tier, rpm := range rates {
		buckets[tier] = NewTierBucket(tier, rpm, 1)
	}
	return buckets
}

// Acquire blocks cooperatively until a fetch permit is available for
// the tier or the acquire timeout elapses. On success it returns a
// release function the caller must invoke once the fetch completes. A
// timeout is reported as a *crawl.DeferralError: rate-limited/deferred,
// not failed.
func (s *Scheduler) Acquire(ctx context.Context, tier string) (func(), error) {
	return s.AcquireBinding(ctx, tier, "", 0)
}

// AcquireBinding is Acquire with an additional per-binding budget. When
// the binding declares a requests-per-minute limit, a dedicated bucket
// is created lazily on first use and both budgets must grant before a
// permit is issued.
func (s *Scheduler) AcquireBinding(ctx context.Context, tier, bindingID string, bindingRPM int) (func(), error) {
	bucket, ok := s.buckets[tier]
	if !ok {
		return nil, fmt.Errorf("no bucket configured for tier %q", tier)
	}

	var bindingBucket *TierBucket
	if bindingID != "" && bindingRPM > 0 {
		bindingBucket = s.bindingBucket(bindingID, bindingRPM)
	}

	start := time.Now()
	deadline := start.Add(s.config.AcquireTimeout)
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Reserve a global in-flight slot first so tier tokens are not
	// consumed by fetches that cannot run yet
	select {
	case s.inFlight <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, &crawl.DeferralError{
			Tier:   tier,
			Waited: time.Since(start),
			Err:    fmt.Errorf("in-flight cap reached: %w", acquireCtx.Err()),
		}
	}

	release := func() { <-s.inFlight }

	for {
		if bucket.TryAcquire() {
			if bindingBucket == nil || bindingBucket.TryAcquire() {
				log.Debug().
					Str("tier", tier).
					Str("binding_id", bindingID).
					Dur("waited", time.Since(start)).
					Msg("Fetch permit acquired")
				return release, nil
			}
			// Binding budget declined, hand the tier token back
			bucket.refund()
		}

		wait := bucket.WaitDuration()
		if bindingBucket != nil {
			if bw := bindingBucket.WaitDuration(); bw > wait {
				wait = bw
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Re-attempt after the expected refill interval
		case <-acquireCtx.Done():
			timer.Stop()
			release()
			return nil, &crawl.DeferralError{
				Tier:   tier,
				Waited: time.Since(start),
				Err:    acquireCtx.Err(),
			}
		}
	}
}

// bindingBucket returns the bucket for a binding, creating it on first
// use
func (s *Scheduler) bindingBucket(bindingID string, rpm int) *TierBucket {
	s.bindingMu.Lock()
	defer s.bindingMu.Unlock()

	if bucket, ok := s.bindingBuckets[bindingID]; ok {
		return bucket
	}
	bucket := NewTierBucket("binding:"+bindingID, rpm, 1)
	s.bindingBuckets[bindingID] = bucket
	return bucket
}

// InFlight returns the current number of reserved fetch slots
func (s *Scheduler) InFlight() int {
	return len(s.inFlight)
}
