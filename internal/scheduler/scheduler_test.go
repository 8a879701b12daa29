package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenlens/tokenlens/pkg/crawl"
)

func TestTierBucketRefillPacing(t *testing.T) {
	// 600 rpm = one token every 100ms
	bucket := NewTierBucket("free", 600, 1)

	assert.True(t, bucket.TryAcquire())
	assert.False(t, bucket.TryAcquire())

	wait := bucket.WaitDuration()
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 100*time.Millisecond)

	time.Sleep(wait + 10*time.Millisecond)
	assert.True(t, bucket.TryAcquire())
}

func TestTierBucketBurstCap(t *testing.T) {
	bucket := NewTierBucket("free", 60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, bucket.TryAcquire(), "burst token %d", i)
	}
	assert.False(t, bucket.TryAcquire())

	// Tokens never accumulate past capacity
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, bucket.Tokens(), 3.0)
}

func TestAcquireEnforcesRate(t *testing.T) {
	buckets := BucketsFromRates(map[string]int{"free": 600})
	s := NewScheduler(buckets, &SchedulerConfig{
		AcquireTimeout: 2 * time.Second,
		MaxInFlight:    4,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := s.Acquire(context.Background(), "free")
		require.NoError(t, err)
		release()
	}
	elapsed := time.Since(start)

	// Three permits at one token per 100ms: the second and third wait
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestAcquireUnknownTier(t *testing.T) {
	s := NewScheduler(BucketsFromRates(map[string]int{"free": 60}), nil)

	_, err := s.Acquire(context.Background(), "premium")
	assert.Error(t, err)
}

func TestAcquireTimeoutIsDeferral(t *testing.T) {
	// 1 rpm: the second permit would take a minute
	buckets := BucketsFromRates(map[string]int{"slow": 1})
	s := NewScheduler(buckets, &SchedulerConfig{
		AcquireTimeout: 50 * time.Millisecond,
		MaxInFlight:    4,
	})

	release, err := s.Acquire(context.Background(), "slow")
	require.NoError(t, err)
	release()

	_, err = s.Acquire(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, crawl.IsDeferral(err))

	var deferral *crawl.DeferralError
	require.ErrorAs(t, err, &deferral)
	assert.Equal(t, "slow", deferral.Tier)
	assert.Greater(t, deferral.Waited, time.Duration(0))
}

func TestAcquireContextCancellation(t *testing.T) {
	buckets := BucketsFromRates(map[string]int{"slow": 1})
	s := NewScheduler(buckets, &SchedulerConfig{
		AcquireTimeout: 10 * time.Second,
		MaxInFlight:    4,
	})

	release, err := s.Acquire(context.Background(), "slow")
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = s.Acquire(ctx, "slow")
	require.Error(t, err)
	assert.True(t, crawl.IsDeferral(err))
}

func TestInFlightCap(t *testing.T) {
	buckets := map[string]*TierBucket{
		"free": NewTierBucket("free", 6000, 10),
	}
	s := NewScheduler(buckets, &SchedulerConfig{
		AcquireTimeout: 50 * time.Millisecond,
		MaxInFlight:    2,
	})

	releaseA, err := s.Acquire(context.Background(), "free")
	require.NoError(t, err)
	releaseB, err := s.Acquire(context.Background(), "free")
	require.NoError(t, err)
	assert.Equal(t, 2, s.InFlight())

	// Third permit blocks on the in-flight cap despite available tokens
	_, err = s.Acquire(context.Background(), "free")
	require.Error(t, err)
	assert.True(t, crawl.IsDeferral(err))

	releaseA()
	releaseB()
	assert.Equal(t, 0, s.InFlight())

	release, err := s.Acquire(context.Background(), "free")
	require.NoError(t, err)
	release()
}

func TestAcquireBindingBudget(t *testing.T) {
	// Generous tier budget, tight binding budget: the binding is the
	// limiting factor
	buckets := map[string]*TierBucket{
		"free": NewTierBucket("free", 6000, 10),
	}
	s := NewScheduler(buckets, &SchedulerConfig{
		AcquireTimeout: 50 * time.Millisecond,
		MaxInFlight:    8,
	})

	release, err := s.AcquireBinding(context.Background(), "free", "binding-1", 1)
	require.NoError(t, err)
	release()

	_, err = s.AcquireBinding(context.Background(), "free", "binding-1", 1)
	require.Error(t, err)
	assert.True(t, crawl.IsDeferral(err))

	// A different binding is unaffected
	release, err = s.AcquireBinding(context.Background(), "free", "binding-2", 60)
	require.NoError(t, err)
	release()
}

func TestBucketsAreIndependentAcrossTiers(t *testing.T) {
	buckets := BucketsFromRates(map[string]int{"free": 1, "premium": 600})
	s := NewScheduler(buckets, &SchedulerConfig{
		AcquireTimeout: 50 * time.Millisecond,
		MaxInFlight:    8,
	})

	release, err := s.Acquire(context.Background(), "free")
	require.NoError(t, err)
	release()

	// free is exhausted, premium still grants
	_, err = s.Acquire(context.Background(), "free")
	assert.Error(t, err)

	release, err = s.Acquire(context.Background(), "premium")
	require.NoError(t, err)
	release()
}
