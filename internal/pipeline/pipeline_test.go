package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenlens/tokenlens/internal/extractor"
	"github.com/tokenlens/tokenlens/internal/fetcher"
	"github.com/tokenlens/tokenlens/internal/normalizer"
	"github.com/tokenlens/tokenlens/internal/quality"
	"github.com/tokenlens/tokenlens/internal/resolver"
	"github.com/tokenlens/tokenlens/internal/router"
	"github.com/tokenlens/tokenlens/internal/scheduler"
	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/source"
)

const pipelineCatalog = `
sources:
  - id: example
    name: Example
    url: https://example.com
    tier: free
    persona_relevance:
      trader: 0.9
      builder: 0.2

strategies:
  - id: headline
    kind: selector
    schema:
      - name: token
        type: entity:token
    selectors:
      token: h1
      summary: p
  - id: needs-invoker
    kind: schema
    provider: default
    schema:
      - name: summary
        type: string

bindings:
  - id: example-pages
    source_id: example
    kind: domain
    pattern: example.com
    strategy_ids: [headline]
    priority: 5
    max_attempts: 2
    backoff_base: 1ms

  - id: example-schema-only
    source_id: example
    kind: path-prefix
    pattern: https://example.com/reports
    strategy_ids: [needs-invoker]
    priority: 10
    max_attempts: 2
    backoff_base: 1ms

  - id: example-mixed
    source_id: example
    kind: path-prefix
    pattern: https://example.com/mixed
    strategy_ids: [headline, needs-invoker]
    priority: 20
    max_attempts: 2
    backoff_base: 1ms
`

const pipelinePage = `<html><head><title>Bitcoin Overview</title></head><body>
<h1>Bitcoin</h1>
<p>Bitcoin is the largest token by market capitalization and trades on every major exchange.</p>
</body></html>`

// cannedFetcher answers every fetch with the same response or error
type cannedFetcher struct {
	response *fetcher.FetchResponse
	err      error

	mu    sync.Mutex
	calls int
}

func (c *cannedFetcher) Fetch(ctx context.Context, rawURL string, opts fetcher.FetchOptions) (*fetcher.FetchResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	resp := *c.response
	resp.FinalURL = rawURL
	return &resp, nil
}

func (c *cannedFetcher) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func htmlFetcher(body string) *cannedFetcher {
	return &cannedFetcher{
		response: &fetcher.FetchResponse{
			Body:        []byte(body),
			StatusCode:  200,
			ContentType: "text/html; charset=utf-8",
			Latency:     time.Millisecond,
		},
	}
}

// sequenceFetcher answers fetches from a scripted list of status codes,
// serving the final entry's body for the eventual success
type sequenceFetcher struct {
	statuses []int
	body     string

	mu    sync.Mutex
	calls int
}

func (s *sequenceFetcher) Fetch(ctx context.Context, rawURL string, opts fetcher.FetchOptions) (*fetcher.FetchResponse, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return &fetcher.FetchResponse{
		Body:        []byte(s.body),
		StatusCode:  s.statuses[idx],
		ContentType: "text/html",
		FinalURL:    rawURL,
		Latency:     time.Millisecond,
	}, nil
}

// memorySink captures emitted results for assertions
type memorySink struct {
	mu          sync.Mutex
	results     []*crawl.CrawlResult
	assignments [][]router.Assignment
}

func (m *memorySink) Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	m.assignments = append(m.assignments, assignments)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func buildPipeline(t *testing.T, fetch fetcher.Fetcher, invoker extractor.Invoker, sink ResultSink, config *PipelineConfig) *Pipeline {
	t.Helper()

	catalog, err := source.ParseCatalog([]byte(pipelineCatalog))
	require.NoError(t, err)

	res := resolver.NewResolver(catalog, nil)
	sched := scheduler.NewScheduler(
		scheduler.BucketsFromRates(map[string]int{"free": 6000}),
		&scheduler.SchedulerConfig{AcquireTimeout: time.Second, MaxInFlight: 4},
	)
	exec := fetcher.NewExecutor(fetch, &fetcher.ExecutorConfig{
		MaxBodySize:    1 << 20,
		MaxBackoff:     5 * time.Millisecond,
		JitterFraction: 0,
	})
	norm := normalizer.NewNormalizer(nil)
	extr := extractor.NewExtractor(invoker, &extractor.ExtractorConfig{
		StrategyTimeout: time.Second,
		MaxConcurrent:   4,
	})

	if config == nil {
		config = &PipelineConfig{
			Workers:      2,
			QueueSize:    16,
			UnitDeadline: 5 * time.Second,
			MinRelevance: 0.5,
			EventBuffer:  64,
			EventWorkers: 1,
		}
	}

	return NewPipeline(res, sched, exec, norm, extr, quality.NewAssessor(nil), sink, config)
}

func TestProcessURLEndToEnd(t *testing.T) {
	sink := &memorySink{}
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, sink, nil)

	result, assignments, err := p.ProcessURL(context.Background(), "https://example.com/coins/bitcoin")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "example", result.SourceID)
	assert.Equal(t, "https://example.com/coins/bitcoin", result.URL)
	assert.NotEmpty(t, result.ID)
	assert.False(t, result.Partial)
	assert.Equal(t, "qw-v1", result.QualityVersion)
	assert.Greater(t, result.QualityScore, 0.0)
	assert.LessOrEqual(t, result.QualityScore, 1.0)

	require.NotNil(t, result.Content)
	assert.Equal(t, "Bitcoin Overview", result.Content.Title)
	assert.Contains(t, result.Content.Text, "Bitcoin")

	require.Len(t, result.Entities, 1)
	assert.Equal(t, "Bitcoin", result.Entities[0].Name)
	assert.Equal(t, crawl.EntityTypeToken, result.Entities[0].Type)

	// Only trader clears the default relevance threshold
	require.Len(t, assignments, 1)
	assert.Equal(t, "trader", assignments[0].PersonaID)

	assert.Equal(t, 1, sink.count())

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics.UnitsSubmitted)
	assert.Equal(t, int64(1), metrics.UnitsCompleted)
	assert.Equal(t, int64(1), metrics.ResultsEmitted)
	assert.Equal(t, result.QualityScore, metrics.AverageQuality)
}

func TestProcessURLResolutionFailure(t *testing.T) {
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, nil, nil)

	_, _, err := p.ProcessURL(context.Background(), "https://unmapped.io/page")
	require.Error(t, err)

	var resErr *crawl.ResolutionError
	assert.ErrorAs(t, err, &resErr)

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics.UnitsFailed)
	assert.Equal(t, int64(0), metrics.UnitsCompleted)
}

func TestProcessURLTerminalFetchFailure(t *testing.T) {
	fetch := htmlFetcher("not found")
	fetch.response.StatusCode = 404

	p := buildPipeline(t, fetch, nil, nil, nil)

	_, _, err := p.ProcessURL(context.Background(), "https://example.com/gone")
	require.Error(t, err)

	var fetchErr *crawl.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.False(t, fetchErr.Retryable)
	// Terminal status ends retrying immediately
	assert.Equal(t, 1, fetch.callCount())

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics.UnitsFailed)
	assert.Equal(t, int64(0), metrics.UnitsTimedOut)
}

func TestProcessURLRetryableFailureExhaustsAttempts(t *testing.T) {
	fetch := htmlFetcher("unavailable")
	fetch.response.StatusCode = 503

	p := buildPipeline(t, fetch, nil, nil, nil)

	_, _, err := p.ProcessURL(context.Background(), "https://example.com/flaky")
	require.Error(t, err)

	var fetchErr *crawl.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.Retryable)
	assert.Equal(t, 2, fetch.callCount())
}

func TestProcessURLDeadlineYieldsNoPartialResult(t *testing.T) {
	sink := &memorySink{}
	config := &PipelineConfig{
		Workers:      1,
		QueueSize:    4,
		UnitDeadline: time.Nanosecond,
		MinRelevance: 0.5,
		EventBuffer:  64,
		EventWorkers: 1,
	}
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, sink, config)

	result, assignments, err := p.ProcessURL(context.Background(), "https://example.com/coins/bitcoin")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Nil(t, assignments)
	assert.Equal(t, 0, sink.count())

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics.UnitsTimedOut)
	assert.Equal(t, int64(1), metrics.UnitsFailed)
}

func TestProcessURLFallbackBinding(t *testing.T) {
	// The schema-only binding wins resolution on priority but has no
	// invoker behind it, so the unit falls back to the selector binding
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, nil, nil)

	result, _, err := p.ProcessURL(context.Background(), "https://example.com/reports/q1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "Bitcoin", result.Entities[0].Name)

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics.UnitsCompleted)
}

func TestProcessURLRetryThenSuccessReachesRouted(t *testing.T) {
	fetch := &sequenceFetcher{statuses: []int{503, 200}, body: pipelinePage}

	p := buildPipeline(t, fetch, nil, nil, nil)

	result, _, err := p.ProcessURL(context.Background(), "https://example.com/coins/bitcoin")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 2, result.Fetch.Attempts)

	tracked := trackedUnit(t, p)
	assert.Equal(t, StateRouted, tracked.State)
	assert.Equal(t, 1, tracked.RetryCount)
}

func TestProcessURLPartialExtraction(t *testing.T) {
	// The mixed binding carries a selector strategy and a schema strategy;
	// with no invoker the schema half fails and the unit completes partial
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, nil, nil)

	result, assignments, err := p.ProcessURL(context.Background(), "https://example.com/mixed/page")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Partial)
	require.Len(t, result.FailedStrategies, 1)
	assert.Equal(t, "needs-invoker", result.FailedStrategies[0].StrategyID)
	assert.Greater(t, result.QualityScore, 0.0)
	assert.Len(t, assignments, 1)

	tracked := trackedUnit(t, p)
	assert.Equal(t, StateRouted, tracked.State)
}

// trackedUnit returns the single unit a one-shot test left in the
// pipeline's tracking map
func trackedUnit(t *testing.T, p *Pipeline) *Unit {
	t.Helper()

	p.unitsMu.RLock()
	defer p.unitsMu.RUnlock()
	require.Len(t, p.units, 1)
	for _, unit := range p.units {
		return unit
	}
	return nil
}

func TestSubmitProcessesAsynchronously(t *testing.T) {
	sink := &memorySink{}
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, sink, nil)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	unit, err := p.Submit(ctx, "https://example.com/coins/ethereum")
	require.NoError(t, err)
	require.NotNil(t, unit)

	time.Sleep(300 * time.Millisecond)

	tracked := p.GetUnit(unit.ID)
	require.NotNil(t, tracked)
	assert.Equal(t, StateRouted, tracked.State)
	assert.True(t, tracked.State.Terminal())
	assert.False(t, tracked.FinishedAt.IsZero())

	assert.Equal(t, 1, sink.count())
}

// Polls GetUnit while a worker drives the unit through its stages, so
// snapshot reads overlap live state writes.
func TestGetUnitConcurrentWithProcessing(t *testing.T) {
	sink := &memorySink{}
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, sink, nil)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	unit, err := p.Submit(ctx, "https://example.com/coins/bitcoin")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		tracked := p.GetUnit(unit.ID)
		require.NotNil(t, tracked)
		if tracked.State.Terminal() {
			assert.Equal(t, StateRouted, tracked.State)
			assert.Equal(t, "example", tracked.SourceID)
			assert.Equal(t, "free", tracked.Tier)
			assert.False(t, tracked.FinishedAt.IsZero())
			return
		}
		select {
		case <-deadline:
			t.Fatalf("unit never reached a terminal state, last seen %s", tracked.State)
		default:
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	config := &PipelineConfig{
		Workers:      1,
		QueueSize:    1,
		UnitDeadline: time.Second,
		MinRelevance: 0.5,
		EventBuffer:  8,
		EventWorkers: 1,
	}
	// Workers are never started, so the queue stays full
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, nil, config)

	ctx := context.Background()
	first, err := p.Submit(ctx, "https://example.com/a")
	require.NoError(t, err)

	_, err = p.Submit(ctx, "https://example.com/b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")

	// The rejected unit is not tracked; the queued one is
	assert.NotNil(t, p.GetUnit(first.ID))
}

func TestGetUnitReturnsCopy(t *testing.T) {
	p := buildPipeline(t, htmlFetcher(pipelinePage), nil, nil, nil)

	result, _, err := p.ProcessURL(context.Background(), "https://example.com/coins/bitcoin")
	require.NoError(t, err)
	require.NotNil(t, result)

	p.unitsMu.RLock()
	var unitID string
	for id := range p.units {
		unitID = id
	}
	p.unitsMu.RUnlock()

	copy1 := p.GetUnit(unitID)
	require.NotNil(t, copy1)
	copy1.State = StateFetchFailed

	copy2 := p.GetUnit(unitID)
	assert.Equal(t, StateRouted, copy2.State)
}
