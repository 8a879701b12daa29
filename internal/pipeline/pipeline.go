package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tokenlens/tokenlens/internal/extractor"
	"github.com/tokenlens/tokenlens/internal/fetcher"
	"github.com/tokenlens/tokenlens/internal/normalizer"
	"github.com/tokenlens/tokenlens/internal/quality"
	"github.com/tokenlens/tokenlens/internal/resolver"
	"github.com/tokenlens/tokenlens/internal/router"
	"github.com/tokenlens/tokenlens/internal/scheduler"
	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/logging"
)

// ResultSink receives finished results and their persona assignments.
// Sinks are injected so the pipeline never knows where results go.
type ResultSink interface {
	Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error
}

// PipelineConfig configures pipeline behavior
type PipelineConfig struct {
	Workers      int           `json:"workers"`
	QueueSize    int           `json:"queue_size"`
	UnitDeadline time.Duration `json:"unit_deadline"`
	MinRelevance float64       `json:"min_relevance"`
	EventBuffer  int           `json:"event_buffer"`
	EventWorkers int           `json:"event_workers"`
}

// DefaultPipelineConfig returns default pipeline configuration
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Workers:      8,
		QueueSize:    256,
		UnitDeadline: 5 * time.Minute,
		MinRelevance: 0.5,
		EventBuffer:  512,
		EventWorkers: 2,
	}
}

// PipelineMetrics tracks pipeline throughput and outcomes
type PipelineMetrics struct {
	UnitsSubmitted int64     `json:"units_submitted"`
	UnitsCompleted int64     `json:"units_completed"`
	UnitsFailed    int64     `json:"units_failed"`
	UnitsTimedOut  int64     `json:"units_timed_out"`
	ResultsEmitted int64     `json:"results_emitted"`
	AverageQuality float64   `json:"average_quality"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Pipeline drives crawl units through resolution, scheduling, fetching,
// normalization, extraction, scoring and routing. Each unit's stages
// run strictly sequentially; units are processed concurrently by a
// fixed worker pool and may complete in any order. Only the scheduler's
// buckets are shared between units.
type Pipeline struct {
	resolver   *resolver.Resolver
	scheduler  *scheduler.Scheduler
	executor   *fetcher.Executor
	normalizer *normalizer.Normalizer
	extractor  *extractor.Extractor
	assessor   *quality.Assessor
	sink       ResultSink
	events     *EventBus
	config     *PipelineConfig

	// unitsMu guards the tracking map and every tracked unit's mutable
	// fields; workers mutate units while GetUnit serves copies
	units    map[string]*Unit
	unitsMu  sync.RWMutex
	jobQueue chan *Unit
	workers  []*unitWorker
	wg       sync.WaitGroup

	metrics   PipelineMetrics
	metricsMu sync.RWMutex
}

// unitWorker pulls queued units and processes them
type unitWorker struct {
	id       int
	pipeline *Pipeline
	stopCh   chan struct{}
	stopped  bool
	mu       sync.Mutex
}

// NewPipeline assembles a pipeline from its stage components. The sink
// may be nil when callers consume results synchronously via ProcessURL.
func NewPipeline(
	res *resolver.Resolver,
	sched *scheduler.Scheduler,
	exec *fetcher.Executor,
	norm *normalizer.Normalizer,
	extr *extractor.Extractor,
	assessor *quality.Assessor,
	sink ResultSink,
	config *PipelineConfig,
) *Pipeline {
	if config == nil {
		config = DefaultPipelineConfig()
	}

	return &Pipeline{
		resolver:   res,
		scheduler:  sched,
		executor:   exec,
		normalizer: norm,
		extractor:  extr,
		assessor:   assessor,
		sink:       sink,
		events:     NewEventBus(config.EventBuffer, config.EventWorkers),
		config:     config,
		units:      make(map[string]*Unit),
		jobQueue:   make(chan *Unit, config.QueueSize),
		metrics:    PipelineMetrics{LastUpdated: time.Now()},
	}
}

// Events returns the pipeline's event bus for observability subscribers
func (p *Pipeline) Events() *EventBus {
	return p.events
}

// Start launches the worker pool
func (p *Pipeline) Start(ctx context.Context) error {
	log.Info().
		Int("workers", p.config.Workers).
		Int("queue_size", p.config.QueueSize).
		Dur("unit_deadline", p.config.UnitDeadline).
		Msg("Starting pipeline")

	for i := 0; i < p.config.Workers; i++ {
		worker := &unitWorker{
			id:       i,
			pipeline: p,
			stopCh:   make(chan struct{}),
		}
		p.workers = append(p.workers, worker)
		p.wg.Add(1)
		go worker.run(ctx)
	}

	return nil
}

// Stop stops the workers and the event bus
func (p *Pipeline) Stop() {
	log.Info().Msg("Stopping pipeline")

	for _, worker := range p.workers {
		worker.stop()
	}
	p.wg.Wait()
	p.events.Close()

	log.Info().Msg("Pipeline stopped")
}

// Submit queues a URL for asynchronous processing and returns the
// tracking unit
func (p *Pipeline) Submit(ctx context.Context, rawURL string) (*Unit, error) {
	unit := NewUnit(rawURL, p.config.UnitDeadline)

	p.unitsMu.Lock()
	p.units[unit.ID] = unit
	p.unitsMu.Unlock()

	p.metricsMu.Lock()
	p.metrics.UnitsSubmitted++
	p.metrics.LastUpdated = time.Now()
	p.metricsMu.Unlock()

	select {
	case p.jobQueue <- unit:
		log.Debug().
			Str("unit_id", unit.ID).
			Str("url", rawURL).
			Msg("Unit queued")
		return unit, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		p.unitsMu.Lock()
		delete(p.units, unit.ID)
		p.unitsMu.Unlock()
		return nil, fmt.Errorf("job queue full")
	}
}

// GetUnit returns a copy of a tracked unit
func (p *Pipeline) GetUnit(unitID string) *Unit {
	p.unitsMu.RLock()
	defer p.unitsMu.RUnlock()

	if unit, exists := p.units[unitID]; exists {
		unitCopy := *unit
		return &unitCopy
	}
	return nil
}

// GetMetrics returns a snapshot of pipeline metrics
func (p *Pipeline) GetMetrics() PipelineMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}

// ProcessURL runs one URL through the whole pipeline synchronously. The
// unit is tracked like submitted ones so its transitions are observable.
func (p *Pipeline) ProcessURL(ctx context.Context, rawURL string) (*crawl.CrawlResult, []router.Assignment, error) {
	unit := NewUnit(rawURL, p.config.UnitDeadline)

	p.unitsMu.Lock()
	p.units[unit.ID] = unit
	p.unitsMu.Unlock()

	p.metricsMu.Lock()
	p.metrics.UnitsSubmitted++
	p.metrics.LastUpdated = time.Now()
	p.metricsMu.Unlock()

	return p.process(ctx, unit)
}

// run is the worker loop
func (w *unitWorker) run(ctx context.Context) {
	defer w.pipeline.wg.Done()

	log.Debug().Int("worker_id", w.id).Msg("Pipeline worker started")

	for {
		select {
		case unit := <-w.pipeline.jobQueue:
			if unit == nil {
				return
			}
			w.pipeline.process(ctx, unit)
		case <-w.stopCh:
			log.Debug().Int("worker_id", w.id).Msg("Pipeline worker stopping")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *unitWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped {
		close(w.stopCh)
		w.stopped = true
	}
}

// process executes the unit state machine. The unit's deadline is fixed
// at resolution; a deadline hit at any stage ends the unit as timed out
// with no partial result.
func (p *Pipeline) process(ctx context.Context, unit *Unit) (*crawl.CrawlResult, []router.Assignment, error) {
	start := time.Now()

	plan, err := p.resolver.Resolve(unit.URL)
	if err != nil {
		p.fail(unit, StateResolutionFailed, err)
		return nil, nil, err
	}

	tier := ""
	p.unitsMu.Lock()
	unit.BindingID = plan.Primary.ID
	if plan.Source != nil {
		unit.SourceID = plan.Source.ID
		unit.Tier = plan.Source.Tier
		tier = plan.Source.Tier
	}
	p.unitsMu.Unlock()
	p.transition(unit, StateResolved)

	unitCtx, cancel := context.WithDeadline(ctx, unit.Deadline)
	defer cancel()

	binding := plan.Primary

	// Every fetch attempt, retries included, re-enters the scheduler so
	// retried units pace like fresh ones. A deferral only ends the unit
	// when its deadline runs out.
	permit := func(permitCtx context.Context) (func(), error) {
		p.transition(unit, StateScheduled)
		for {
			release, err := p.scheduler.AcquireBinding(permitCtx, tier, binding.ID, binding.RateLimitPerMin)
			if err == nil {
				p.transition(unit, StateFetching)
				return release, nil
			}
			if permitCtx.Err() != nil || !crawl.IsDeferral(err) {
				return nil, err
			}
		}
	}

	resp, meta, err := p.executor.Execute(unitCtx, plan.URL, binding, permit)
	if meta.Attempts > 0 {
		p.unitsMu.Lock()
		unit.RetryCount = meta.Attempts - 1
		p.unitsMu.Unlock()
	}
	if err != nil {
		var timeoutErr *crawl.TimeoutError
		switch {
		case errors.As(err, &timeoutErr), unitCtx.Err() != nil, crawl.IsDeferral(err):
			p.fail(unit, StateTimedOut, err)
		default:
			p.fail(unit, StateFetchFailed, err)
		}
		return nil, nil, err
	}
	p.transition(unit, StateFetched)

	p.transition(unit, StateNormalizing)
	content, err := p.normalizer.Normalize(resp.Body, resp.ContentType, resp.FinalURL)
	if err != nil {
		if unitCtx.Err() != nil {
			p.fail(unit, StateTimedOut, err)
		} else {
			p.fail(unit, StateNormalizeFailed, err)
		}
		return nil, nil, err
	}
	p.transition(unit, StateNormalized)

	p.transition(unit, StateExtracting)
	input := extractor.Input{
		URL:        plan.URL,
		SourceID:   unit.SourceID,
		Normalized: content,
	}
	if isHTML(resp.ContentType) {
		input.RawHTML = resp.Body
	}

	extracted, err := p.extractor.Extract(unitCtx, input, p.resolver.Strategies(binding))
	if err != nil {
		if unitCtx.Err() != nil {
			p.fail(unit, StateTimedOut, err)
			return nil, nil, err
		}

		// All primary strategies failed: one shot at the fallback binding
		if fallback, ok := plan.Fallback(); ok {
			log.Warn().
				Str("unit_id", unit.ID).
				Str("primary_binding", binding.ID).
				Str("fallback_binding", fallback.ID).
				Msg("All strategies failed, trying fallback binding")
			binding = fallback
			p.unitsMu.Lock()
			unit.BindingID = fallback.ID
			p.unitsMu.Unlock()
			extracted, err = p.extractor.Extract(unitCtx, input, p.resolver.Strategies(fallback))
		}
		if err != nil {
			if unitCtx.Err() != nil {
				p.fail(unit, StateTimedOut, err)
			} else {
				p.fail(unit, StateExtractionFailed, err)
			}
			return nil, nil, err
		}
	}

	if extracted.Partial {
		p.transition(unit, StateExtractionPartial)
	} else {
		p.transition(unit, StateExtractionComplete)
	}

	if err := unitCtx.Err(); err != nil {
		p.fail(unit, StateTimedOut, err)
		return nil, nil, &crawl.TimeoutError{Stage: "score", Err: err}
	}

	score := p.assessor.Score(content, len(extracted.Entities), len(extracted.Triples))
	p.transition(unit, StateScored)

	result := &crawl.CrawlResult{
		ID:               uuid.New().String(),
		SourceID:         unit.SourceID,
		URL:              plan.URL,
		Content:          content,
		Entities:         extracted.Entities,
		Triples:          extracted.Triples,
		Fetch:            meta,
		QualityScore:     score,
		QualityVersion:   p.assessor.Version(),
		Partial:          extracted.Partial,
		FailedStrategies: extracted.Failures,
		CreatedAt:        time.Now(),
	}

	assignments := router.Route(result, plan.Source, p.config.MinRelevance)
	p.unitsMu.Lock()
	unit.FinishedAt = time.Now()
	p.unitsMu.Unlock()
	p.transition(unit, StateRouted)

	p.metricsMu.Lock()
	completed := p.metrics.UnitsCompleted
	p.metrics.AverageQuality = (p.metrics.AverageQuality*float64(completed) + score) / float64(completed+1)
	p.metrics.UnitsCompleted++
	p.metrics.LastUpdated = time.Now()
	p.metricsMu.Unlock()

	if p.sink != nil {
		if err := p.sink.Emit(ctx, result, assignments); err != nil {
			log.Error().
				Err(err).
				Str("result_id", result.ID).
				Msg("Result sink emit failed")
		} else {
			p.metricsMu.Lock()
			p.metrics.ResultsEmitted++
			p.metricsMu.Unlock()
		}
	}

	unitLog := logging.GetUnitLogger(unit.ID, string(StateRouted))
	unitLog.Info().
		Str("url", plan.URL).
		Float64("quality", score).
		Bool("partial", result.Partial).
		Int("assignments", len(assignments)).
		Dur("elapsed", time.Since(start)).
		Msg("Unit completed")

	return result, assignments, nil
}

// transition updates the unit state and publishes the matching event
func (p *Pipeline) transition(unit *Unit, state UnitState) {
	p.unitsMu.Lock()
	unit.State = state
	event := NewUnitEvent(unit, state)
	p.unitsMu.Unlock()

	if err := p.events.Publish(event); err != nil {
		log.Debug().
			Str("unit_id", unit.ID).
			Str("state", string(state)).
			Err(err).
			Msg("Transition event not published")
	}
}

// fail moves a unit to a terminal failure state. Terminal failures are
// reported through events, never silently dropped.
func (p *Pipeline) fail(unit *Unit, state UnitState, cause error) {
	p.unitsMu.Lock()
	unit.LastError = cause.Error()
	unit.FinishedAt = time.Now()
	unit.State = state
	event := NewUnitEvent(unit, state)
	p.unitsMu.Unlock()

	event.Error = cause.Error()
	if err := p.events.Publish(event); err != nil {
		log.Debug().Str("unit_id", unit.ID).Err(err).Msg("Failure event not published")
	}

	p.metricsMu.Lock()
	if state == StateTimedOut {
		p.metrics.UnitsTimedOut++
	}
	p.metrics.UnitsFailed++
	p.metrics.LastUpdated = time.Now()
	p.metricsMu.Unlock()

	unitLog := logging.GetUnitLogger(unit.ID, string(state))
	unitLog.Warn().
		Str("url", unit.URL).
		Err(cause).
		Msg("Unit failed")
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	return strings.Contains(contentType, "html")
}
