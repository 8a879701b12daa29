package extractor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/source"
)

// ExtractorConfig configures extraction behavior
type ExtractorConfig struct {
	StrategyTimeout time.Duration `json:"strategy_timeout"`
	MaxConcurrent   int           `json:"max_concurrent"`
}

// DefaultExtractorConfig returns default extractor configuration
func DefaultExtractorConfig() *ExtractorConfig {
	return &ExtractorConfig{
		StrategyTimeout: 60 * time.Second,
		MaxConcurrent:   4,
	}
}

// Result is the merged outcome of one unit's extraction stage
type Result struct {
	Fields   map[string]FieldValue   `json:"fields"`
	Audit    map[string]string       `json:"audit,omitempty"` // discarded alternatives, keyed discarded:<field>
	Entities []crawl.Entity          `json:"entities"`
	Triples  []crawl.Triple          `json:"triples"`
	Partial  bool                    `json:"partial"`
	Failures []crawl.StrategyFailure `json:"failures,omitempty"`
}

// Extractor runs the strategies attached to a binding over normalized
// content and merges their outputs
type Extractor struct {
	invoker Invoker
	config  *ExtractorConfig
}

// NewExtractor creates an extractor around a strategy-invocation
// capability. The capability may be nil if only selector strategies are
// configured.
func NewExtractor(invoker Invoker, config *ExtractorConfig) *Extractor {
	if config == nil {
		config = DefaultExtractorConfig()
	}
	return &Extractor{
		invoker: invoker,
		config:  config,
	}
}

// Extract invokes every descriptor concurrently and merges the results.
// A strategy failure is recorded as partial, never fatal to the unit;
// extraction completes with whatever strategies succeeded. All
// strategies complete (or are marked failed) before Extract returns.
func (e *Extractor) Extract(ctx context.Context, input Input, descriptors []source.StrategyDescriptor) (*Result, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("no strategies to run")
	}

	outputs := make([]*StrategyOutput, len(descriptors))
	failures := make([]*crawl.StrategyFailure, len(descriptors))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.MaxConcurrent)

	for i, descriptor := range descriptors {
		group.Go(func() error {
			strategy, err := buildStrategy(descriptor, e.invoker)
			if err != nil {
				failures[i] = &crawl.StrategyFailure{StrategyID: descriptor.ID, Cause: err.Error()}
				return nil
			}

			runCtx := groupCtx
			if e.config.StrategyTimeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(groupCtx, e.config.StrategyTimeout)
				defer cancel()
			}

			output, err := strategy.Run(runCtx, input)
			if err != nil {
				log.Warn().
					Str("strategy_id", descriptor.ID).
					Str("url", input.URL).
					Err(err).
					Msg("Strategy invocation failed")
				failures[i] = &crawl.StrategyFailure{StrategyID: descriptor.ID, Cause: err.Error()}
				return nil
			}

			outputs[i] = output
			return nil
		})
	}

	// Strategy errors are recorded, not propagated, so Wait only fails
	// on context cancellation
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &crawl.TimeoutError{Stage: "extract", Err: err}
	}

	result := merge(outputs, input.SourceID)
	for _, failure := range failures {
		if failure != nil {
			result.Failures = append(result.Failures, *failure)
		}
	}
	result.Partial = len(result.Failures) > 0

	if len(result.Failures) == len(descriptors) {
		return result, fmt.Errorf("all %d strategies failed", len(descriptors))
	}

	log.Debug().
		Str("url", input.URL).
		Int("strategies", len(descriptors)).
		Int("failed", len(result.Failures)).
		Int("entities", len(result.Entities)).
		Int("triples", len(result.Triples)).
		Bool("partial", result.Partial).
		Msg("Extraction completed")

	return result, nil
}

// merge combines strategy outputs field-by-field. Conflicts resolve to
// the higher-confidence value; the discarded alternative is recorded in
// the audit bag. Silent overwrite is forbidden.
func merge(outputs []*StrategyOutput, sourceID string) *Result {
	result := &Result{
		Fields: make(map[string]FieldValue),
		Audit:  make(map[string]string),
	}

	entityKeep := make(map[string]int) // entity key -> index into result.Entities

	for _, output := range outputs {
		if output == nil {
			continue
		}

		// Deterministic field order within one output
		fields := make([]string, 0, len(output.Fields))
		for field := range output.Fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			incoming := output.Fields[field]
			existing, ok := result.Fields[field]
			if !ok {
				result.Fields[field] = incoming
				continue
			}

			if incoming.Confidence > existing.Confidence {
				result.Audit["discarded:"+field] = fmt.Sprintf("%s (confidence %.2f, strategy %s)",
					existing.Value, existing.Confidence, existing.StrategyID)
				result.Fields[field] = incoming
			} else {
				result.Audit["discarded:"+field] = fmt.Sprintf("%s (confidence %.2f, strategy %s)",
					incoming.Value, incoming.Confidence, incoming.StrategyID)
			}
		}

		for _, entity := range output.Entities {
			key := string(entity.Type) + "|" + entity.Name
			if idx, ok := entityKeep[key]; ok {
				kept := &result.Entities[idx]
				loser := entity
				if entity.Confidence > kept.Confidence {
					loser = *kept
					entity.Properties = mergeProperties(kept.Properties, entity.Properties)
					*kept = entity
				}
				if kept.Properties == nil {
					kept.Properties = make(map[string]string)
				}
				kept.Properties["discarded:"+loser.Name] = fmt.Sprintf("confidence %.2f", loser.Confidence)
				continue
			}
			entityKeep[key] = len(result.Entities)
			result.Entities = append(result.Entities, entity)
		}

		for _, triple := range output.Triples {
			if triple.SourceID == "" {
				triple.SourceID = sourceID
			}
			result.Triples = append(result.Triples, triple)
		}
	}

	return result
}

func mergeProperties(older, newer map[string]string) map[string]string {
	merged := make(map[string]string, len(older)+len(newer))
	for k, v := range older {
		merged[k] = v
	}
	for k, v := range newer {
		merged[k] = v
	}
	return merged
}
