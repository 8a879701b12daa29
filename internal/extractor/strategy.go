package extractor

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/source"
)

// FieldValue is one extracted field with its confidence
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	StrategyID string  `json:"strategy_id"`
}

// StrategyOutput is the structured record plus confidence produced by
// one strategy invocation
type StrategyOutput struct {
	StrategyID string                `json:"strategy_id"`
	Fields     map[string]FieldValue `json:"fields,omitempty"`
	Entities   []crawl.Entity        `json:"entities,omitempty"`
	Triples    []crawl.Triple        `json:"triples,omitempty"`
	Confidence float64               `json:"confidence"`
}

// Input is the material one unit's extraction stage works on. RawHTML
// carries the original markup for selector strategies; schema
// strategies consume the normalized text.
type Input struct {
	URL        string
	SourceID   string
	Normalized *crawl.NormalizedContent
	RawHTML    []byte
}

// Invoker is the injected strategy-invocation capability for
// schema-driven strategies. The core never branches on provider
// identity; all provider-specific behavior lives behind this interface.
type Invoker interface {
	Invoke(ctx context.Context, descriptor source.StrategyDescriptor, input Input) (*StrategyOutput, error)
}

// Strategy executes one extraction unit against an input
type Strategy interface {
	ID() string
	Run(ctx context.Context, input Input) (*StrategyOutput, error)
}

// buildStrategy materializes a descriptor into a runnable strategy
func buildStrategy(descriptor source.StrategyDescriptor, invoker Invoker) (Strategy, error) {
	switch descriptor.Kind {
	case source.StrategySchema:
		if invoker == nil {
			return nil, fmt.Errorf("strategy %s requires an invocation capability", descriptor.ID)
		}
		return &schemaStrategy{descriptor: descriptor, invoker: invoker}, nil
	case source.StrategySelector:
		return &selectorStrategy{descriptor: descriptor}, nil
	default:
		return nil, fmt.Errorf("strategy %s has unknown kind %q", descriptor.ID, descriptor.Kind)
	}
}

// schemaStrategy delegates schema-driven structured extraction to the
// injected invocation capability
type schemaStrategy struct {
	descriptor source.StrategyDescriptor
	invoker    Invoker
}

func (s *schemaStrategy) ID() string { return s.descriptor.ID }

func (s *schemaStrategy) Run(ctx context.Context, input Input) (*StrategyOutput, error) {
	output, err := s.invoker.Invoke(ctx, s.descriptor, input)
	if err != nil {
		return nil, &crawl.StrategyError{StrategyID: s.descriptor.ID, Err: err}
	}
	if output == nil {
		return nil, &crawl.StrategyError{StrategyID: s.descriptor.ID, Err: fmt.Errorf("provider returned no record")}
	}
	output.StrategyID = s.descriptor.ID
	return output, nil
}

// selectorConfidence is the fixed confidence assigned to values pulled
// by CSS selector rules; selector hits are structural, not semantic
const selectorConfidence = 0.6

// selectorStrategy performs rule-based CSS selector extraction
// in-process against the raw markup
type selectorStrategy struct {
	descriptor source.StrategyDescriptor
}

func (s *selectorStrategy) ID() string { return s.descriptor.ID }

func (s *selectorStrategy) Run(ctx context.Context, input Input) (*StrategyOutput, error) {
	if len(input.RawHTML) == 0 {
		return nil, &crawl.StrategyError{
			StrategyID: s.descriptor.ID,
			Err:        fmt.Errorf("selector strategy requires raw markup"),
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(input.RawHTML))
	if err != nil {
		return nil, &crawl.StrategyError{StrategyID: s.descriptor.ID, Err: fmt.Errorf("failed to parse markup: %w", err)}
	}

	fieldTypes := make(map[string]string, len(s.descriptor.Schema))
	for _, field := range s.descriptor.Schema {
		fieldTypes[field.Name] = field.Type
	}

	output := &StrategyOutput{
		StrategyID: s.descriptor.ID,
		Fields:     make(map[string]FieldValue),
		Confidence: selectorConfidence,
	}

	for field, selector := range s.descriptor.Selectors {
		if err := ctx.Err(); err != nil {
			return nil, &crawl.StrategyError{StrategyID: s.descriptor.ID, Err: err}
		}

		value := strings.TrimSpace(doc.Find(selector).First().Text())
		if value == "" {
			continue
		}
		value = strings.Join(strings.Fields(value), " ")

		output.Fields[field] = FieldValue{
			Value:      value,
			Confidence: selectorConfidence,
			StrategyID: s.descriptor.ID,
		}

		if kind, ok := fieldTypes[field]; ok && strings.HasPrefix(kind, "entity") {
			output.Entities = append(output.Entities, crawl.Entity{
				Name:       value,
				Type:       entityTypeOf(kind),
				Confidence: selectorConfidence,
				Context:    snippet(input.Normalized, value),
			})
		}
	}

	if len(output.Fields) == 0 {
		return nil, &crawl.StrategyError{
			StrategyID: s.descriptor.ID,
			Err:        fmt.Errorf("no selector matched any content"),
		}
	}

	return output, nil
}

// entityTypeOf maps a schema field type like "entity:token" to the
// entity type; a bare "entity" stays untyped
func entityTypeOf(kind string) crawl.EntityType {
	_, subtype, found := strings.Cut(kind, ":")
	if !found {
		return crawl.EntityTypeOther
	}
	switch crawl.EntityType(subtype) {
	case crawl.EntityTypeToken, crawl.EntityTypeExchange, crawl.EntityTypeProtocol, crawl.EntityTypeAddress:
		return crawl.EntityType(subtype)
	}
	return crawl.EntityTypeOther
}

// snippet returns a short context window around the first occurrence of
// value in the normalized text
func snippet(content *crawl.NormalizedContent, value string) string {
	if content == nil || content.Text == "" {
		return ""
	}
	idx := strings.Index(content.Text, value)
	if idx < 0 {
		return ""
	}
	start := idx - 60
	if start < 0 {
		start = 0
	}
	end := idx + len(value) + 60
	if end > len(content.Text) {
		end = len(content.Text)
	}
	return strings.TrimSpace(content.Text[start:end])
}
