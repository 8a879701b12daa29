package source

import (
	"fmt"
	"regexp"
	"time"
)

// Priority ranks a source for crawl ordering
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Source represents one origin to crawl (site or feed). Sources are
// created by configuration import and are read-only to the pipeline;
// only external configuration management mutates them.
type Source struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	URL              string             `json:"url"`
	FeedURL          string             `json:"feed_url,omitempty"`
	Tier             string             `json:"tier"`
	Priority         Priority           `json:"priority"`
	CrawlInterval    time.Duration      `json:"crawl_interval"`
	FocusTags        []string           `json:"focus_tags,omitempty"`
	PersonaRelevance map[string]float64 `json:"persona_relevance,omitempty"`

	// Metadata copied into bindings at creation time
	ScrapingDifficulty string `json:"scraping_difficulty,omitempty"`
	CostTier           string `json:"cost_tier,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the source's required fields
func (s *Source) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source ID cannot be empty")
	}
	if s.URL == "" {
		return fmt.Errorf("source %s must have a primary URL", s.ID)
	}
	if s.Tier == "" {
		return fmt.Errorf("source %s must belong to a tier", s.ID)
	}
	switch s.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("source %s has unknown priority %q", s.ID, s.Priority)
	}
	for persona, relevance := range s.PersonaRelevance {
		if relevance < 0 || relevance > 1 {
			return fmt.Errorf("source %s persona %s relevance %.3f outside [0,1]", s.ID, persona, relevance)
		}
	}
	return nil
}

// MatchKind is the kind of a URL match rule
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchDomain     MatchKind = "domain"
	MatchPathPrefix MatchKind = "path-prefix"
	MatchRegex      MatchKind = "regex"
)

// MatchRule associates a pattern with a matching kind
type MatchRule struct {
	Kind    MatchKind `json:"kind"`
	Pattern string    `json:"pattern"`
}

// Validate checks the rule's kind and, for regex rules, that the
// pattern compiles
func (r *MatchRule) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("match rule pattern cannot be empty")
	}
	switch r.Kind {
	case MatchExact, MatchDomain, MatchPathPrefix:
		return nil
	case MatchRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", r.Pattern, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown match kind %q", r.Kind)
	}
}

// RetryPolicy bounds fetch retry behavior for a binding
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base"`
}

// DefaultRetryPolicy returns the retry policy used when a binding
// declares none
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
	}
}

// InheritedMeta is a one-time, timestamped copy of source metadata made
// when the binding is created. Subsequent source edits do not change it
// unless the binding is explicitly re-resolved.
type InheritedMeta struct {
	ScrapingDifficulty string    `json:"scraping_difficulty,omitempty"`
	CostTier           string    `json:"cost_tier,omitempty"`
	CopiedAt           time.Time `json:"copied_at"`
}

// Binding associates a URL pattern with one or more extraction
// strategies and execution settings
type Binding struct {
	ID              string        `json:"id"`
	SourceID        string        `json:"source_id"`
	Rule            MatchRule     `json:"rule"`
	StrategyIDs     []string      `json:"strategy_ids"`
	Priority        int           `json:"priority"`
	RateLimitPerMin int           `json:"rate_limit_per_min"`
	Retry           RetryPolicy   `json:"retry"`
	FetchTimeout    time.Duration `json:"fetch_timeout"`
	Inherited       InheritedMeta `json:"inherited"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Validate checks the binding's required fields
func (b *Binding) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("binding ID cannot be empty")
	}
	if b.SourceID == "" {
		return fmt.Errorf("binding %s must reference a source", b.ID)
	}
	if len(b.StrategyIDs) == 0 {
		return fmt.Errorf("binding %s must list at least one strategy", b.ID)
	}
	if err := b.Rule.Validate(); err != nil {
		return fmt.Errorf("binding %s: %w", b.ID, err)
	}
	return nil
}

// InheritFrom copies the owning source's metadata into the binding.
// Called once at creation; never silent, never automatic afterwards.
func (b *Binding) InheritFrom(src *Source, now time.Time) {
	b.Inherited = InheritedMeta{
		ScrapingDifficulty: src.ScrapingDifficulty,
		CostTier:           src.CostTier,
		CopiedAt:           now,
	}
}

// Reresolve returns a copy of the binding with a fresh inheritance
// snapshot from src. The explicit operation for refreshing stale copies.
func (b *Binding) Reresolve(src *Source, now time.Time) Binding {
	refreshed := *b
	refreshed.InheritFrom(src, now)
	refreshed.UpdatedAt = now
	return refreshed
}

// StrategyKind declares the capability of an extraction strategy
type StrategyKind string

const (
	// StrategySchema is schema-driven structured extraction executed
	// through the injected invocation capability
	StrategySchema StrategyKind = "schema"
	// StrategySelector is rule-based CSS selector extraction executed
	// in-process
	StrategySelector StrategyKind = "selector"
)

// SchemaField is one named, typed field of a strategy's target schema
type SchemaField struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"` // string, float, entity[:kind], triple
}

// StrategyDescriptor is a named, versioned extraction unit. Descriptors
// are immutable once referenced by a binding that has produced results;
// strategies are versioned by id, not mutated in place.
type StrategyDescriptor struct {
	ID       string        `json:"id"`
	Kind     StrategyKind  `json:"kind"`
	Schema   []SchemaField `json:"schema,omitempty"`
	Intent   string        `json:"intent,omitempty"`
	Provider string        `json:"provider,omitempty"` // opaque, never interpreted by the core

	// Selectors maps schema field names to CSS selectors for
	// selector-kind strategies
	Selectors map[string]string `json:"selectors,omitempty"`
}

// Validate checks the descriptor's required fields per kind
func (d *StrategyDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("strategy ID cannot be empty")
	}
	switch d.Kind {
	case StrategySchema:
		if len(d.Schema) == 0 {
			return fmt.Errorf("schema strategy %s must declare a target schema", d.ID)
		}
		if d.Provider == "" {
			return fmt.Errorf("schema strategy %s must name a provider", d.ID)
		}
	case StrategySelector:
		if len(d.Selectors) == 0 {
			return fmt.Errorf("selector strategy %s must declare selectors", d.ID)
		}
	default:
		return fmt.Errorf("strategy %s has unknown kind %q", d.ID, d.Kind)
	}
	return nil
}
