package source

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is the configuration snapshot the pipeline reads at
// resolution time: sources, bindings, and strategy descriptors
type Catalog struct {
	Sources    []Source
	Bindings   []Binding
	Strategies []StrategyDescriptor

	sourcesByID    map[string]*Source
	strategiesByID map[string]*StrategyDescriptor
}

// catalogFile is the on-disk YAML shape. Durations are strings parsed
// with time.ParseDuration.
type catalogFile struct {
	Sources    []sourceEntry   `yaml:"sources"`
	Bindings   []bindingEntry  `yaml:"bindings"`
	Strategies []strategyEntry `yaml:"strategies"`
}

type sourceEntry struct {
	ID                 string             `yaml:"id"`
	Name               string             `yaml:"name"`
	URL                string             `yaml:"url"`
	FeedURL            string             `yaml:"feed_url"`
	Tier               string             `yaml:"tier"`
	Priority           string             `yaml:"priority"`
	CrawlInterval      string             `yaml:"crawl_interval"`
	FocusTags          []string           `yaml:"focus_tags"`
	PersonaRelevance   map[string]float64 `yaml:"persona_relevance"`
	ScrapingDifficulty string             `yaml:"scraping_difficulty"`
	CostTier           string             `yaml:"cost_tier"`
}

type bindingEntry struct {
	ID              string            `yaml:"id"`
	SourceID        string            `yaml:"source_id"`
	Kind            string            `yaml:"kind"`
	Pattern         string            `yaml:"pattern"`
	StrategyIDs     []string          `yaml:"strategy_ids"`
	Priority        int               `yaml:"priority"`
	RateLimitPerMin int               `yaml:"rate_limit_per_min"`
	MaxAttempts     int               `yaml:"max_attempts"`
	BackoffBase     string            `yaml:"backoff_base"`
	FetchTimeout    string            `yaml:"fetch_timeout"`
	UpdatedAt       time.Time         `yaml:"updated_at"`
}

type strategyEntry struct {
	ID        string            `yaml:"id"`
	Kind      string            `yaml:"kind"`
	Intent    string            `yaml:"intent"`
	Provider  string            `yaml:"provider"`
	Schema    []SchemaField     `yaml:"schema"`
	Selectors map[string]string `yaml:"selectors"`
}

// LoadCatalog reads and validates a catalog from a YAML file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a YAML catalog snapshot. Binding
// inheritance snapshots are taken here, at creation time.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	now := time.Now()
	cat := &Catalog{
		sourcesByID:    make(map[string]*Source),
		strategiesByID: make(map[string]*StrategyDescriptor),
	}

	for _, entry := range file.Sources {
		interval, err := parseOptionalDuration(entry.CrawlInterval, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid crawl_interval: %w", entry.ID, err)
		}
		src := Source{
			ID:                 entry.ID,
			Name:               entry.Name,
			URL:                entry.URL,
			FeedURL:            entry.FeedURL,
			Tier:               entry.Tier,
			Priority:           Priority(entry.Priority),
			CrawlInterval:      interval,
			FocusTags:          entry.FocusTags,
			PersonaRelevance:   entry.PersonaRelevance,
			ScrapingDifficulty: entry.ScrapingDifficulty,
			CostTier:           entry.CostTier,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if src.Priority == "" {
			src.Priority = PriorityMedium
		}
		if err := src.Validate(); err != nil {
			return nil, err
		}
		cat.Sources = append(cat.Sources, src)
	}
	for i := range cat.Sources {
		cat.sourcesByID[cat.Sources[i].ID] = &cat.Sources[i]
	}

	for _, entry := range file.Strategies {
		desc := StrategyDescriptor{
			ID:        entry.ID,
			Kind:      StrategyKind(entry.Kind),
			Intent:    entry.Intent,
			Provider:  entry.Provider,
			Schema:    entry.Schema,
			Selectors: entry.Selectors,
		}
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		cat.Strategies = append(cat.Strategies, desc)
	}
	for i := range cat.Strategies {
		cat.strategiesByID[cat.Strategies[i].ID] = &cat.Strategies[i]
	}

	for _, entry := range file.Bindings {
		backoff, err := parseOptionalDuration(entry.BackoffBase, DefaultRetryPolicy().BackoffBase)
		if err != nil {
			return nil, fmt.Errorf("binding %s: invalid backoff_base: %w", entry.ID, err)
		}
		timeout, err := parseOptionalDuration(entry.FetchTimeout, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("binding %s: invalid fetch_timeout: %w", entry.ID, err)
		}
		binding := Binding{
			ID:              entry.ID,
			SourceID:        entry.SourceID,
			Rule:            MatchRule{Kind: MatchKind(entry.Kind), Pattern: entry.Pattern},
			StrategyIDs:     entry.StrategyIDs,
			Priority:        entry.Priority,
			RateLimitPerMin: entry.RateLimitPerMin,
			Retry:           RetryPolicy{MaxAttempts: entry.MaxAttempts, BackoffBase: backoff},
			FetchTimeout:    timeout,
			UpdatedAt:       entry.UpdatedAt,
		}
		if binding.Retry.MaxAttempts <= 0 {
			binding.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
		}
		if binding.UpdatedAt.IsZero() {
			binding.UpdatedAt = now
		}
		if err := binding.Validate(); err != nil {
			return nil, err
		}

		owner, ok := cat.sourcesByID[binding.SourceID]
		if !ok {
			return nil, fmt.Errorf("binding %s references unknown source %s", binding.ID, binding.SourceID)
		}
		for _, sid := range binding.StrategyIDs {
			if _, ok := cat.strategiesByID[sid]; !ok {
				return nil, fmt.Errorf("binding %s references unknown strategy %s", binding.ID, sid)
			}
		}

		// One-time inheritance copy at creation
		binding.InheritFrom(owner, now)
		cat.Bindings = append(cat.Bindings, binding)
	}

	return cat, nil
}

// SourceByID returns the source with the given id, or nil
func (c *Catalog) SourceByID(id string) *Source {
	return c.sourcesByID[id]
}

// StrategyByID returns the strategy descriptor with the given id, or nil
func (c *Catalog) StrategyByID(id string) *StrategyDescriptor {
	return c.strategiesByID[id]
}

// HasSchemaStrategies reports whether any strategy in the catalog needs
// an invocation capability to run
func (c *Catalog) HasSchemaStrategies() bool {
	for i := range c.Strategies {
		if c.Strategies[i].Kind == StrategySchema {
			return true
		}
	}
	return false
}

func parseOptionalDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
