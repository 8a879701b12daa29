package crawl

import (
	"fmt"
	"time"
)

// EntityType classifies an extracted entity
type EntityType string

const (
	EntityTypeToken    EntityType = "token"
	EntityTypeExchange EntityType = "exchange"
	EntityTypeProtocol EntityType = "protocol"
	EntityTypeAddress  EntityType = "address"
	EntityTypeOther    EntityType = "other"
)

// Predicate is the controlled vocabulary for relationship triples
type Predicate string

const (
	PredicateTradesOn     Predicate = "trades_on"
	PredicateMeasuredBy   Predicate = "measured_by"
	PredicateComparesWith Predicate = "compares_with"
	PredicateBuiltOn      Predicate = "built_on"
	PredicateGovernedBy   Predicate = "governed_by"
)

// ValidPredicate reports whether p belongs to the controlled vocabulary
func ValidPredicate(p Predicate) bool {
	switch p {
	case PredicateTradesOn, PredicateMeasuredBy, PredicateComparesWith,
		PredicateBuiltOn, PredicateGovernedBy:
		return true
	}
	return false
}

// Entity represents a typed entity produced by extraction.
// Entities are never mutated after creation; a correction is a new
// Entity carrying provenance back to the result that produced it.
type Entity struct {
	Name       string            `json:"name"`
	Type       EntityType        `json:"type"`
	Symbol     string            `json:"symbol,omitempty"`
	Address    string            `json:"address,omitempty"`
	Network    string            `json:"network,omitempty"`
	Confidence float64           `json:"confidence"`
	Context    string            `json:"context,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Validate checks the entity's required fields and bounds
func (e *Entity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	if e.Type == "" {
		return fmt.Errorf("entity type cannot be empty")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("entity confidence %.3f outside [0,1]", e.Confidence)
	}
	return nil
}

// Correction returns a new Entity that supersedes e, with provenance
// back to the result that produced the original
func (e *Entity) Correction(resultID string, updates map[string]string) *Entity {
	corrected := *e
	corrected.Properties = make(map[string]string, len(e.Properties)+len(updates)+1)
	for k, v := range e.Properties {
		corrected.Properties[k] = v
	}
	for k, v := range updates {
		corrected.Properties[k] = v
	}
	corrected.Properties["corrects_result"] = resultID
	return &corrected
}

// Triple represents an extracted subject-predicate-object relationship.
// Triples follow the same immutability rule as entities.
type Triple struct {
	Subject    string    `json:"subject"`
	Predicate  Predicate `json:"predicate"`
	Object     string    `json:"object"`
	Confidence float64   `json:"confidence"`
	SourceID   string    `json:"source_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks the triple's required fields and bounds
func (t *Triple) Validate() error {
	if t.Subject == "" || t.Object == "" {
		return fmt.Errorf("triple subject and object cannot be empty")
	}
	if !ValidPredicate(t.Predicate) {
		return fmt.Errorf("predicate %q not in controlled vocabulary", t.Predicate)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("triple confidence %.3f outside [0,1]", t.Confidence)
	}
	return nil
}

// LinkRef is a link collected during normalization
type LinkRef struct {
	URL      string `json:"url"`
	Text     string `json:"text,omitempty"`
	Internal bool   `json:"internal"`
}

// MediaRef is a media reference collected during normalization
type MediaRef struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // image, video, audio
	Alt  string `json:"alt,omitempty"`
}

// NormalizedContent is the canonical text form extraction runs against
type NormalizedContent struct {
	Title           string     `json:"title,omitempty"`
	Text            string     `json:"text"`
	Links           []LinkRef  `json:"links,omitempty"`
	Media           []MediaRef `json:"media,omitempty"`
	WordCount       int        `json:"word_count"`
	HasTables       bool       `json:"has_tables"`
	HasEnumerations bool       `json:"has_enumerations"`
}

// FetchMetadata records the outcome of the fetch stage, success or not
type FetchMetadata struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
	BodyBytes  int64         `json:"body_bytes"`
	Error      string        `json:"error,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

// StrategyFailure records a single strategy that failed during extraction
type StrategyFailure struct {
	StrategyID string `json:"strategy_id"`
	Cause      string `json:"cause"`
}

// CrawlResult is the unit routed to personas. It exists only once the
// full pipeline completes for a unit; it is never partially persisted.
type CrawlResult struct {
	ID               string             `json:"id"`
	SourceID         string             `json:"source_id"`
	URL              string             `json:"url"`
	Content          *NormalizedContent `json:"content"`
	Entities         []Entity           `json:"entities"`
	Triples          []Triple           `json:"triples"`
	Fetch            FetchMetadata      `json:"fetch"`
	QualityScore     float64            `json:"quality_score"`
	QualityVersion   string             `json:"quality_version"`
	Partial          bool               `json:"partial"`
	FailedStrategies []StrategyFailure  `json:"failed_strategies,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Validate checks the result's required fields
func (r *CrawlResult) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("result ID cannot be empty")
	}
	if r.SourceID == "" {
		return fmt.Errorf("result source ID cannot be empty")
	}
	if r.QualityScore < 0 || r.QualityScore > 1 {
		return fmt.Errorf("quality score %.3f outside [0,1]", r.QualityScore)
	}
	return nil
}
