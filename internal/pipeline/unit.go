package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// UnitState is the lifecycle state of a single crawl unit
type UnitState string

const (
	StateResolved           UnitState = "resolved"
	StateScheduled          UnitState = "scheduled"
	StateFetching           UnitState = "fetching"
	StateFetchFailed        UnitState = "fetch_failed"
	StateFetched            UnitState = "fetched"
	StateNormalizing        UnitState = "normalizing"
	StateNormalized         UnitState = "normalized"
	StateNormalizeFailed    UnitState = "normalize_failed"
	StateExtracting         UnitState = "extracting"
	StateExtractionPartial  UnitState = "extraction_partial"
	StateExtractionComplete UnitState = "extraction_complete"
	StateExtractionFailed   UnitState = "extraction_failed"
	StateScored             UnitState = "scored"
	StateRouted             UnitState = "routed"
	StateResolutionFailed   UnitState = "resolution_failed"
	StateTimedOut           UnitState = "timed_out"
)

// Terminal reports whether a unit in this state is finished. Only
// fetch_failed with retry budget left re-enters scheduled; every other
// failure state is terminal and reported, not silently dropped.
func (s UnitState) Terminal() bool {
	switch s {
	case StateRouted, StateResolutionFailed, StateFetchFailed,
		StateNormalizeFailed, StateExtractionFailed, StateTimedOut:
		return true
	}
	return false
}

// Unit is one crawl unit moving through the pipeline. Each unit's
// stages run strictly sequentially; units are independent of each other
// and may complete in any order.
type Unit struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	SourceID   string    `json:"source_id,omitempty"`
	BindingID  string    `json:"binding_id,omitempty"`
	Tier       string    `json:"tier,omitempty"`
	State      UnitState `json:"state"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewUnit creates a unit for a URL with its overall deadline, which is
// set once at resolution time
func NewUnit(url string, deadline time.Duration) *Unit {
	now := time.Now()
	return &Unit{
		ID:        uuid.New().String(),
		URL:       url,
		CreatedAt: now,
		Deadline:  now.Add(deadline),
	}
}
