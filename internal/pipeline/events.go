package pipeline

import (
	"fmt"
	"math/rand"
	"time"
)

// UnitEvent records one state transition of a crawl unit, published for
// external observability tooling
type UnitEvent struct {
	ID        string                 `json:"id"`
	UnitID    string                 `json:"unit_id"`
	SourceID  string                 `json:"source_id,omitempty"`
	URL       string                 `json:"url"`
	State     UnitState              `json:"state"`
	Stage     string                 `json:"stage,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewUnitEvent creates a transition event for a unit
func NewUnitEvent(unit *Unit, state UnitState) *UnitEvent {
	return &UnitEvent{
		ID:        GenerateEventID(),
		UnitID:    unit.ID,
		SourceID:  unit.SourceID,
		URL:       unit.URL,
		State:     state,
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return fmt.Sprintf("evt_%d_%s", time.Now().UnixNano(), generateRandomString(8))
}

func generateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
