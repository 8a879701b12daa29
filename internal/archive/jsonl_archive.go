package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenlens/tokenlens/internal/router"
	"github.com/tokenlens/tokenlens/pkg/crawl"
)

// jsonlRecord is one appended line: the result with its assignments
type jsonlRecord struct {
	Result      *crawl.CrawlResult  `json:"result"`
	Assignments []router.Assignment `json:"assignments,omitempty"`
	ArchivedAt  time.Time           `json:"archived_at"`
}

// JSONLArchive appends results to a newline-delimited JSON file, the
// cheap option for local runs and downstream batch ingestion
type JSONLArchive struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewJSONLArchive opens (or creates) the archive file in append mode
func NewJSONLArchive(path string) (*JSONLArchive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}

	return &JSONLArchive{path: path, file: file}, nil
}

// Emit appends the result as one JSON line
func (a *JSONLArchive) Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("result validation failed: %w", err)
	}

	line, err := json.Marshal(jsonlRecord{
		Result:      result,
		Assignments: assignments,
		ArchivedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}

	log.Debug().
		Str("result_id", result.ID).
		Str("path", a.path).
		Msg("Result appended to archive")

	return nil
}

// Close flushes and closes the archive file
func (a *JSONLArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
