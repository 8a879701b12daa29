package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenlens/tokenlens/internal/router"
	"github.com/tokenlens/tokenlens/pkg/crawl"
)

func sampleResult(id string) *crawl.CrawlResult {
	return &crawl.CrawlResult{
		ID:       id,
		SourceID: "example",
		URL:      "https://example.com/page",
		Content: &crawl.NormalizedContent{
			Title:     "Example",
			Text:      "Bitcoin trades on Binance.",
			WordCount: 4,
		},
		QualityScore:   0.6,
		QualityVersion: "qw-v1",
		CreatedAt:      time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func sampleAssignments(id string) []router.Assignment {
	return []router.Assignment{
		{ResultID: id, PersonaID: "trader", Relevance: 0.9},
	}
}

func TestJSONLArchiveAppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")

	a, err := NewJSONLArchive(path)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Emit(ctx, sampleResult("r1"), sampleAssignments("r1")))
	require.NoError(t, a.Emit(ctx, sampleResult("r2"), nil))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var records []jsonlRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record jsonlRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].Result.ID)
	require.Len(t, records[0].Assignments, 1)
	assert.Equal(t, "trader", records[0].Assignments[0].PersonaID)
	assert.Equal(t, "r2", records[1].Result.ID)
	assert.Empty(t, records[1].Assignments)
	assert.False(t, records[0].ArchivedAt.IsZero())
}

func TestJSONLArchiveRejectsInvalidResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")

	a, err := NewJSONLArchive(path)
	require.NoError(t, err)
	defer a.Close()

	bad := sampleResult("r1")
	bad.SourceID = ""
	assert.Error(t, a.Emit(context.Background(), bad, nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestJSONLArchiveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "results.jsonl")

	a, err := NewJSONLArchive(path)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Emit(context.Background(), sampleResult("r1"), nil))
}

func TestGitArchiveCommitsResults(t *testing.T) {
	dir := t.TempDir()

	a, err := NewGitArchive(dir)
	require.NoError(t, err)

	// Fresh repository with no commits is still healthy
	require.NoError(t, a.Health(context.Background()))

	result := sampleResult("r1")
	require.NoError(t, a.Emit(context.Background(), result, sampleAssignments("r1")))

	docPath := filepath.Join(dir, "results", "example", "2026", "03", "14", "r1")
	resultBytes, err := os.ReadFile(filepath.Join(docPath, "result.json"))
	require.NoError(t, err)

	var stored crawl.CrawlResult
	require.NoError(t, json.Unmarshal(resultBytes, &stored))
	assert.Equal(t, "r1", stored.ID)
	assert.Equal(t, 0.6, stored.QualityScore)

	_, err = os.Stat(filepath.Join(docPath, "assignments.json"))
	require.NoError(t, err)

	require.NoError(t, a.Health(context.Background()))
}

func TestGitArchiveReopensExistingRepository(t *testing.T) {
	dir := t.TempDir()

	first, err := NewGitArchive(dir)
	require.NoError(t, err)
	require.NoError(t, first.Emit(context.Background(), sampleResult("r1"), nil))

	second, err := NewGitArchive(dir)
	require.NoError(t, err)
	require.NoError(t, second.Emit(context.Background(), sampleResult("r2"), nil))
	require.NoError(t, second.Health(context.Background()))
}

func TestGitArchiveSkipsAssignmentsFileWhenEmpty(t *testing.T) {
	dir := t.TempDir()

	a, err := NewGitArchive(dir)
	require.NoError(t, err)
	require.NoError(t, a.Emit(context.Background(), sampleResult("r1"), nil))

	docPath := filepath.Join(dir, "results", "example", "2026", "03", "14", "r1")
	_, err = os.Stat(filepath.Join(docPath, "assignments.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestGitArchiveUnattributedResults(t *testing.T) {
	dir := t.TempDir()

	a, err := NewGitArchive(dir)
	require.NoError(t, err)

	result := sampleResult("r1")
	result.SourceID = ""
	// Invalid without a source; the archive refuses it
	assert.Error(t, a.Emit(context.Background(), result, nil))
}

// failingSink always errors
type failingSink struct{}

func (failingSink) Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error {
	return fmt.Errorf("sink unavailable")
}

// countingSink counts emits
type countingSink struct {
	emits int
}

func (c *countingSink) Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error {
	c.emits++
	return nil
}

func TestTeeArchiveWritesBothSinks(t *testing.T) {
	primary := &countingSink{}
	secondary := &countingSink{}

	tee := NewTeeArchive(primary, secondary)
	require.NoError(t, tee.Emit(context.Background(), sampleResult("r1"), nil))

	assert.Equal(t, 1, primary.emits)
	assert.Equal(t, 1, secondary.emits)
}

func TestTeeArchivePrimaryErrorPropagates(t *testing.T) {
	secondary := &countingSink{}
	tee := NewTeeArchive(failingSink{}, secondary)

	err := tee.Emit(context.Background(), sampleResult("r1"), nil)
	assert.Error(t, err)
	// The secondary still receives the result
	assert.Equal(t, 1, secondary.emits)
}

func TestTeeArchiveSecondaryErrorSwallowed(t *testing.T) {
	primary := &countingSink{}
	tee := NewTeeArchive(primary, failingSink{})

	assert.NoError(t, tee.Emit(context.Background(), sampleResult("r1"), nil))
	assert.Equal(t, 1, primary.emits)
}

func TestTeeArchiveNilSecondary(t *testing.T) {
	primary := &countingSink{}
	tee := NewTeeArchive(primary, nil)

	assert.NoError(t, tee.Emit(context.Background(), sampleResult("r1"), nil))
	assert.Equal(t, 1, primary.emits)
}
