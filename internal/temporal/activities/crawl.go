package activities

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/tokenlens/tokenlens/internal/pipeline"
	"github.com/tokenlens/tokenlens/internal/temporal/workflows"
	"github.com/tokenlens/tokenlens/pkg/source"
)

// Activities bundles the crawl activities around their shared
// dependencies for worker registration
type Activities struct {
	Pipeline *pipeline.Pipeline
	Catalog  *source.Catalog
}

// NewActivities creates the activity set
func NewActivities(p *pipeline.Pipeline, catalog *source.Catalog) *Activities {
	return &Activities{
		Pipeline: p,
		Catalog:  catalog,
	}
}

// ProcessURLActivity runs one URL through the whole pipeline and
// reports the outcome
func (a *Activities) ProcessURLActivity(ctx context.Context, url string) (workflows.CrawlOutcome, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Processing URL", "url", url)

	activity.RecordHeartbeat(ctx, "processing")

	result, assignments, err := a.Pipeline.ProcessURL(ctx, url)
	if err != nil {
		return workflows.CrawlOutcome{}, err
	}

	logger.Info("URL processed",
		"url", url,
		"result_id", result.ID,
		"quality", result.QualityScore)

	return workflows.CrawlOutcome{
		ResultID:     result.ID,
		QualityScore: result.QualityScore,
		Partial:      result.Partial,
		Assignments:  len(assignments),
	}, nil
}

// ListSourceURLsActivity returns the URLs a configured source exposes
// for crawling
func (a *Activities) ListSourceURLsActivity(ctx context.Context, sourceID string) ([]string, error) {
	src := a.Catalog.SourceByID(sourceID)
	if src == nil {
		return nil, fmt.Errorf("unknown source: %s", sourceID)
	}

	urls := make([]string, 0, 2)
	if src.URL != "" {
		urls = append(urls, src.URL)
	}
	if src.FeedURL != "" && src.FeedURL != src.URL {
		urls = append(urls, src.FeedURL)
	}
	return urls, nil
}
