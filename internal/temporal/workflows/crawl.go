package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// CrawlInput starts one crawl unit
type CrawlInput struct {
	URL string `json:"url"`
}

// CrawlOutcome summarizes a finished crawl unit
type CrawlOutcome struct {
	UnitID       string  `json:"unit_id"`
	ResultID     string  `json:"result_id"`
	QualityScore float64 `json:"quality_score"`
	Partial      bool    `json:"partial"`
	Assignments  int     `json:"assignments"`
}

// SourceCrawlInput drives a recurring crawl of one configured source
type SourceCrawlInput struct {
	SourceID string `json:"source_id"`
}

// CrawlWorkflow runs one URL through the crawl pipeline. Retry and
// backoff live inside the pipeline's fetch executor, so the activity
// itself runs once; workflow-level retries would double-pace the
// source.
func CrawlWorkflow(ctx workflow.Context, input CrawlInput) (*CrawlOutcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting crawl", "url", input.URL)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    1 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var outcome CrawlOutcome
	if err := workflow.ExecuteActivity(ctx, ProcessURLActivityName, input.URL).Get(ctx, &outcome); err != nil {
		return nil, err
	}

	logger.Info("Crawl completed",
		"url", input.URL,
		"result_id", outcome.ResultID,
		"quality", outcome.QualityScore,
		"partial", outcome.Partial)

	return &outcome, nil
}

// SourceCrawlWorkflow crawls every URL a source exposes. It is started
// on a cron schedule matching the source's crawl interval; each URL
// runs as a child workflow so one bad page never aborts the sweep.
func SourceCrawlWorkflow(ctx workflow.Context, input SourceCrawlInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting source crawl", "source_id", input.SourceID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var urls []string
	if err := workflow.ExecuteActivity(ctx, ListSourceURLsActivityName, input.SourceID).Get(ctx, &urls); err != nil {
		logger.Error("Failed to list source URLs", "error", err)
		return err
	}

	var futures []workflow.Future
	for _, url := range urls {
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: "crawl-" + workflow.GetInfo(ctx).WorkflowExecution.RunID + "-" + url,
		})
		futures = append(futures, workflow.ExecuteChildWorkflow(childCtx, CrawlWorkflow, CrawlInput{URL: url}))
	}

	failed := 0
	for _, future := range futures {
		if err := future.Get(ctx, nil); err != nil {
			logger.Error("Crawl failed", "error", err)
			failed++
		}
	}

	logger.Info("Source crawl completed",
		"source_id", input.SourceID,
		"urls", len(urls),
		"failed", failed)
	return nil
}

// Activity names for registration
const (
	ProcessURLActivityName     = "ProcessURLActivity"
	ListSourceURLsActivityName = "ListSourceURLsActivity"
)
