// Package main provides a standalone Temporal worker hosting the crawl
// workflows and activities, for deployments that split the HTTP surface
// from crawl execution.
package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/tokenlens/tokenlens/internal/archive"
	"github.com/tokenlens/tokenlens/internal/extractor"
	"github.com/tokenlens/tokenlens/internal/fetcher"
	"github.com/tokenlens/tokenlens/internal/normalizer"
	"github.com/tokenlens/tokenlens/internal/pipeline"
	"github.com/tokenlens/tokenlens/internal/quality"
	"github.com/tokenlens/tokenlens/internal/resolver"
	"github.com/tokenlens/tokenlens/internal/scheduler"
	"github.com/tokenlens/tokenlens/internal/temporal/activities"
	"github.com/tokenlens/tokenlens/internal/temporal/workflows"
	"github.com/tokenlens/tokenlens/pkg/config"
	"github.com/tokenlens/tokenlens/pkg/logging"
	"github.com/tokenlens/tokenlens/pkg/source"
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging.SetupLogger(cfg.Logging); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	logger := logging.GetLogger("worker")

	catalog, err := source.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load source catalog")
	}
	if catalog.HasSchemaStrategies() {
		logger.Warn().Msg("Catalog declares schema strategies but no invoker is wired; they will fail into partial results")
	}

	gitArchive, err := archive.NewGitArchive(cfg.ArchivePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open archive")
	}

	p := pipeline.NewPipeline(
		resolver.NewResolver(catalog, cfg.Resolver),
		scheduler.NewScheduler(scheduler.BucketsFromRates(cfg.TierRates), cfg.Scheduler),
		fetcher.NewExecutor(fetcher.NewHTTPFetcher(), cfg.Executor),
		normalizer.NewNormalizer(cfg.Normalizer),
		extractor.NewExtractor(nil, cfg.Extractor),
		quality.NewAssessor(cfg.Weights),
		gitArchive,
		cfg.Pipeline,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start pipeline")
	}
	defer p.Stop()

	temporalClient, err := client.Dial(client.Options{HostPort: cfg.TemporalHost})
	if err != nil {
		logger.Fatal().Err(err).Str("host", cfg.TemporalHost).Msg("Failed to connect to Temporal")
	}
	defer temporalClient.Close()

	w := worker.New(temporalClient, cfg.TemporalTaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     10,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflow(workflows.CrawlWorkflow)
	w.RegisterWorkflow(workflows.SourceCrawlWorkflow)

	acts := activities.NewActivities(p, catalog)
	w.RegisterActivity(acts.ProcessURLActivity)
	w.RegisterActivity(acts.ListSourceURLsActivity)

	logger.Info().
		Str("task_queue", cfg.TemporalTaskQueue).
		Str("host", cfg.TemporalHost).
		Msg("Starting Temporal worker")

	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal().Err(err).Msg("Worker stopped")
	}
}
