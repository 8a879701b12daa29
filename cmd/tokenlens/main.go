// Package main provides the entry point for the TokenLens server
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/tokenlens/tokenlens/internal/api"
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
	// .env is optional, environment wins either way
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging.SetupLogger(cfg.Logging); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	logger := logging.GetLogger("main")

	catalog, err := source.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load source catalog")
	}
	logger.Info().
		Int("sources", len(catalog.Sources)).
		Int("bindings", len(catalog.Bindings)).
		Int("strategies", len(catalog.Strategies)).
		Msg("Source catalog loaded")
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

	// Temporal is optional for local runs; without it the HTTP API still
	// accepts direct submissions
	if temporalClient, err := client.Dial(client.Options{HostPort: cfg.TemporalHost}); err != nil {
		logger.Warn().Err(err).Str("host", cfg.TemporalHost).Msg("Temporal unavailable, running without workflows")
	} else {
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

		go func() {
			if err := w.Run(worker.InterruptCh()); err != nil {
				logger.Error().Err(err).Msg("Temporal worker stopped")
			}
		}()
	}

	app := fiber.New(fiber.Config{
		AppName:               "TokenLens API",
		DisableStartupMessage: false,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: getEnv("CORS_ORIGINS", "*"),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	handlers := api.NewHandlers(p, catalog)
	setupRoutes(app, handlers)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("Shutting down")
		_ = app.Shutdown()
	}()

	logger.Info().Str("port", cfg.APIPort).Msg("Starting TokenLens server")
	if err := app.Listen(":" + cfg.APIPort); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped")
	}
}

// setupRoutes configures all API routes
func setupRoutes(app *fiber.App, h *api.Handlers) {
	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")
	v1.Post("/crawl", h.SubmitCrawl)
	v1.Get("/units/:id", h.GetUnit)
	v1.Get("/metrics", h.GetMetrics)
	v1.Get("/sources", h.ListSources)
	v1.Get("/sources/:id", h.GetSource)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "TokenLens",
			"version": "0.1.0",
		})
	})
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
