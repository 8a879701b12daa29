package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tokenlens/tokenlens/internal/extractor"
	"github.com/tokenlens/tokenlens/internal/fetcher"
	"github.com/tokenlens/tokenlens/internal/normalizer"
	"github.com/tokenlens/tokenlens/internal/pipeline"
	"github.com/tokenlens/tokenlens/internal/quality"
	"github.com/tokenlens/tokenlens/internal/resolver"
	"github.com/tokenlens/tokenlens/internal/scheduler"
	"github.com/tokenlens/tokenlens/pkg/logging"
)

// Config aggregates the configuration of every pipeline stage plus the
// service surface around it
type Config struct {
	Logging    *logging.LogConfig          `json:"logging"`
	Resolver   *resolver.ResolverConfig    `json:"resolver"`
	Scheduler  *scheduler.SchedulerConfig  `json:"scheduler"`
	Executor   *fetcher.ExecutorConfig     `json:"executor"`
	Normalizer *normalizer.NormalizerConfig `json:"normalizer"`
	Extractor  *extractor.ExtractorConfig  `json:"extractor"`
	Weights    *quality.WeightsConfig      `json:"weights"`
	Pipeline   *pipeline.PipelineConfig    `json:"pipeline"`

	// TierRates maps source tier names to fetch requests per minute
	TierRates map[string]int `json:"tier_rates"`

	CatalogPath string `json:"catalog_path"`
	ArchivePath string `json:"archive_path"`
	APIPort     string `json:"api_port"`

	TemporalHost      string `json:"temporal_host"`
	TemporalTaskQueue string `json:"temporal_task_queue"`
}

// DefaultConfig returns the full default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging:    logging.DefaultLogConfig(),
		Resolver:   resolver.DefaultResolverConfig(),
		Scheduler:  scheduler.DefaultSchedulerConfig(),
		Executor:   fetcher.DefaultExecutorConfig(),
		Normalizer: normalizer.DefaultNormalizerConfig(),
		Extractor:  extractor.DefaultExtractorConfig(),
		Weights:    quality.DefaultWeightsConfig(),
		Pipeline:   pipeline.DefaultPipelineConfig(),
		TierRates: map[string]int{
			"free":    30,
			"low":     12,
			"medium":  6,
			"premium": 60,
		},
		CatalogPath:       "configs/catalog.yaml",
		ArchivePath:       "data/archive",
		APIPort:           "8080",
		TemporalHost:      "localhost:7233",
		TemporalTaskQueue: "tokenlens",
	}
}

// ProductionConfig returns defaults tuned for production deployments
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Console = false
	cfg.Pipeline.Workers = 16
	cfg.Pipeline.QueueSize = 1024
	return cfg
}

// DevelopmentConfig returns defaults tuned for local development
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "pretty"
	cfg.Logging.OutputFile = ""
	cfg.Pipeline.Workers = 2
	return cfg
}

// FromEnv returns the default configuration with environment overrides
// applied
func FromEnv() *Config {
	cfg := DefaultConfig()

	cfg.CatalogPath = getEnv("TOKENLENS_CATALOG", cfg.CatalogPath)
	cfg.ArchivePath = getEnv("TOKENLENS_ARCHIVE", cfg.ArchivePath)
	cfg.APIPort = getEnv("PORT", cfg.APIPort)
	cfg.TemporalHost = getEnv("TEMPORAL_HOST", cfg.TemporalHost)
	cfg.TemporalTaskQueue = getEnv("TEMPORAL_TASK_QUEUE", cfg.TemporalTaskQueue)

	if workers := os.Getenv("TOKENLENS_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}

	if deadline := os.Getenv("TOKENLENS_UNIT_DEADLINE"); deadline != "" {
		if d, err := time.ParseDuration(deadline); err == nil {
			cfg.Pipeline.UnitDeadline = d
		}
	}

	if relevance := os.Getenv("TOKENLENS_MIN_RELEVANCE"); relevance != "" {
		if f, err := strconv.ParseFloat(relevance, 64); err == nil {
			cfg.Pipeline.MinRelevance = f
		}
	}

	if precedence := os.Getenv("TOKENLENS_PRECEDENCE"); precedence != "" {
		cfg.Resolver.Precedence = resolver.Precedence(precedence)
	}

	return cfg
}

// Validate rejects configurations that cannot run
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.Pipeline.UnitDeadline <= 0 {
		return fmt.Errorf("unit deadline must be positive")
	}
	if len(c.TierRates) == 0 {
		return fmt.Errorf("at least one tier rate is required")
	}
	for tier, rpm := range c.TierRates {
		if rpm <= 0 {
			return fmt.Errorf("tier %q rate must be positive", tier)
		}
	}
	switch c.Resolver.Precedence {
	case resolver.PrecedencePriorityFirst, resolver.PrecedenceSpecificityFirst:
	default:
		return fmt.Errorf("unknown precedence %q", c.Resolver.Precedence)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
