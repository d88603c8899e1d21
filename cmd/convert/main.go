package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vegann/dataset-tools/internal/pipeline"
	"github.com/vegann/dataset-tools/internal/probe"
	"github.com/vegann/dataset-tools/internal/sink"
	"github.com/vegann/dataset-tools/pkg/config"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
	"github.com/vegann/dataset-tools/pkg/health"
	"github.com/vegann/dataset-tools/pkg/kafka"
	"github.com/vegann/dataset-tools/pkg/logger"
	"github.com/vegann/dataset-tools/pkg/metrics"
	"github.com/vegann/dataset-tools/pkg/postgres"
	"github.com/vegann/dataset-tools/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	root := flag.String("root", "", "dataset root (overrides dataset.root)")
	out := flag.String("out", "", "output directory (overrides dataset.outputDir)")
	categories := flag.String("categories", "", "comma-separated categories to convert (default: discover)")
	splits := flag.String("splits", "", "comma-separated splits (overrides convert.splits)")
	combined := flag.Bool("combined", false, "also write combined_instances_{split}.json")
	purgeCache := flag.Bool("purge-probe-cache", false, "drop cached image dimensions before converting")
	checkOnly := flag.Bool("check", false, "run preflight checks and exit")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	if *root != "" {
		cfg.Dataset.Root = *root
	}
	if *out != "" {
		cfg.Dataset.OutputDir = *out
	}
	if *categories != "" {
		cfg.Convert.Categories = config.SplitList(*categories)
	}
	if *splits != "" {
		cfg.Convert.Splits = config.SplitList(*splits)
	}
	if *combined {
		cfg.Convert.Combined = true
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if *checkOnly {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		checker := preflight(cfg)
		report := checker.Run(ctx)
		cancel()
		checker.Log(report)
		if report.Status == health.StatusDown {
			os.Exit(1)
		}
		return
	}
	if err := run(cfg, *purgeCache); err != nil {
		slog.Error("conversion failed", "error", err, "fatal", apperrors.IsFatal(err))
		os.Exit(apperrors.ExitCode(err))
	}
}

func run(cfg *config.Config, purgeCache bool) error {
	slog.Info("starting conversion",
		"root", cfg.Dataset.Root,
		"output", cfg.Dataset.OutputDir,
		"splits", cfg.Convert.Splits,
		"source", cfg.Convert.Source,
		"fallback", cfg.Convert.Fallback,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdown := m.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	if purgeCache {
		n, err := probe.Purge(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("probe cache not purged", "error", err)
		} else {
			slog.Info("probe cache purged", "entries", n)
		}
	}
	prober, closeProber := probe.Open(ctx, cfg, m)
	defer closeProber()
	sinks := sink.Open(ctx, cfg, m)
	defer func() {
		if err := sinks.Close(); err != nil {
			slog.Warn("closing sinks", "error", err)
		}
	}()

	converter := pipeline.New(cfg, m, pipeline.WithProber(prober), pipeline.WithSinks(sinks))
	result, err := converter.Run(ctx)
	if err != nil {
		return err
	}
	slog.Info("conversion finished",
		"run_id", result.ID,
		"documents", len(result.Documents),
		"images", result.Summary.Images,
		"annotations", result.Summary.Annotations,
		"skipped_images", result.Summary.SkippedImages,
	)
	return nil
}

// preflight registers a check for the dataset root, the output directory and
// every enabled backend.
func preflight(cfg *config.Config) *health.Checker {
	c := health.NewChecker()
	c.Register("dataset_root", health.Dir(cfg.Dataset.Root))
	c.Register("output_dir", health.Writable(cfg.Dataset.OutputDir))
	if cfg.Probe.Cache {
		c.Register("redis", health.Optional(func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			return client.Close()
		}))
	}
	if cfg.Postgres.Enabled {
		c.Register("postgres", health.Optional(func(ctx context.Context) error {
			client, err := postgres.New(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			return client.Close()
		}))
	}
	if cfg.Kafka.Enabled {
		c.Register("kafka", health.Optional(func(ctx context.Context) error {
			return kafka.Ping(ctx, cfg.Kafka)
		}))
	}
	return c
}
