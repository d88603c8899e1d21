package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vegann/dataset-tools/internal/maskgen"
	"github.com/vegann/dataset-tools/internal/probe"
	"github.com/vegann/dataset-tools/internal/sink"
	"github.com/vegann/dataset-tools/pkg/config"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
	"github.com/vegann/dataset-tools/pkg/logger"
	"github.com/vegann/dataset-tools/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	manifestPath := flag.String("manifest", "", "flat dataset CSV (overrides maskgen.manifestPath)")
	imagesDir := flag.String("images", "", "images directory (overrides maskgen.imagesDir)")
	masksDir := flag.String("masks", "", "masks directory (overrides maskgen.masksDir)")
	out := flag.String("out", "", "output directory (default: the images directory)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	if *manifestPath != "" {
		cfg.MaskGen.ManifestPath = *manifestPath
	}
	if *imagesDir != "" {
		cfg.MaskGen.ImagesDir = *imagesDir
	}
	if *masksDir != "" {
		cfg.MaskGen.MasksDir = *masksDir
	}
	if *out != "" {
		cfg.MaskGen.OutputDir = *out
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("mask generation failed", "error", err, "fatal", apperrors.IsFatal(err))
		os.Exit(apperrors.ExitCode(err))
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	prober, closeProber := probe.Open(ctx, cfg, m)
	defer closeProber()
	sinks := sink.Open(ctx, cfg, m)
	defer sinks.Close()

	g := maskgen.New(cfg, m, maskgen.WithProber(prober), maskgen.WithSinks(sinks))
	result, err := g.Run(ctx)
	if err != nil {
		return err
	}
	if path := cfg.Metrics.Textfile; path != "" {
		if err := m.WriteTextfile(path); err != nil {
			slog.Warn("metrics textfile not written", "error", err)
		}
	}
	slog.Info("mask generation complete", "run_id", result.RunID, "written", result.Written)
	return nil
}
