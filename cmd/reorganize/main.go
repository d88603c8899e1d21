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

	"github.com/vegann/dataset-tools/internal/reorganize"
	"github.com/vegann/dataset-tools/pkg/config"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
	"github.com/vegann/dataset-tools/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	root := flag.String("root", "", "destination dataset root (overrides dataset.root)")
	manifestPath := flag.String("manifest", "", "flat dataset CSV (overrides reorganize.manifestPath)")
	imagesDir := flag.String("images", "", "flat images directory (overrides reorganize.imagesDir)")
	masksDir := flag.String("masks", "", "flat masks directory (overrides reorganize.masksDir)")
	splitColumn := flag.String("split-column", "", "TVT split column (overrides reorganize.splitColumn)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	if *root != "" {
		cfg.Dataset.Root = *root
	}
	if *manifestPath != "" {
		cfg.Reorganize.ManifestPath = *manifestPath
	}
	if *imagesDir != "" {
		cfg.Reorganize.ImagesDir = *imagesDir
	}
	if *masksDir != "" {
		cfg.Reorganize.MasksDir = *masksDir
	}
	if *splitColumn != "" {
		cfg.Reorganize.SplitColumn = *splitColumn
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting reorganize",
		"root", cfg.Dataset.Root,
		"manifest", cfg.Reorganize.ManifestPath,
		"split_column", cfg.Reorganize.SplitColumn,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	results, err := reorganize.New(cfg.Dataset.Root, cfg.Reorganize).Run(ctx)
	stop()
	if err != nil {
		slog.Error("reorganize failed", "error", err, "fatal", apperrors.IsFatal(err))
		os.Exit(apperrors.ExitCode(err))
	}

	images := 0
	for _, r := range results {
		images += r.Images
	}
	slog.Info("reorganize finished", "categories", len(results), "images", images)
}
