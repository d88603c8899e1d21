// Package maskgen writes one COCO document per image of the flat dataset,
// deriving the single annotation from the image's segmentation mask.
package maskgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vegann/dataset-tools/internal/annotation"
	"github.com/vegann/dataset-tools/internal/coco"
	"github.com/vegann/dataset-tools/internal/geometry"
	"github.com/vegann/dataset-tools/internal/layout"
	"github.com/vegann/dataset-tools/internal/manifest"
	"github.com/vegann/dataset-tools/internal/probe"
	"github.com/vegann/dataset-tools/internal/sink"
	"github.com/vegann/dataset-tools/pkg/config"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
	"github.com/vegann/dataset-tools/pkg/logger"
	"github.com/vegann/dataset-tools/pkg/metrics"
)

const (
	statusSuccess = "success"
	splitAll      = "all"
)

var defaultInfo = coco.Info{
	Version:     "1.0",
	Description: "data",
	Contributor: "search engine",
	Source:      "augmented",
	License: &coco.LicenseRef{
		Name: "Creative Commons Attribution 4.0 International",
		URL:  "https://creativecommons.org/licenses/by/4.0/",
	},
}

// Result counts what a run produced and skipped.
type Result struct {
	RunID         string   `json:"run_id"`
	Written       int      `json:"written"`
	Fallback      int      `json:"fallback"`
	MissingImages int      `json:"missing_images"`
	MissingMasks  int      `json:"missing_masks"`
	Undecodable   int      `json:"undecodable"`
	Documents     []string `json:"documents"`
}

// Generator produces the per-image documents. Image and annotation ids are
// drawn from run-wide generators so they never repeat across documents.
type Generator struct {
	cfg         config.MaskGenConfig
	prober      probe.Prober
	metrics     *metrics.Metrics
	sinks       *sink.Fanout
	images      annotation.Generator
	annotations annotation.Generator
	now         func() time.Time
	logger      *slog.Logger
}

// Option customises a Generator.
type Option func(*Generator)

// WithProber replaces the image dimension prober.
func WithProber(p probe.Prober) Option {
	return func(g *Generator) { g.prober = p }
}

// WithSinks delivers document events to f.
func WithSinks(f *sink.Fanout) Option {
	return func(g *Generator) { g.sinks = f }
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a Generator from the maskgen section of cfg. The id scheme is
// shared with the converter. m must not be nil.
func New(cfg *config.Config, m *metrics.Metrics, opts ...Option) *Generator {
	g := &Generator{
		cfg:         cfg.MaskGen,
		prober:      probe.Decoder{},
		metrics:     m,
		images:      annotation.NewGenerator(cfg.Convert.IDScheme),
		annotations: annotation.NewGenerator(cfg.Convert.IDScheme),
		now:         time.Now,
		logger:      logger.WithComponent("maskgen"),
	}
	if g.cfg.OutputDir == "" {
		g.cfg.OutputDir = g.cfg.ImagesDir
	}
	if g.cfg.Supercategory == "" {
		g.cfg.Supercategory = "vegann"
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sinks == nil {
		g.sinks = sink.NewFanout(m)
	}
	return g
}

// Categories numbers the species of the manifest from 1 in lexicographic
// order.
func Categories(records []manifest.Record) map[string]int {
	ids := make(map[string]int)
	for i, species := range manifest.Species(records) {
		ids[species] = i + 1
	}
	return ids
}

// Run writes {stem}.json for every manifest row whose image and mask both
// exist. Rows with a missing or undecodable image are counted and skipped.
func (g *Generator) Run(ctx context.Context) (*Result, error) {
	records, err := manifest.Read(g.cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(g.cfg.OutputDir, 0755); err != nil {
		return nil, apperrors.Newf(apperrors.ErrOutputUnwritable, "creating %s: %v", g.cfg.OutputDir, err)
	}

	res := &Result{RunID: uuid.NewString()}
	ctx = logger.WithRun(ctx, res.RunID)
	log := logger.FromContext(ctx).With("component", "maskgen")
	categories := Categories(records)
	log.Info("mask generation started", "records", len(records), "species", len(categories),
		"output", g.cfg.OutputDir)

	writer := coco.NewWriter(g.cfg.OutputDir)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		imagePath := filepath.Join(g.cfg.ImagesDir, rec.Name)
		maskPath := filepath.Join(g.cfg.MasksDir, rec.Name)
		hasImage, hasMask := layout.Exists(imagePath), layout.Exists(maskPath)
		if !hasImage {
			res.MissingImages++
		}
		if !hasMask {
			res.MissingMasks++
		}
		if !hasImage || !hasMask {
			log.Debug("image skipped", "image", rec.Name, "reason", "missing",
				"image_present", hasImage, "mask_present", hasMask)
			g.metrics.ImagesTotal.WithLabelValues(rec.Species, splitAll, "skipped").Inc()
			continue
		}

		doc, fallback, err := g.document(ctx, rec, imagePath, maskPath, categories[rec.Species])
		if err != nil {
			if !errors.Is(err, apperrors.ErrUndecodable) && !errors.Is(err, apperrors.ErrMissingResource) {
				return res, err
			}
			res.Undecodable++
			log.Warn("image skipped", "image", rec.Name, "reason", "undecodable", "error", err)
			g.metrics.ImagesTotal.WithLabelValues(rec.Species, splitAll, "skipped").Inc()
			continue
		}

		path, err := writer.Write(rec.Stem()+".json", doc)
		if err != nil {
			return res, apperrors.Newf(apperrors.ErrOutputUnwritable, "%v", err)
		}
		res.Written++
		res.Documents = append(res.Documents, path)
		outcome, source := "annotated", config.SourceMask
		if fallback {
			res.Fallback++
			outcome, source = "fallback", "fallback"
		}
		g.metrics.ImagesTotal.WithLabelValues(rec.Species, splitAll, outcome).Inc()
		g.metrics.AnnotationsTotal.WithLabelValues(rec.Species, source).Inc()
		g.metrics.DocumentsWrittenTotal.WithLabelValues(sink.KindImage).Inc()

		ev := sink.DocumentWritten{
			RunID:       res.RunID,
			Kind:        sink.KindImage,
			Category:    rec.Species,
			Path:        path,
			Images:      len(doc.Images),
			Annotations: len(doc.Annotations),
			WrittenAt:   g.now().UTC(),
		}
		if err := g.sinks.DocumentWritten(ctx, ev); err != nil {
			log.Warn("document event not delivered to every sink", "path", path, "error", err)
		}

		if g.cfg.ProgressEvery > 0 && res.Written%g.cfg.ProgressEvery == 0 {
			log.Info("progress", "written", res.Written)
		}
	}
	log.Info("mask generation finished",
		"written", res.Written,
		"fallback", res.Fallback,
		"missing_images", res.MissingImages,
		"missing_masks", res.MissingMasks,
		"undecodable", res.Undecodable,
	)
	return res, nil
}

// document builds the single-image document of rec. fallback reports that
// the mask had no foreground and the whole image was used instead.
func (g *Generator) document(ctx context.Context, rec manifest.Record, imagePath, maskPath string, categoryID int) (*coco.Document, bool, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, false, fmt.Errorf("image %s: %v: %w", imagePath, err, apperrors.ErrMissingResource)
	}
	dims, err := g.prober.Probe(ctx, imagePath)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	region, ok, err := geometry.ExtractFile(maskPath)
	g.metrics.MaskExtractDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		g.logger.Debug("mask unreadable, using full image", "image", rec.Name, "error", err)
	}
	if !ok {
		region = geometry.FullImage(dims.Width, dims.Height)
	}

	docInfo := defaultInfo
	docInfo.Year = g.now().Year()
	docInfo.DateCreated = g.now().UTC().Format(time.RFC3339)
	doc := coco.New(docInfo, []coco.Category{{
		ID:            categoryID,
		Name:          rec.Species,
		Supercategory: g.cfg.Supercategory,
	}})

	imageID := g.images.Next()
	doc.Images = append(doc.Images, coco.Image{
		ID:       imageID,
		FileName: rec.Name,
		Width:    dims.Width,
		Height:   dims.Height,
		Size:     info.Size(),
		Format:   strings.ToUpper(dims.Format),
		Status:   statusSuccess,
	})
	doc.Annotations = append(doc.Annotations, coco.NewAnnotation(g.annotations.Next(), imageID, categoryID, region))
	return doc, !ok, nil
}
