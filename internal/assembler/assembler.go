// Package assembler builds one COCO document per category and split from the
// category layout: it resolves split membership, probes every image, turns
// CSV rows or masks into annotations and reports everything it had to skip.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vegann/dataset-tools/internal/annotation"
	"github.com/vegann/dataset-tools/internal/coco"
	"github.com/vegann/dataset-tools/internal/geometry"
	"github.com/vegann/dataset-tools/internal/labels"
	"github.com/vegann/dataset-tools/internal/layout"
	"github.com/vegann/dataset-tools/internal/probe"
	"github.com/vegann/dataset-tools/internal/report"
	"github.com/vegann/dataset-tools/pkg/config"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
	"github.com/vegann/dataset-tools/pkg/metrics"
)

// Annotation sources recorded in metrics.
const (
	sourceCSV      = "csv"
	sourceMask     = "mask"
	sourceFallback = "fallback"
)

// Assembler produces category/split documents. It keeps no state between
// calls; every document owns fresh id generators.
type Assembler struct {
	layout  *layout.Layout
	table   *labels.Table
	sizer   *probe.Sizer
	cfg     config.ConvertConfig
	policy  annotation.RowPolicy
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Assembler. m must not be nil.
func New(l *layout.Layout, table *labels.Table, sizer *probe.Sizer, cfg config.ConvertConfig, m *metrics.Metrics) *Assembler {
	return &Assembler{
		layout:  l,
		table:   table,
		sizer:   sizer,
		cfg:     cfg,
		policy:  annotation.DefaultRowPolicy,
		metrics: m,
		now:     time.Now,
		logger:  slog.Default().With("component", "assembler"),
	}
}

// SetClock replaces the clock used for info.date_created.
func (a *Assembler) SetClock(now func() time.Time) {
	a.now = now
}

// Categories renders the global category table for documents.
func (a *Assembler) Categories() []coco.Category {
	return a.table.Categories(a.cfg.Supercategory)
}

// Info renders the info block for a document described by subject, e.g.
// "wheats train" or "combined val".
func (a *Assembler) Info(subject string) coco.Info {
	return coco.Info{
		Year:        a.cfg.Info.Year,
		Version:     a.cfg.Info.Version,
		Description: fmt.Sprintf("%s %s split", a.cfg.Info.DescriptionPrefix, subject),
		URL:         a.cfg.Info.URL,
		DateCreated: a.now().UTC().Format(time.RFC3339),
	}
}

// Assemble builds the document of one category and split. local is the
// category's label map. Only a cancelled context or an unlistable image
// directory is returned as an error; per-image problems go to the report.
func (a *Assembler) Assemble(ctx context.Context, category string, local labels.LocalMap, split string) (*coco.Document, *report.Split, error) {
	start := time.Now()
	rep := report.NewSplit(category, split)
	logger := a.logger.With("category", category, "split", split)

	available, err := a.layout.Images(category)
	if err != nil {
		return nil, rep, fmt.Errorf("assembling %s/%s: %v: %w", category, split, err, apperrors.ErrMissingResource)
	}
	manifest, found, err := a.layout.ReadManifest(category, split)
	if err != nil {
		return nil, rep, fmt.Errorf("assembling %s/%s: %v: %w", category, split, err, apperrors.ErrMissingResource)
	}
	if !found {
		logger.Warn("no split manifest, using every image", "images", len(available))
	}

	members := ResolveMembership(manifest, found, available)
	rep.ManifestFound = members.ManifestFound
	rep.MissingOnDisk = members.MissingOnDisk
	rep.Excluded = members.Excluded
	if len(members.MissingOnDisk) > 0 {
		logger.Warn("manifest entries missing on disk", "count", len(members.MissingOnDisk))
	}

	doc := coco.New(a.Info(category+" "+split), a.Categories())
	builder := annotation.NewBuilder(a.table, a.cfg.IDScheme)

	for _, stem := range members.Stems {
		if err := ctx.Err(); err != nil {
			return nil, rep, err
		}
		a.addImage(ctx, doc, rep, builder, category, split, stem, available[stem], local, logger)
	}

	rep.Images = len(doc.Images)
	rep.Annotations = len(doc.Annotations)
	a.metrics.DiscardedRowsTotal.WithLabelValues(category).Add(float64(rep.DiscardedRows))
	a.metrics.AssembleDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
	logger.Info("document assembled",
		"images", rep.Images,
		"annotations", rep.Annotations,
		"skipped", len(rep.Skipped),
		"duration", time.Since(start),
	)
	return doc, rep, nil
}

func (a *Assembler) addImage(
	ctx context.Context,
	doc *coco.Document,
	rep *report.Split,
	builder *annotation.Builder,
	category, split, stem, fileName string,
	local labels.LocalMap,
	logger *slog.Logger,
) {
	imagePath := filepath.Join(a.layout.ImagesDir(category), fileName)
	dims, defaulted, err := a.sizer.Size(ctx, imagePath)
	if err != nil {
		reason := report.ReasonUndecodableImage
		if errors.Is(err, apperrors.ErrMissingResource) {
			reason = report.ReasonMissingImage
		}
		logger.Warn("skipping image", "stem", stem, "reason", reason, "error", err)
		rep.Skip(stem, reason, err)
		a.metrics.ImagesTotal.WithLabelValues(category, split, "skipped").Inc()
		return
	}
	if defaulted {
		rep.DefaultedSizes++
	}

	imageID := builder.NextImageID()
	doc.Images = append(doc.Images, coco.Image{
		ID:       imageID,
		FileName: layout.RelativeImagePath(category, fileName),
		Width:    dims.Width,
		Height:   dims.Height,
	})

	anns, source := a.annotationsFor(rep, builder, imageID, category, stem, fileName, local, logger)
	if len(anns) > 0 {
		doc.Annotations = append(doc.Annotations, anns...)
		a.metrics.AnnotationsTotal.WithLabelValues(category, source).Add(float64(len(anns)))
		a.metrics.ImagesTotal.WithLabelValues(category, split, "annotated").Inc()
		return
	}
	if a.cfg.Fallback != config.FallbackFullImage && source != sourceMask {
		rep.EmptyImages++
		a.metrics.ImagesTotal.WithLabelValues(category, split, "empty").Inc()
		return
	}
	ann, res := builder.Build(imageID, geometry.FullImage(dims.Width, dims.Height), a.cfg.MaskLabel, local)
	a.noteResolution(rep, category, stem, res, logger)
	doc.Annotations = append(doc.Annotations, ann)
	rep.FallbackImages++
	a.metrics.AnnotationsTotal.WithLabelValues(category, sourceFallback).Inc()
	a.metrics.ImagesTotal.WithLabelValues(category, split, "fallback").Inc()
}

// annotationsFor reads the configured annotation source of one image.
func (a *Assembler) annotationsFor(
	rep *report.Split,
	builder *annotation.Builder,
	imageID int64,
	category, stem, fileName string,
	local labels.LocalMap,
	logger *slog.Logger,
) ([]coco.Annotation, string) {
	csvPath := a.layout.CSVPath(category, stem)
	useCSV := a.cfg.Source == config.SourceCSV ||
		(a.cfg.Source == config.SourceAuto && layout.Exists(csvPath))
	if useCSV {
		return a.fromCSV(rep, builder, imageID, category, stem, csvPath, local, logger), sourceCSV
	}
	return a.fromMask(rep, builder, imageID, category, stem, fileName, local, logger), sourceMask
}

func (a *Assembler) fromCSV(
	rep *report.Split,
	builder *annotation.Builder,
	imageID int64,
	category, stem, csvPath string,
	local labels.LocalMap,
	logger *slog.Logger,
) []coco.Annotation {
	res, err := annotation.ParseCSVFile(csvPath, a.policy)
	if err != nil {
		rep.MissingSources++
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("unreadable annotation csv", "stem", stem, "error", err)
		}
		return nil
	}
	for _, d := range res.Discarded {
		logger.Warn("discarded csv row", "stem", stem, "line", d.Line, "error", d.Err)
	}
	rep.DiscardedRows += len(res.Discarded)

	anns := make([]coco.Annotation, 0, len(res.Rows))
	for _, row := range res.Rows {
		ann, resolution := builder.Build(imageID, geometry.FromBBox(row.BBox), row.Label, local)
		a.noteResolution(rep, category, stem, resolution, logger)
		anns = append(anns, ann)
	}
	return anns
}

func (a *Assembler) fromMask(
	rep *report.Split,
	builder *annotation.Builder,
	imageID int64,
	category, stem, fileName string,
	local labels.LocalMap,
	logger *slog.Logger,
) []coco.Annotation {
	start := time.Now()
	region, ok, err := geometry.ExtractFile(a.layout.MaskPath(category, fileName))
	a.metrics.MaskExtractDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		rep.MissingSources++
		logger.Debug("no usable mask", "stem", stem, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	ann, resolution := builder.Build(imageID, region, a.cfg.MaskLabel, local)
	a.noteResolution(rep, category, stem, resolution, logger)
	return []coco.Annotation{ann}
}

func (a *Assembler) noteResolution(rep *report.Split, category, stem string, res annotation.Resolution, logger *slog.Logger) {
	if !res.Degraded() {
		return
	}
	rep.Unresolved(res.String())
	a.metrics.UnresolvedLabelsTotal.WithLabelValues(category, res.String()).Inc()
	logger.Warn("label not resolved to a global category, keeping local id", "stem", stem, "reason", res.String())
}
