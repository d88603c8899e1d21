// Package pipeline runs a full category-layout to COCO conversion: category
// discovery, label unification, per category/split assembly, combined
// documents, the run report and delivery to the optional sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/vegann/dataset-tools/internal/assembler"
	"github.com/vegann/dataset-tools/internal/coco"
	"github.com/vegann/dataset-tools/internal/labels"
	"github.com/vegann/dataset-tools/internal/layout"
	"github.com/vegann/dataset-tools/internal/probe"
	"github.com/vegann/dataset-tools/internal/report"
	"github.com/vegann/dataset-tools/internal/sink"
	"github.com/vegann/dataset-tools/pkg/config"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
	"github.com/vegann/dataset-tools/pkg/logger"
	"github.com/vegann/dataset-tools/pkg/metrics"
	"github.com/vegann/dataset-tools/pkg/tracing"
)

// Converter owns the collaborators of a conversion run.
type Converter struct {
	cfg     *config.Config
	prober  probe.Prober
	metrics *metrics.Metrics
	sinks   *sink.Fanout
	now     func() time.Time
}

// Option customises a Converter.
type Option func(*Converter)

// WithProber replaces the image dimension prober.
func WithProber(p probe.Prober) Option {
	return func(c *Converter) { c.prober = p }
}

// WithSinks delivers results to f.
func WithSinks(f *sink.Fanout) Option {
	return func(c *Converter) { c.sinks = f }
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Converter) { c.now = now }
}

// New creates a Converter. m must not be nil.
func New(cfg *config.Config, m *metrics.Metrics, opts ...Option) *Converter {
	c := &Converter{
		cfg:     cfg,
		prober:  probe.Decoder{},
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sinks == nil {
		c.sinks = sink.NewFanout(m)
	}
	return c
}

// DocumentName is the file name of a category/split document.
func DocumentName(category, split string) string {
	return fmt.Sprintf("%s_instances_%s.json", category, split)
}

// CombinedName is the file name of a combined split document.
func CombinedName(split string) string {
	return fmt.Sprintf("combined_instances_%s.json", split)
}

// Run converts the dataset. Only a missing root, an output directory that
// cannot be written, or a cancelled context end the run with an error; every
// other problem is recorded in the returned report.
func (c *Converter) Run(ctx context.Context) (*report.Run, error) {
	root := c.cfg.Dataset.Root
	outDir := c.cfg.Dataset.OutputDir

	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, apperrors.Newf(apperrors.ErrRootMissing, "dataset root %s is not a directory", root)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, apperrors.Newf(apperrors.ErrOutputUnwritable, "creating %s: %v", outDir, err)
	}

	run := report.NewRun(root, outDir, c.now())
	ctx = logger.WithRun(ctx, run.ID)
	log := logger.FromContext(ctx).With("component", "pipeline")
	ctx, rootSpan := tracing.StartSpan(ctx, "convert", run.ID)
	log.Info("conversion started", "root", root, "output", outDir)

	l := layout.New(root)
	categories, err := c.categories(l, run)
	if err != nil {
		return nil, err
	}

	sources := c.loadLabelMaps(ctx, l, categories, run, log)
	run.Categories = make([]string, 0, len(sources))
	for _, src := range sources {
		run.Categories = append(run.Categories, src.Category)
	}
	c.metrics.CategoriesSkipped.Set(float64(len(run.SkippedCategories)))

	_, unifySpan := tracing.StartChildSpan(ctx, "unify")
	table := labels.Unify(sources)
	unifySpan.SetAttr("classes", table.Len())
	unifySpan.End()
	log.Info("label spaces unified", "categories", len(sources), "classes", table.Len())

	sizer := probe.NewSizer(c.prober, c.cfg.Probe)
	asm := assembler.New(l, table, sizer, c.cfg.Convert, c.metrics)
	asm.SetClock(c.now)
	writer := coco.NewWriter(outDir)

	var combiner *assembler.Combiner
	if c.cfg.Convert.Combined {
		combiner = assembler.NewCombiner(func(split string) coco.Info {
			return asm.Info("combined " + split)
		}, asm.Categories(), c.cfg.Convert.IDScheme)
	}

	for _, src := range sources {
		for _, split := range c.cfg.Convert.Splits {
			if err := c.convertSplit(ctx, asm, writer, combiner, run, src, split, log); err != nil {
				return nil, err
			}
		}
	}

	if combiner != nil {
		for _, sd := range combiner.Documents() {
			path, err := c.write(ctx, writer, run, CombinedName(sd.Split), sd.Document, sink.DocumentWritten{
				Kind:  sink.KindCombined,
				Split: sd.Split,
			})
			if errors.Is(err, apperrors.ErrUnencodable) {
				log.Warn("combined document skipped", "split", sd.Split, "error", err)
				continue
			}
			if err != nil {
				return nil, err
			}
			log.Info("combined document written", "split", sd.Split, "path", path,
				"images", len(sd.Document.Images), "annotations", len(sd.Document.Annotations))
		}
	}

	run.Finish(c.now())
	data, err := run.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := writer.WriteRaw(report.FileName, data); err != nil {
		return nil, apperrors.Newf(apperrors.ErrOutputUnwritable, "writing run report: %v", err)
	}
	run.Log(log)

	if err := c.sinks.RunCompleted(ctx, run); err != nil {
		log.Warn("run report not delivered to every sink", "error", err)
	}
	if path := c.cfg.Metrics.Textfile; path != "" {
		if err := c.metrics.WriteTextfile(path); err != nil {
			log.Warn("metrics textfile not written", "error", err)
		}
	}

	rootSpan.SetAttr("documents", len(run.Documents))
	rootSpan.End()
	if c.cfg.Tracing.Enabled {
		rootSpan.Log(log)
	}
	return run, nil
}

func (c *Converter) categories(l *layout.Layout, run *report.Run) ([]string, error) {
	if len(c.cfg.Convert.Categories) == 0 {
		cats, err := l.Categories()
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrRootMissing, "%v", err)
		}
		return cats, nil
	}
	cats := append([]string(nil), c.cfg.Convert.Categories...)
	sort.Strings(cats)
	out := make([]string, 0, len(cats))
	for _, cat := range cats {
		if !layout.Exists(l.ImagesDir(cat)) {
			run.SkipCategory(cat, fmt.Errorf("%s: %w", l.ImagesDir(cat), apperrors.ErrMissingResource))
			continue
		}
		out = append(out, cat)
	}
	return out, nil
}

// loadLabelMaps reads the label map of every category in order. Categories
// without a usable label map are skipped.
func (c *Converter) loadLabelMaps(ctx context.Context, l *layout.Layout, categories []string, run *report.Run, log *slog.Logger) []labels.Source {
	_, span := tracing.StartChildSpan(ctx, "load_label_maps")
	defer span.End()

	sources := make([]labels.Source, 0, len(categories))
	for _, cat := range categories {
		m, err := labels.Load(l.LabelMapPath(cat))
		if err != nil {
			log.Warn("skipping category without usable label map", "category", cat, "error", err)
			run.SkipCategory(cat, err)
			continue
		}
		sources = append(sources, labels.Source{Category: cat, Map: m})
	}
	span.SetAttr("categories", len(sources))
	return sources
}

func (c *Converter) convertSplit(
	ctx context.Context,
	asm *assembler.Assembler,
	writer *coco.Writer,
	combiner *assembler.Combiner,
	run *report.Run,
	src labels.Source,
	split string,
	log *slog.Logger,
) error {
	spanCtx, span := tracing.StartChildSpan(ctx, "assemble")
	span.SetAttr("category", src.Category)
	span.SetAttr("split", split)
	defer span.End()

	doc, rep, err := asm.Assemble(spanCtx, src.Category, src.Map, split)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("split skipped", "category", src.Category, "split", split, "error", err)
		rep.Skip("", report.ReasonSplitUnavailable, err)
		run.AddSplit(rep)
		return nil
	}

	path, err := c.write(spanCtx, writer, run, DocumentName(src.Category, split), doc, sink.DocumentWritten{
		Kind:     sink.KindCategory,
		Category: src.Category,
		Split:    split,
	})
	if errors.Is(err, apperrors.ErrUnencodable) {
		log.Warn("split skipped", "category", src.Category, "split", split, "error", err)
		rep.Skip("", report.ReasonUnencodable, err)
		run.AddSplit(rep)
		return nil
	}
	if err != nil {
		return err
	}
	rep.Document = path
	run.AddSplit(rep)
	span.SetAttr("images", rep.Images)
	span.SetAttr("annotations", rep.Annotations)

	if combiner != nil {
		combiner.Add(split, doc)
	}
	return nil
}

// write stores doc, records it in the run and notifies the sinks. A document
// that cannot be encoded yields ErrUnencodable and only costs that document.
// A failed write to the output directory is fatal because every later
// document would fail the same way.
func (c *Converter) write(ctx context.Context, writer *coco.Writer, run *report.Run, name string, doc *coco.Document, ev sink.DocumentWritten) (string, error) {
	_, span := tracing.StartChildSpan(ctx, "write")
	span.SetAttr("file", name)
	defer span.End()

	data, err := coco.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", name, err, apperrors.ErrUnencodable)
	}
	path, err := writer.WriteRaw(name, data)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrOutputUnwritable, "%v", err)
	}
	run.AddDocument(path)
	c.metrics.DocumentsWrittenTotal.WithLabelValues(ev.Kind).Inc()

	ev.RunID = run.ID
	ev.Path = path
	ev.Images = len(doc.Images)
	ev.Annotations = len(doc.Annotations)
	ev.WrittenAt = c.now().UTC()
	if err := c.sinks.DocumentWritten(ctx, ev); err != nil {
		logger.FromContext(ctx).Warn("document event not delivered to every sink", "path", path, "error", err)
	}
	return path, nil
}
