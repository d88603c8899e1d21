// Package report collects the structured skip-report of a conversion run:
// what was assembled, what was dropped and why.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// FileName is the name of the report written next to the documents.
const FileName = "report.json"

// Skip reasons for images.
const (
	ReasonMissingImage     = "missing_image"
	ReasonUndecodableImage = "undecodable_image"
	ReasonSplitUnavailable = "split_unavailable"
	ReasonUnencodable      = "unencodable_document"
)

// SkippedImage is an image left out of a document.
type SkippedImage struct {
	Stem   string `json:"stem"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Split is the report of one category/split document.
type Split struct {
	Category         string         `json:"category"`
	Split            string         `json:"split"`
	Document         string         `json:"document,omitempty"`
	ManifestFound    bool           `json:"manifest_found"`
	Images           int            `json:"images"`
	Annotations      int            `json:"annotations"`
	MissingOnDisk    []string       `json:"missing_on_disk"`
	Excluded         []string       `json:"excluded"`
	Skipped          []SkippedImage `json:"skipped"`
	DiscardedRows    int            `json:"discarded_rows"`
	MissingSources   int            `json:"missing_sources"`
	EmptyImages      int            `json:"empty_images"`
	FallbackImages   int            `json:"fallback_images"`
	DefaultedSizes   int            `json:"defaulted_sizes"`
	UnresolvedLabels map[string]int `json:"unresolved_labels"`
}

// NewSplit returns an empty report with non-nil collections.
func NewSplit(category, split string) *Split {
	return &Split{
		Category:         category,
		Split:            split,
		MissingOnDisk:    []string{},
		Excluded:         []string{},
		Skipped:          []SkippedImage{},
		UnresolvedLabels: map[string]int{},
	}
}

// Skip records an image that was left out.
func (s *Split) Skip(stem, reason string, err error) {
	entry := SkippedImage{Stem: stem, Reason: reason}
	if err != nil {
		entry.Detail = err.Error()
	}
	s.Skipped = append(s.Skipped, entry)
}

// Unresolved counts an annotation whose label fell back to its local id.
func (s *Split) Unresolved(reason string) {
	s.UnresolvedLabels[reason]++
}

// UnresolvedTotal sums UnresolvedLabels.
func (s *Split) UnresolvedTotal() int {
	n := 0
	for _, c := range s.UnresolvedLabels {
		n += c
	}
	return n
}

// SkippedCategory is a category dropped before assembly.
type SkippedCategory struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Summary aggregates every split of a run.
type Summary struct {
	Documents             int     `json:"documents"`
	Images                int     `json:"images"`
	Annotations           int     `json:"annotations"`
	MissingOnDisk         int     `json:"missing_on_disk"`
	Excluded              int     `json:"excluded"`
	SkippedImages         int     `json:"skipped_images"`
	DiscardedRows         int     `json:"discarded_rows"`
	FallbackImages        int     `json:"fallback_images"`
	UnresolvedLabels      int     `json:"unresolved_labels"`
	AnnotationsPerImage   float64 `json:"annotations_per_image_mean"`
	AnnotationsPerImageSD float64 `json:"annotations_per_image_stddev"`
}

// Run is the report of one conversion run.
type Run struct {
	ID                string            `json:"run_id"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
	Root              string            `json:"root"`
	OutputDir         string            `json:"output_dir"`
	Categories        []string          `json:"categories"`
	SkippedCategories []SkippedCategory `json:"skipped_categories"`
	Splits            []*Split          `json:"splits"`
	Documents         []string          `json:"documents"`
	Summary           Summary           `json:"summary"`
}

// NewRun starts a report with a fresh run id.
func NewRun(root, outputDir string, started time.Time) *Run {
	return &Run{
		ID:                uuid.NewString(),
		StartedAt:         started.UTC(),
		Root:              root,
		OutputDir:         outputDir,
		Categories:        []string{},
		SkippedCategories: []SkippedCategory{},
		Splits:            []*Split{},
		Documents:         []string{},
	}
}

// SkipCategory records a category dropped before assembly.
func (r *Run) SkipCategory(category string, err error) {
	r.SkippedCategories = append(r.SkippedCategories, SkippedCategory{Category: category, Reason: err.Error()})
}

// AddSplit appends a split report.
func (r *Run) AddSplit(s *Split) {
	r.Splits = append(r.Splits, s)
}

// AddDocument records the path of a written document.
func (r *Run) AddDocument(path string) {
	r.Documents = append(r.Documents, path)
}

// Finish stamps the end time and computes the summary.
func (r *Run) Finish(finished time.Time) {
	r.FinishedAt = finished.UTC()
	r.Summary = summarize(r.Splits)
	r.Summary.Documents = len(r.Documents)
}

func summarize(splits []*Split) Summary {
	var sum Summary
	var ratios []float64
	for _, s := range splits {
		sum.Images += s.Images
		sum.Annotations += s.Annotations
		sum.MissingOnDisk += len(s.MissingOnDisk)
		sum.Excluded += len(s.Excluded)
		sum.SkippedImages += len(s.Skipped)
		sum.DiscardedRows += s.DiscardedRows
		sum.FallbackImages += s.FallbackImages
		sum.UnresolvedLabels += s.UnresolvedTotal()
		if s.Images > 0 {
			ratios = append(ratios, float64(s.Annotations)/float64(s.Images))
		}
	}
	if len(ratios) > 0 {
		mean, sd := stat.MeanStdDev(ratios, nil)
		sum.AnnotationsPerImage = mean
		if !math.IsNaN(sd) {
			sum.AnnotationsPerImageSD = sd
		}
	}
	return sum
}

// Marshal renders the report as indented JSON.
func (r *Run) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling run report: %w", err)
	}
	return append(data, '\n'), nil
}

// Log prints one line per split and one summary line.
func (r *Run) Log(logger *slog.Logger) {
	for _, c := range r.SkippedCategories {
		logger.Warn("category skipped", "category", c.Category, "reason", c.Reason)
	}
	for _, s := range r.Splits {
		logger.Info("split assembled",
			"category", s.Category,
			"split", s.Split,
			"images", s.Images,
			"annotations", s.Annotations,
			"missing_on_disk", len(s.MissingOnDisk),
			"excluded", len(s.Excluded),
			"skipped", len(s.Skipped),
			"discarded_rows", s.DiscardedRows,
			"fallback_images", s.FallbackImages,
			"unresolved_labels", s.UnresolvedTotal(),
		)
	}
	logger.Info("run summary",
		"run_id", r.ID,
		"documents", r.Summary.Documents,
		"images", r.Summary.Images,
		"annotations", r.Summary.Annotations,
		"annotations_per_image", r.Summary.AnnotationsPerImage,
		"duration", r.FinishedAt.Sub(r.StartedAt),
	)
}
