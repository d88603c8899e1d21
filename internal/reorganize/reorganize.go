// Package reorganize splits the flat dataset (one images directory, one
// masks directory and a manifest CSV) into the per-category layout read by
// the converter.
package reorganize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vegann/dataset-tools/internal/annotation"
	"github.com/vegann/dataset-tools/internal/geometry"
	"github.com/vegann/dataset-tools/internal/labels"
	"github.com/vegann/dataset-tools/internal/layout"
	"github.com/vegann/dataset-tools/internal/manifest"
	"github.com/vegann/dataset-tools/pkg/config"
	"github.com/vegann/dataset-tools/pkg/logger"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
)

var categoryNames = map[string]string{
	"Alfalfa":    "alfalfas",
	"Barley":     "barleys",
	"Bean":       "beans",
	"Cabbage":    "cabbages",
	"Faba beans": "faba_beans",
	"Grassland":  "grasslands",
	"Maize":      "maizes",
	"Mix":        "mixes",
	"Mustard":    "mustards",
	"Oat":        "oats",
	"Onion":      "onions",
	"Pea":        "peas",
	"Pepper":     "peppers",
	"Potato":     "potatoes",
	"Radish":     "radishes",
	"Rapeseed":   "rapeseeds",
	"Raspberry":  "raspberries",
	"Rice":       "rices",
	"Sorghum":    "sorghums",
	"Sorrel":     "sorrels",
	"Soybean":    "soybeans",
	"Sugarbeet":  "sugarbeets",
	"Sunflower":  "sunflowers",
	"Tabacco":    "tobaccos",
	"Vetch":      "vetches",
	"Wheat":      "wheats",
}

// CategoryName returns the category directory of a species.
func CategoryName(species string) string {
	if name, ok := categoryNames[species]; ok {
		return name
	}
	return strings.ToLower(species) + "s"
}

// ObjectName is the label-map class name of a species.
func ObjectName(species string) string {
	return strings.ReplaceAll(strings.ToLower(species), " ", "_")
}

// CategoryResult summarises one reorganized category.
type CategoryResult struct {
	Category      string `json:"category"`
	Species       string `json:"species"`
	Images        int    `json:"images"`
	Train         int    `json:"train"`
	Val           int    `json:"val"`
	Test          int    `json:"test"`
	CSVWritten    int    `json:"csv_written"`
	MissingImages int    `json:"missing_images"`
	MissingJSON   int    `json:"missing_json"`
	MissingMasks  int    `json:"missing_masks"`
}

// Reorganizer copies the flat dataset into the category layout.
type Reorganizer struct {
	cfg    config.ReorganizeConfig
	layout *layout.Layout
	logger *slog.Logger
}

// New creates a Reorganizer writing below root.
func New(root string, cfg config.ReorganizeConfig) *Reorganizer {
	return &Reorganizer{
		cfg:    cfg,
		layout: layout.New(root),
		logger: logger.WithComponent("reorganize"),
	}
}

// Run reorganizes every category listed in the manifest. Missing source
// files are counted and skipped. Categories are returned in lexicographic
// order.
func (r *Reorganizer) Run(ctx context.Context) ([]CategoryResult, error) {
	records, err := manifest.Read(r.cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	byCategory := make(map[string][]manifest.Record)
	for _, rec := range records {
		cat := CategoryName(rec.Species)
		byCategory[cat] = append(byCategory[cat], rec)
	}
	cats := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	r.logger.Info("manifest read", "records", len(records), "categories", len(cats))

	results := make([]CategoryResult, 0, len(cats))
	for _, cat := range cats {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.category(cat, byCategory[cat])
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Reorganizer) category(cat string, items []manifest.Record) (CategoryResult, error) {
	res := CategoryResult{Category: cat, Species: items[0].Species}
	if err := r.layout.EnsureCategory(cat); err != nil {
		return res, apperrors.Newf(apperrors.ErrOutputUnwritable, "%v", err)
	}
	entries := []labels.Entry{
		{ObjectID: 0, LabelID: 0, KeyboardShortcut: "0", ObjectName: labels.BackgroundName},
		{ObjectID: 1, LabelID: 1, KeyboardShortcut: "1", ObjectName: ObjectName(res.Species)},
	}
	if err := labels.Write(r.layout.LabelMapPath(cat), entries); err != nil {
		return res, err
	}

	var train, val, test, all []string
	for _, item := range items {
		stem := item.Stem()

		copied, err := copyFile(filepath.Join(r.cfg.ImagesDir, item.Name), filepath.Join(r.layout.ImagesDir(cat), item.Name))
		if err != nil {
			return res, err
		}
		if copied {
			res.Images++
		} else {
			res.MissingImages++
		}

		srcJSON := filepath.Join(r.cfg.ImagesDir, stem+".json")
		copied, err = copyFile(srcJSON, r.layout.JSONPath(cat, stem))
		if err != nil {
			return res, err
		}
		if copied {
			written, err := writeCSVFromJSON(srcJSON, r.layout.CSVPath(cat, stem))
			if err != nil {
				r.logger.Warn("csv not derived", "category", cat, "stem", stem, "error", err)
			} else if written {
				res.CSVWritten++
			}
		} else {
			res.MissingJSON++
		}

		copied, err = copyFile(filepath.Join(r.cfg.MasksDir, item.Name), r.layout.MaskPath(cat, item.Name))
		if err != nil {
			return res, err
		}
		if !copied {
			res.MissingMasks++
		}

		all = append(all, stem)
		switch manifest.SplitName(item.Split(r.cfg.SplitColumn)) {
		case "test":
			test = append(test, stem)
		case "val":
			val = append(val, stem)
		default:
			train = append(train, stem)
		}
	}

	sets := map[string][]string{
		"train":     train,
		"val":       val,
		"test":      test,
		"all":       all,
		"train_val": append(append([]string(nil), train...), val...),
	}
	for split, stems := range sets {
		if err := layout.WriteLines(r.layout.ManifestPath(cat, split), stems); err != nil {
			return res, err
		}
	}
	res.Train, res.Val, res.Test = len(train), len(val), len(test)
	r.logger.Info("category reorganized",
		"category", cat,
		"images", res.Images,
		"train", res.Train,
		"val", res.Val,
		"test", res.Test,
		"missing_images", res.MissingImages,
		"missing_masks", res.MissingMasks,
	)
	return res, nil
}

// copyFile copies src to dst keeping the modification time. It reports
// false without error when src does not exist.
func copyFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return false, apperrors.Newf(apperrors.ErrOutputUnwritable, "creating %s: %v", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("closing %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return false, fmt.Errorf("setting times on %s: %w", dst, err)
	}
	return true, nil
}

type jsonAnnotation struct {
	BBox       *geometry.BBox `json:"bbox"`
	CategoryID *int           `json:"category_id"`
}

// writeCSVFromJSON derives the bounding-box CSV from a per-image COCO file.
// Nothing is written when the file has no annotations.
func writeCSVFromJSON(jsonPath, csvPath string) (bool, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", jsonPath, err)
	}
	var doc struct {
		Annotations []jsonAnnotation `json:"annotations"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("parsing %s: %w", jsonPath, err)
	}
	if len(doc.Annotations) == 0 {
		return false, nil
	}

	rows := make([]annotation.Row, 0, len(doc.Annotations))
	for i, a := range doc.Annotations {
		row := annotation.Row{Index: i, Label: 1}
		if a.BBox != nil {
			row.BBox = *a.BBox
		}
		if a.CategoryID != nil {
			row.Label = *a.CategoryID
		}
		rows = append(rows, row)
	}
	f, err := os.Create(csvPath)
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", csvPath, err)
	}
	if err := annotation.WriteCSV(f, rows); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("closing %s: %w", csvPath, err)
	}
	return true, nil
}
