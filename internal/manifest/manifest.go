// Package manifest reads the flat dataset CSV that lists every image with
// its species and its assignment in the five train/validation/test splits.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/vegann/dataset-tools/pkg/errors"
)

// Column names of the manifest header.
const (
	ColumnName    = "Name"
	ColumnSpecies = "Species"
)

// Split values used in the TVT columns.
const (
	Training   = "Training"
	Validation = "Validation"
	Test       = "Test"
)

// SplitColumns are the five alternative split assignments.
var SplitColumns = []string{"TVT-split1", "TVT-split2", "TVT-split3", "TVT-split4", "TVT-split5"}

// Record is one image of the flat dataset.
type Record struct {
	Name    string
	Species string
	Splits  map[string]string
}

// Stem is the image name without its extension.
func (r Record) Stem() string {
	return strings.TrimSuffix(r.Name, filepath.Ext(r.Name))
}

// Split returns the value of a TVT column. A missing or empty column means
// Training.
func (r Record) Split(column string) string {
	if v := r.Splits[column]; v != "" {
		return v
	}
	return Training
}

// SplitName maps a TVT value onto the layout's split names.
func SplitName(value string) string {
	switch value {
	case Test:
		return "test"
	case Validation:
		return "val"
	default:
		return "train"
	}
}

// Read opens and parses a manifest file.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("manifest %s: %w", path, apperrors.ErrMissingResource)
		}
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()
	records, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return records, nil
}

// Parse reads a ';'-delimited manifest. Rows without an image name or with a
// species of "", "Na" or "Species" (a repeated header) are dropped.
func Parse(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	nameCol, okName := columns[ColumnName]
	speciesCol, okSpecies := columns[ColumnSpecies]
	if !okName || !okSpecies {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "header must name %s and %s columns", ColumnName, ColumnSpecies)
	}

	var out []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		name := field(row, nameCol)
		species := field(row, speciesCol)
		if name == "" || species == "" || species == "Na" || species == ColumnSpecies {
			continue
		}
		rec := Record{Name: name, Species: species, Splits: make(map[string]string, len(SplitColumns))}
		for _, col := range SplitColumns {
			if i, ok := columns[col]; ok {
				rec.Splits[col] = field(row, i)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Species returns the distinct species in lexicographic order.
func Species(records []Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if !seen[r.Species] {
			seen[r.Species] = true
			out = append(out, r.Species)
		}
	}
	sort.Strings(out)
	return out
}
