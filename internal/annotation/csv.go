package annotation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/vegann/dataset-tools/internal/geometry"
	apperrors "github.com/vegann/dataset-tools/pkg/errors"
)

// Field names one column of a per-image bounding-box CSV.
type Field int

const (
	FieldIndex Field = iota
	FieldX
	FieldY
	FieldWidth
	FieldHeight
	FieldLabel
	numFields
)

var fieldNames = [numFields]string{"index", "x", "y", "width", "height", "label"}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldNames[f]
}

// RowPolicy declares which header names feed each field, in priority order,
// and the value used when none of them is present in the header.
type RowPolicy struct {
	Synonyms [numFields][]string
	Defaults [numFields]float64
}

// DefaultRowPolicy accepts the header written by the reorganize tool
// ("#item,x,y,width,height,label") and the common aliases seen in
// third-party exports.
var DefaultRowPolicy = RowPolicy{
	Synonyms: [numFields][]string{
		FieldIndex:  {"#item", "index", "item"},
		FieldX:      {"x"},
		FieldY:      {"y"},
		FieldWidth:  {"width", "w", "dx"},
		FieldHeight: {"height", "h", "dy"},
		FieldLabel:  {"label", "class", "category_id"},
	},
	Defaults: [numFields]float64{
		FieldIndex:  0,
		FieldX:      0,
		FieldY:      0,
		FieldWidth:  0,
		FieldHeight: 0,
		FieldLabel:  1,
	},
}

// Row is one parsed bounding-box record. Defaulted records the fields that
// came from the policy defaults because the header had no matching column.
type Row struct {
	Index     int
	BBox      geometry.BBox
	Label     int
	Defaulted []Field
}

// RowError describes a discarded row.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// ParseResult holds the rows kept from one CSV file plus what was dropped.
type ParseResult struct {
	Rows      []Row
	Comments  int
	Discarded []RowError
}

// ParseCSVFile opens path and parses it with ParseCSV.
func ParseCSVFile(path string, policy RowPolicy) (ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("opening annotation csv %s: %w", path, err)
	}
	defer f.Close()
	return ParseCSV(f, policy)
}

// ParseCSV reads a header row followed by bounding-box rows. A row whose
// index starts with '#' is a comment. A row with the wrong number of columns
// or an unparseable number is discarded and reported; the remaining rows are
// still returned. Only an unreadable stream is an error.
func ParseCSV(r io.Reader, policy RowPolicy) (ParseResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var result ParseResult
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("reading csv header: %w", err)
	}
	columns := resolveColumns(header, policy)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Discarded = append(result.Discarded, RowError{Line: parseErr.Line, Err: fmt.Errorf("%w: %v", apperrors.ErrMalformedRow, parseErr.Err)})
				continue
			}
			return result, fmt.Errorf("reading csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if idx := columns[FieldIndex]; idx >= 0 && idx < len(record) && strings.HasPrefix(strings.TrimSpace(record[idx]), "#") {
			result.Comments++
			continue
		}
		if len(record) != len(header) {
			result.Discarded = append(result.Discarded, RowError{
				Line: line,
				Err:  fmt.Errorf("%w: %d columns, header has %d", apperrors.ErrMalformedRow, len(record), len(header)),
			})
			continue
		}
		row, err := parseRow(record, columns, policy)
		if err != nil {
			result.Discarded = append(result.Discarded, RowError{Line: line, Err: err})
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// resolveColumns maps every field to a header position, or -1 when the
// policy default applies.
func resolveColumns(header []string, policy RowPolicy) [numFields]int {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := positions[name]; !dup {
			positions[name] = i
		}
	}
	var columns [numFields]int
	for f := Field(0); f < numFields; f++ {
		columns[f] = -1
		for _, alias := range policy.Synonyms[f] {
			if pos, ok := positions[strings.ToLower(alias)]; ok {
				columns[f] = pos
				break
			}
		}
	}
	return columns
}

func parseRow(record []string, columns [numFields]int, policy RowPolicy) (Row, error) {
	var values [numFields]float64
	var row Row
	for f := Field(0); f < numFields; f++ {
		pos := columns[f]
		if pos < 0 {
			values[f] = policy.Defaults[f]
			row.Defaulted = append(row.Defaulted, f)
			continue
		}
		raw := strings.TrimSpace(record[pos])
		switch f {
		case FieldIndex, FieldLabel:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return Row{}, fmt.Errorf("%w: %s %q is not an integer", apperrors.ErrMalformedRow, f, raw)
			}
			values[f] = float64(n)
		default:
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Row{}, fmt.Errorf("%w: %s %q is not a number", apperrors.ErrMalformedRow, f, raw)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Row{}, fmt.Errorf("%w: %s %q is not finite", apperrors.ErrMalformedRow, f, raw)
			}
			values[f] = v
		}
	}
	row.Index = int(values[FieldIndex])
	row.Label = int(values[FieldLabel])
	row.BBox = geometry.BBox{
		X:      values[FieldX],
		Y:      values[FieldY],
		Width:  values[FieldWidth],
		Height: values[FieldHeight],
	}
	if row.BBox.Width < 0 || row.BBox.Height < 0 {
		return Row{}, fmt.Errorf("%w: negative box size %gx%g", apperrors.ErrMalformedRow, row.BBox.Width, row.BBox.Height)
	}
	return row, nil
}

// WriteCSV writes rows in the "#item,x,y,width,height,label" layout read by
// DefaultRowPolicy.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"#item", "x", "y", "width", "height", "label"}); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.Itoa(r.Index),
			formatFloat(r.BBox.X),
			formatFloat(r.BBox.Y),
			formatFloat(r.BBox.Width),
			formatFloat(r.BBox.Height),
			strconv.Itoa(r.Label),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv row %d: %w", r.Index, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
