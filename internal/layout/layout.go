// Package layout encodes the on-disk convention of the category dataset:
//
//	<root>/<category>/images/<stem>.<ext>
//	<root>/<category>/csv/<stem>.csv
//	<root>/<category>/json/<stem>.json
//	<root>/<category>/segmentations/<image file name>
//	<root>/<category>/sets/<split>.txt
//	<root>/<category>/labelmap.json
package layout

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sub-directory names inside a category.
const (
	ImagesDir        = "images"
	CSVDir           = "csv"
	JSONDir          = "json"
	SegmentationsDir = "segmentations"
	SetsDir          = "sets"
	LabelMapFile     = "labelmap.json"
)

// ImageExtensions lists the accepted image extensions in lookup priority.
var ImageExtensions = []string{".jpg", ".png", ".jpeg", ".bmp"}

// reserved top-level directories that are never categories.
var reserved = map[string]bool{
	"annotations": true,
	"scripts":     true,
	"images":      true,
	"data":        true,
	"docs":        true,
	"extra":       true,
}

// Layout resolves paths below a dataset root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) *Layout {
	return &Layout{Root: root}
}

func (l *Layout) CategoryDir(category string) string {
	return filepath.Join(l.Root, category)
}

func (l *Layout) ImagesDir(category string) string {
	return filepath.Join(l.Root, category, ImagesDir)
}

func (l *Layout) CSVPath(category, stem string) string {
	return filepath.Join(l.Root, category, CSVDir, stem+".csv")
}

func (l *Layout) JSONPath(category, stem string) string {
	return filepath.Join(l.Root, category, JSONDir, stem+".json")
}

func (l *Layout) MaskPath(category, fileName string) string {
	return filepath.Join(l.Root, category, SegmentationsDir, fileName)
}

func (l *Layout) ManifestPath(category, split string) string {
	return filepath.Join(l.Root, category, SetsDir, split+".txt")
}

func (l *Layout) LabelMapPath(category string) string {
	return filepath.Join(l.Root, category, LabelMapFile)
}

// RelativeImagePath is the file_name recorded in COCO documents.
func RelativeImagePath(category, fileName string) string {
	return category + "/" + ImagesDir + "/" + fileName
}

// Categories lists category directories in lexicographic order. Hidden and
// reserved directories are skipped, and a category must contain both images/
// and csv/.
func (l *Layout) Categories() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset root %s: %w", l.Root, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || reserved[name] {
			continue
		}
		if !isDir(filepath.Join(l.Root, name, ImagesDir)) || !isDir(filepath.Join(l.Root, name, CSVDir)) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// EnsureCategory creates every sub-directory of a category.
func (l *Layout) EnsureCategory(category string) error {
	for _, sub := range []string{CSVDir, JSONDir, ImagesDir, SegmentationsDir, SetsDir} {
		if err := os.MkdirAll(filepath.Join(l.Root, category, sub), 0755); err != nil {
			return fmt.Errorf("creating %s/%s: %w", category, sub, err)
		}
	}
	return nil
}

// Images maps image stems to file names for every image in the category.
// When two files share a stem the extension earlier in ImageExtensions wins.
func (l *Layout) Images(category string) (map[string]string, error) {
	entries, err := os.ReadDir(l.ImagesDir(category))
	if err != nil {
		return nil, fmt.Errorf("listing images of %s: %w", category, err)
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		rank := extRank(ext)
		if rank < 0 {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		if prev, ok := out[stem]; ok && extRank(filepath.Ext(prev)) <= rank {
			continue
		}
		out[stem] = name
	}
	return out, nil
}

func extRank(ext string) int {
	for i, e := range ImageExtensions {
		if e == ext {
			return i
		}
	}
	return -1
}

// ReadManifest reads a split manifest: one image stem per line, blank lines
// ignored, duplicates dropped, order kept. exists is false when the file is
// absent, which callers treat as "every image".
func (l *Layout) ReadManifest(category, split string) (stems []string, exists bool, err error) {
	return ReadLines(l.ManifestPath(category, split))
}

// ReadLines reads a newline-delimited list file.
func ReadLines(path string) (lines []string, exists bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, true, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, true, nil
}

// WriteLines writes one entry per line with a trailing newline.
func WriteLines(path string, lines []string) error {
	data := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
