package coco

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Writer serialises documents into an output directory.
type Writer struct {
	dir string
}

// NewWriter creates a Writer that writes documents into dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Write atomically creates name inside the output directory. It writes to a
// .tmp file first and renames on success, so a crashed run never leaves a
// truncated document behind.
func (w *Writer) Write(name string, doc *Document) (string, error) {
	data, err := Marshal(doc)
	if err != nil {
		return "", err
	}
	return w.WriteRaw(name, data)
}

// WriteRaw atomically writes already-encoded bytes.
func (w *Writer) WriteRaw(name string, data []byte) (string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	finalPath := filepath.Join(w.dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("syncing %s: %w", name, err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming %s: %w", name, err)
	}
	return finalPath, nil
}

// Marshal encodes a document with two-space indentation and a trailing
// newline.
func Marshal(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling coco document: %w", err)
	}
	return append(data, '\n'), nil
}

// Load reads a document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading coco document %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing coco document %s: %w", path, err)
	}
	return &doc, nil
}
