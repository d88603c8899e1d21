// Package coco defines the COCO object-detection document model and its
// on-disk serialisation.
package coco

import (
	"github.com/vegann/dataset-tools/internal/geometry"
)

// Document is one COCO file. It owns its Images and Annotations slices.
type Document struct {
	Info        Info         `json:"info"`
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
	Licenses    []License    `json:"licenses"`
}

// Info is the descriptive header of a document. DateCreated is the only
// field that changes between otherwise identical runs.
type Info struct {
	Year        int         `json:"year"`
	Version     string      `json:"version"`
	Description string      `json:"description"`
	URL         string      `json:"url,omitempty"`
	Contributor string      `json:"contributor,omitempty"`
	Source      string      `json:"source,omitempty"`
	License     *LicenseRef `json:"license,omitempty"`
	DateCreated string      `json:"date_created,omitempty"`
}

// LicenseRef names the license inside the info block.
type LicenseRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// License is an entry of the top-level licenses array.
type License struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Image describes one image file. The optional fields are only filled by the
// per-image mask generator.
type Image struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Size     int64  `json:"size,omitempty"`
	Format   string `json:"format,omitempty"`
	URL      string `json:"url,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Annotation is one object instance. IsCrowd is always 0.
type Annotation struct {
	ID           int64              `json:"id"`
	ImageID      int64              `json:"image_id"`
	CategoryID   int                `json:"category_id"`
	BBox         geometry.BBox      `json:"bbox"`
	Area         float64            `json:"area"`
	IsCrowd      int                `json:"iscrowd"`
	Segmentation []geometry.Polygon `json:"segmentation"`
}

// Category is an entry of the categories table.
type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

// New returns an empty document with non-nil slices so it always serialises
// with [] rather than null.
func New(info Info, categories []Category) *Document {
	cats := make([]Category, len(categories))
	copy(cats, categories)
	return &Document{
		Info:        info,
		Images:      []Image{},
		Annotations: []Annotation{},
		Categories:  cats,
		Licenses:    []License{},
	}
}

// NewAnnotation builds an annotation from a region.
func NewAnnotation(id, imageID int64, categoryID int, region geometry.Region) Annotation {
	return Annotation{
		ID:           id,
		ImageID:      imageID,
		CategoryID:   categoryID,
		BBox:         region.BBox,
		Area:         region.Area,
		IsCrowd:      0,
		Segmentation: []geometry.Polygon{region.Segmentation},
	}
}
