// Package annotation turns geometry and local category ids into COCO
// annotation records. It also parses the per-image bounding-box CSV files
// and owns the identifier schemes used inside a document.
package annotation

import (
	"github.com/vegann/dataset-tools/internal/coco"
	"github.com/vegann/dataset-tools/internal/geometry"
	"github.com/vegann/dataset-tools/internal/labels"
)

// Resolution tells how a local category id was mapped to a global one.
type Resolution int

const (
	// Resolved means the local id named a class present in the global table.
	Resolved Resolution = iota
	// UnmappedLocalID means the local id is absent from the label map and
	// was used as the global id unchanged.
	UnmappedLocalID
	// UnknownName means the label map named a class missing from the global
	// table and the local id was used unchanged.
	UnknownName
)

func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case UnmappedLocalID:
		return "unmapped_local_id"
	case UnknownName:
		return "unknown_name"
	default:
		return "unknown"
	}
}

// Degraded reports whether the raw local id leaked into the output. Such an
// id may collide with an unrelated global category.
func (r Resolution) Degraded() bool {
	return r != Resolved
}

// Resolve maps a category-local id to a global category id.
func Resolve(localID int, local labels.LocalMap, table *labels.Table) (int, Resolution) {
	name, ok := local[localID]
	if !ok {
		return localID, UnmappedLocalID
	}
	globalID, ok := table.ID(name)
	if !ok {
		return localID, UnknownName
	}
	return globalID, Resolved
}

// Builder creates the image and annotation records of one document.
type Builder struct {
	table       *labels.Table
	images      Generator
	annotations Generator
}

// NewBuilder creates a Builder using the given id scheme for both images and
// annotations.
func NewBuilder(table *labels.Table, scheme string) *Builder {
	return NewBuilderWithGenerators(table, NewGenerator(scheme), NewGenerator(scheme))
}

// NewBuilderWithGenerators creates a Builder with explicit generators.
func NewBuilderWithGenerators(table *labels.Table, images, annotations Generator) *Builder {
	return &Builder{
		table:       table,
		images:      images,
		annotations: annotations,
	}
}

// NextImageID reserves the id of a new image record.
func (b *Builder) NextImageID() int64 {
	return b.images.Next()
}

// Build produces an annotation for imageID, resolving localID through the
// category's label map and the global table.
func (b *Builder) Build(imageID int64, region geometry.Region, localID int, local labels.LocalMap) (coco.Annotation, Resolution) {
	categoryID, res := Resolve(localID, local, b.table)
	return b.BuildGlobal(imageID, region, categoryID), res
}

// BuildGlobal produces an annotation whose category id is already global.
func (b *Builder) BuildGlobal(imageID int64, region geometry.Region, categoryID int) coco.Annotation {
	return coco.NewAnnotation(b.annotations.Next(), imageID, categoryID, region)
}
