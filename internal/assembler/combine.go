package assembler

import (
	"github.com/vegann/dataset-tools/internal/annotation"
	"github.com/vegann/dataset-tools/internal/coco"
	"github.com/vegann/dataset-tools/internal/geometry"
)

// SplitDocument pairs a combined document with its split.
type SplitDocument struct {
	Split    string
	Document *coco.Document
}

type combined struct {
	doc         *coco.Document
	images      annotation.Generator
	annotations annotation.Generator
}

// Combiner merges category documents into one document per split. Records
// are copied and renumbered with the combined document's own generators, so
// ids stay unique even though every category document starts from 1.
type Combiner struct {
	newInfo    func(split string) coco.Info
	categories []coco.Category
	scheme     string
	splits     map[string]*combined
	order      []string
}

// NewCombiner creates a Combiner. newInfo renders the info block of the
// combined document for a split.
func NewCombiner(newInfo func(split string) coco.Info, categories []coco.Category, scheme string) *Combiner {
	return &Combiner{
		newInfo:    newInfo,
		categories: categories,
		scheme:     scheme,
		splits:     make(map[string]*combined),
	}
}

// Add appends a copy of doc to the combined document of split.
func (c *Combiner) Add(split string, doc *coco.Document) {
	dst, ok := c.splits[split]
	if !ok {
		dst = &combined{
			doc:         coco.New(c.newInfo(split), c.categories),
			images:      annotation.NewGenerator(c.scheme),
			annotations: annotation.NewGenerator(c.scheme),
		}
		c.splits[split] = dst
		c.order = append(c.order, split)
	}

	remap := make(map[int64]int64, len(doc.Images))
	for _, img := range doc.Images {
		id := dst.images.Next()
		remap[img.ID] = id
		img.ID = id
		dst.doc.Images = append(dst.doc.Images, img)
	}
	for _, ann := range doc.Annotations {
		ann.ID = dst.annotations.Next()
		ann.ImageID = remap[ann.ImageID]
		ann.Segmentation = clonePolygons(ann)
		dst.doc.Annotations = append(dst.doc.Annotations, ann)
	}
}

// Documents returns the combined documents in the order their splits were
// first added.
func (c *Combiner) Documents() []SplitDocument {
	out := make([]SplitDocument, 0, len(c.order))
	for _, split := range c.order {
		out = append(out, SplitDocument{Split: split, Document: c.splits[split].doc})
	}
	return out
}

func clonePolygons(ann coco.Annotation) []geometry.Polygon {
	out := make([]geometry.Polygon, len(ann.Segmentation))
	for i, p := range ann.Segmentation {
		out[i] = append(geometry.Polygon(nil), p...)
	}
	return out
}
