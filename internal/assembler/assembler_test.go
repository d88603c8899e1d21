package assembler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vegann/dataset-tools/internal/coco"
	"github.com/vegann/dataset-tools/internal/geometry"
	"github.com/vegann/dataset-tools/internal/labels"
	"github.com/vegann/dataset-tools/internal/layout"
	"github.com/vegann/dataset-tools/internal/probe"
	"github.com/vegann/dataset-tools/internal/report"
	"github.com/vegann/dataset-tools/pkg/config"
	"github.com/vegann/dataset-tools/pkg/metrics"
)

const csvHeader = "#item,x,y,width,height,label\n"

var wheatMap = labels.LocalMap{0: "background", 1: "wheat"}

func writeGray(t *testing.T, path string, w, h int, fg image.Rectangle) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := fg.Min.Y; y < fg.Max.Y; y++ {
		for x := fg.Min.X; x < fg.Max.X; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, buf.String())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// fixture lays out a "wheats" category with images a, b and d (10x8):
// a has two csv rows, b has only a mask, d has an empty csv. The train
// manifest lists a, b and c.
func fixture(t *testing.T) *layout.Layout {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.EnsureCategory("wheats"); err != nil {
		t.Fatal(err)
	}
	for _, stem := range []string{"a", "b", "d"} {
		writeGray(t, filepath.Join(l.ImagesDir("wheats"), stem+".png"), 10, 8, image.Rectangle{})
	}
	writeFile(t, l.CSVPath("wheats", "a"), csvHeader+"0,1,1,3,3,1\n1,2,2,4,4,1\n")
	writeFile(t, l.CSVPath("wheats", "d"), csvHeader)
	writeGray(t, l.MaskPath("wheats", "b.png"), 10, 8, image.Rect(2, 3, 6, 5))
	if err := layout.WriteLines(l.ManifestPath("wheats", "train"), []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	return l
}

func baseConfig() config.ConvertConfig {
	return config.ConvertConfig{
		Source:        config.SourceCSV,
		Fallback:      config.FallbackNone,
		MaskLabel:     1,
		IDScheme:      config.IDSchemeSequential,
		Supercategory: "crop",
		Info: config.InfoConfig{
			Year:              2025,
			Version:           "1.0",
			DescriptionPrefix: "VegAnn Multicrop Presence Segmentation",
			URL:               "https://zenodo.org/records/7636408",
		},
	}
}

func newAssembler(l *layout.Layout, cfg config.ConvertConfig, m *metrics.Metrics) *Assembler {
	table := labels.Unify([]labels.Source{{Category: "wheats", Map: wheatMap}})
	sizer := probe.NewSizer(probe.Decoder{}, config.ProbeConfig{
		Undecodable: config.UndecodableSkip, DefaultWidth: 512, DefaultHeight: 512,
	})
	return New(l, table, sizer, cfg, m)
}

func TestResolveMembership(t *testing.T) {
	disk := map[string]string{"a": "a.jpg", "b": "b.png", "d": "d.jpg"}

	tests := []struct {
		name     string
		manifest []string
		found    bool
		want     Membership
	}{
		{
			name:     "manifest intersect disk",
			manifest: []string{"c", "a", "b"},
			found:    true,
			want: Membership{
				Stems: []string{"a", "b"}, MissingOnDisk: []string{"c"}, Excluded: []string{"d"}, ManifestFound: true,
			},
		},
		{
			name:  "no manifest uses every image",
			found: false,
			want: Membership{
				Stems: []string{"a", "b", "d"}, MissingOnDisk: []string{}, Excluded: []string{},
			},
		},
		{
			name:  "empty manifest is an empty split",
			found: true,
			want: Membership{
				Stems: []string{}, MissingOnDisk: []string{}, Excluded: []string{"a", "b", "d"}, ManifestFound: true,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveMembership(tc.manifest, tc.found, disk)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("membership = %+v\nwant %+v", got, tc.want)
			}
		})
	}
}

func TestAssembleSplitResolution(t *testing.T) {
	l := fixture(t)
	a := newAssembler(l, baseConfig(), metrics.New())

	doc, rep, err := a.Assemble(context.Background(), "wheats", wheatMap, "train")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, img := range doc.Images {
		names = append(names, img.FileName)
	}
	if want := []string{"wheats/images/a.png", "wheats/images/b.png"}; !reflect.DeepEqual(names, want) {
		t.Errorf("images = %v, want %v", names, want)
	}
	if !reflect.DeepEqual(rep.MissingOnDisk, []string{"c"}) || !reflect.DeepEqual(rep.Excluded, []string{"d"}) {
		t.Errorf("missing = %v, excluded = %v", rep.MissingOnDisk, rep.Excluded)
	}
	if doc.Images[0].Width != 10 || doc.Images[0].Height != 8 {
		t.Errorf("image size = %dx%d", doc.Images[0].Width, doc.Images[0].Height)
	}
	if doc.Info.Description != "VegAnn Multicrop Presence Segmentation wheats train split" {
		t.Errorf("description = %q", doc.Info.Description)
	}
	if doc.Categories[0].ID != 0 || doc.Categories[0].Name != "background" || doc.Categories[1].Name != "wheat" {
		t.Errorf("categories = %+v", doc.Categories)
	}
}

func TestAssembleFallbackModes(t *testing.T) {
	// "val" has no manifest: images a, b and d with two csv rows in total.
	const images, rows, emptyImages = 3, 2, 2

	tests := []struct {
		name            string
		fallback        string
		wantAnnotations int
	}{
		{"none", config.FallbackNone, rows},
		{"full image", config.FallbackFullImage, rows + emptyImages},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := fixture(t)
			cfg := baseConfig()
			cfg.Fallback = tc.fallback
			m := metrics.New()
			doc, rep, err := newAssembler(l, cfg, m).Assemble(context.Background(), "wheats", wheatMap, "val")
			if err != nil {
				t.Fatal(err)
			}
			if len(doc.Images) != images {
				t.Fatalf("images = %d, want %d", len(doc.Images), images)
			}
			if len(doc.Annotations) != tc.wantAnnotations {
				t.Fatalf("annotations = %d, want %d", len(doc.Annotations), tc.wantAnnotations)
			}
			if rep.ManifestFound {
				t.Error("val has no manifest")
			}

			if tc.fallback == config.FallbackNone {
				if rep.EmptyImages != emptyImages || rep.FallbackImages != 0 {
					t.Errorf("empty = %d, fallback = %d", rep.EmptyImages, rep.FallbackImages)
				}
				if got := testutil.ToFloat64(m.ImagesTotal.WithLabelValues("wheats", "val", "empty")); got != emptyImages {
					t.Errorf("empty counter = %v", got)
				}
				return
			}

			if rep.FallbackImages != emptyImages {
				t.Errorf("fallback images = %d", rep.FallbackImages)
			}
			if len(doc.Annotations) < len(doc.Images) {
				t.Error("every image should carry an annotation")
			}
			// b is the second image and has no csv.
			var fb *coco.Annotation
			for i := range doc.Annotations {
				if doc.Annotations[i].ImageID == doc.Images[1].ID {
					fb = &doc.Annotations[i]
				}
			}
			if fb == nil {
				t.Fatal("no fallback annotation for b")
			}
			if fb.BBox != (geometry.BBox{Width: 10, Height: 8}) || fb.Area != 80 || fb.CategoryID != 1 {
				t.Errorf("fallback annotation = %+v", fb)
			}
		})
	}
}

func TestAssembleMaskSource(t *testing.T) {
	l := fixture(t)
	cfg := baseConfig()
	cfg.Source = config.SourceAuto
	doc, _, err := newAssembler(l, cfg, metrics.New()).Assemble(context.Background(), "wheats", wheatMap, "train")
	if err != nil {
		t.Fatal(err)
	}
	// a from csv (2), b from its mask (1).
	if len(doc.Annotations) != 3 {
		t.Fatalf("annotations = %+v", doc.Annotations)
	}
	mask := doc.Annotations[2]
	if mask.ImageID != doc.Images[1].ID {
		t.Errorf("mask annotation image = %d", mask.ImageID)
	}
	if mask.BBox != (geometry.BBox{X: 2, Y: 3, Width: 3, Height: 1}) || mask.Area != 3 {
		t.Errorf("mask bbox = %+v area %v", mask.BBox, mask.Area)
	}
}

func TestAssembleMaskSourceFallsBackToFullImage(t *testing.T) {
	l := fixture(t)
	// a has an all-black mask, b a real one and d none at all.
	writeGray(t, l.MaskPath("wheats", "a.png"), 10, 8, image.Rectangle{})
	cfg := baseConfig()
	cfg.Source = config.SourceMask
	m := metrics.New()
	doc, rep, err := newAssembler(l, cfg, m).Assemble(context.Background(), "wheats", wheatMap, "val")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Annotations) != 3 {
		t.Fatalf("annotations = %+v", doc.Annotations)
	}
	full := geometry.BBox{Width: 10, Height: 8}
	wantBoxes := []geometry.BBox{full, {X: 2, Y: 3, Width: 3, Height: 1}, full}
	for i, ann := range doc.Annotations {
		if ann.ImageID != doc.Images[i].ID {
			t.Errorf("annotation %d image = %d, want %d", i, ann.ImageID, doc.Images[i].ID)
		}
		if ann.BBox != wantBoxes[i] {
			t.Errorf("annotation %d bbox = %+v, want %+v", i, ann.BBox, wantBoxes[i])
		}
	}
	if rep.EmptyImages != 0 || rep.FallbackImages != 2 {
		t.Errorf("empty = %d, fallback = %d", rep.EmptyImages, rep.FallbackImages)
	}
	if rep.MissingSources != 1 {
		t.Errorf("missing sources = %d", rep.MissingSources)
	}
	if got := testutil.ToFloat64(m.AnnotationsTotal.WithLabelValues("wheats", "fallback")); got != 2 {
		t.Errorf("fallback annotations counter = %v", got)
	}
}

func TestAssembleCountsUnresolvedLabels(t *testing.T) {
	l := fixture(t)
	writeFile(t, l.CSVPath("wheats", "a"), csvHeader+"0,1,1,3,3,7\n1,x,1,1,1,1\n")
	m := metrics.New()
	doc, rep, err := newAssembler(l, baseConfig(), m).Assemble(context.Background(), "wheats", wheatMap, "train")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Annotations) != 1 || doc.Annotations[0].CategoryID != 7 {
		t.Fatalf("annotations = %+v", doc.Annotations)
	}
	if rep.UnresolvedLabels["unmapped_local_id"] != 1 {
		t.Errorf("unresolved = %v", rep.UnresolvedLabels)
	}
	if rep.DiscardedRows != 1 {
		t.Errorf("discarded rows = %d", rep.DiscardedRows)
	}
	if got := testutil.ToFloat64(m.UnresolvedLabelsTotal.WithLabelValues("wheats", "unmapped_local_id")); got != 1 {
		t.Errorf("unresolved counter = %v", got)
	}
}

func TestAssembleSkipsUndecodableImage(t *testing.T) {
	l := fixture(t)
	writeFile(t, filepath.Join(l.ImagesDir("wheats"), "e.jpg"), "not a jpeg")
	doc, rep, err := newAssembler(l, baseConfig(), metrics.New()).Assemble(context.Background(), "wheats", wheatMap, "val")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Images) != 3 {
		t.Errorf("images = %d, want 3", len(doc.Images))
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0].Stem != "e" || rep.Skipped[0].Reason != report.ReasonUndecodableImage {
		t.Errorf("skipped = %+v", rep.Skipped)
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	l := fixture(t)
	render := func(now time.Time) []byte {
		a := newAssembler(l, baseConfig(), metrics.New())
		a.SetClock(func() time.Time { return now })
		doc, _, err := a.Assemble(context.Background(), "wheats", wheatMap, "val")
		if err != nil {
			t.Fatal(err)
		}
		if doc.Info.DateCreated == "" {
			t.Fatal("date_created not set")
		}
		doc.Info.DateCreated = ""
		data, err := coco.Marshal(doc)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	first := render(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	second := render(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if !bytes.Equal(first, second) {
		t.Errorf("documents differ:\n%s\n---\n%s", first, second)
	}
}

func TestAssembleCancelled(t *testing.T) {
	l := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := newAssembler(l, baseConfig(), metrics.New()).Assemble(ctx, "wheats", wheatMap, "val"); err == nil {
		t.Error("expected context error")
	}
}

func TestCombinerRenumbers(t *testing.T) {
	region := geometry.FromBBox(geometry.BBox{Width: 2, Height: 2})
	mk := func(name string) *coco.Document {
		doc := coco.New(coco.Info{}, nil)
		doc.Images = []coco.Image{{ID: 1, FileName: name + "/images/1.png"}, {ID: 2, FileName: name + "/images/2.png"}}
		doc.Annotations = []coco.Annotation{
			coco.NewAnnotation(1, 2, 1, region),
			coco.NewAnnotation(2, 1, 1, region),
		}
		return doc
	}
	wheats, oats := mk("wheats"), mk("oats")

	c := NewCombiner(func(split string) coco.Info {
		return coco.Info{Description: "combined " + split}
	}, []coco.Category{{ID: 0, Name: "background", Supercategory: "background"}}, config.IDSchemeSequential)
	c.Add("train", wheats)
	c.Add("train", oats)
	c.Add("val", wheats)

	docs := c.Documents()
	if len(docs) != 2 || docs[0].Split != "train" || docs[1].Split != "val" {
		t.Fatalf("documents = %+v", docs)
	}
	train := docs[0].Document
	if train.Info.Description != "combined train" {
		t.Errorf("info = %+v", train.Info)
	}
	ids := map[int64]string{}
	for _, img := range train.Images {
		if _, dup := ids[img.ID]; dup {
			t.Fatalf("duplicate image id %d", img.ID)
		}
		ids[img.ID] = img.FileName
	}
	if len(ids) != 4 {
		t.Fatalf("images = %+v", train.Images)
	}
	// oats annotation 1 points at oats image 2, which became image 4.
	if got := ids[train.Annotations[2].ImageID]; got != "oats/images/2.png" {
		t.Errorf("remapped image = %s", got)
	}
	for i, ann := range train.Annotations {
		if ann.ID != int64(i+1) {
			t.Errorf("annotation %d id = %d", i, ann.ID)
		}
	}
	if wheats.Images[0].ID != 1 || wheats.Annotations[0].ImageID != 2 {
		t.Error("source document was modified")
	}
}

func BenchmarkAssemble(b *testing.B) {
	root := b.TempDir()
	l := layout.New(root)
	if err := l.EnsureCategory("wheats"); err != nil {
		b.Fatal(err)
	}
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		path := filepath.Join(l.ImagesDir("wheats"), fmt.Sprintf("img%03d.png", i))
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			b.Fatal(err)
		}
	}
	a := newAssembler(l, baseConfig(), metrics.New())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := a.Assemble(context.Background(), "wheats", wheatMap, "all"); err != nil {
			b.Fatal(err)
		}
	}
}
