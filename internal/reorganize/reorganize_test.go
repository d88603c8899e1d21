package reorganize

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vegann/dataset-tools/internal/annotation"
	"github.com/vegann/dataset-tools/internal/labels"
	"github.com/vegann/dataset-tools/internal/layout"
	"github.com/vegann/dataset-tools/pkg/config"
)

func TestCategoryName(t *testing.T) {
	tests := map[string]string{
		"Wheat":      "wheats",
		"Potato":     "potatoes",
		"Faba beans": "faba_beans",
		"Tabacco":    "tobaccos",
		"Vetch":      "vetches",
		"Lentil":     "lentils",
	}
	for species, want := range tests {
		if got := CategoryName(species); got != want {
			t.Errorf("CategoryName(%q) = %q, want %q", species, got, want)
		}
	}
	if got := ObjectName("Faba beans"); got != "faba_beans" {
		t.Errorf("ObjectName = %q", got)
	}
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRun(t *testing.T) {
	src := t.TempDir()
	imagesDir := filepath.Join(src, "images")
	masksDir := filepath.Join(src, "masks")
	for _, d := range []string{imagesDir, masksDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	manifestPath := filepath.Join(src, "dataset.csv")
	writeFile(t, manifestPath, strings.Join([]string{
		"Name;Species;TVT-split1",
		"w1.png;Wheat;Training",
		"w2.png;Wheat;Validation",
		"w3.png;Wheat;Test",
		"p1.png;Potato;Training",
		"",
	}, "\n"))

	for _, name := range []string{"w1.png", "w2.png", "p1.png"} {
		writePNG(t, filepath.Join(imagesDir, name))
	}
	writePNG(t, filepath.Join(masksDir, "w1.png"))
	old := time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(imagesDir, "w1.png"), old, old); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(imagesDir, "w1.json"),
		`{"annotations":[{"bbox":[1,2,3,4],"category_id":1},{"segmentation":[]}]}`)
	writeFile(t, filepath.Join(imagesDir, "w2.json"), `{"annotations":[]}`)

	root := t.TempDir()
	r := New(root, config.ReorganizeConfig{
		ManifestPath: manifestPath,
		ImagesDir:    imagesDir,
		MasksDir:     masksDir,
		SplitColumn:  "TVT-split1",
	})
	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []CategoryResult{
		{Category: "potatoes", Species: "Potato", Images: 1, Train: 1, MissingJSON: 1, MissingMasks: 1},
		{Category: "wheats", Species: "Wheat", Images: 2, Train: 1, Val: 1, Test: 1, CSVWritten: 1,
			MissingImages: 1, MissingJSON: 1, MissingMasks: 2},
	}
	if !reflect.DeepEqual(results, want) {
		t.Fatalf("results = %+v\nwant %+v", results, want)
	}

	l := layout.New(root)
	cats, err := l.Categories()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cats, []string{"potatoes", "wheats"}) {
		t.Errorf("categories = %v", cats)
	}

	local, err := labels.Load(l.LabelMapPath("wheats"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(local, labels.LocalMap{0: "background", 1: "wheat"}) {
		t.Errorf("label map = %v", local)
	}

	sets := map[string][]string{
		"train":     {"w1"},
		"val":       {"w2"},
		"test":      {"w3"},
		"all":       {"w1", "w2", "w3"},
		"train_val": {"w1", "w2"},
	}
	for split, wantStems := range sets {
		stems, exists, err := l.ReadManifest("wheats", split)
		if err != nil || !exists {
			t.Fatalf("%s: exists=%v err=%v", split, exists, err)
		}
		if !reflect.DeepEqual(stems, wantStems) {
			t.Errorf("%s = %v, want %v", split, stems, wantStems)
		}
	}

	res, err := annotation.ParseCSVFile(l.CSVPath("wheats", "w1"), annotation.DefaultRowPolicy)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("csv rows = %+v", res.Rows)
	}
	if res.Rows[0].BBox.X != 1 || res.Rows[0].BBox.Height != 4 {
		t.Errorf("first row = %+v", res.Rows[0])
	}
	if res.Rows[1].BBox.Width != 0 || res.Rows[1].Label != 1 {
		t.Errorf("defaulted row = %+v", res.Rows[1])
	}
	if layout.Exists(l.CSVPath("wheats", "w2")) {
		t.Error("csv written for a json without annotations")
	}
	if !layout.Exists(l.MaskPath("wheats", "w1.png")) {
		t.Error("mask not copied")
	}

	info, err := os.Stat(filepath.Join(l.ImagesDir("wheats"), "w1.png"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(old) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), old)
	}
}

func TestRunMissingManifest(t *testing.T) {
	r := New(t.TempDir(), config.ReorganizeConfig{ManifestPath: filepath.Join(t.TempDir(), "absent.csv")})
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
