package layout

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCategories(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	for _, c := range []string{"wheats", "barleys", "scripts", ".cache"} {
		if err := l.EnsureCategory(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "oats", ImagesDir), 0755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(root, "README.md"))

	got, err := l.Categories()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"barleys", "wheats"}; !reflect.DeepEqual(got, want) {
		t.Errorf("categories = %v, want %v", got, want)
	}

	if _, err := New(filepath.Join(root, "absent")).Categories(); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestImagesExtensionPriority(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	dir := l.ImagesDir("peas")
	for _, name := range []string{"a.png", "a.jpg", "b.bmp", "b.jpeg", "c.png", "notes.txt", "d.JPG"} {
		touch(t, filepath.Join(dir, name))
	}
	got, err := l.Images("peas")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"a": "a.jpg", "b": "b.jpeg", "c": "c.png"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("images = %v, want %v", got, want)
	}
}

func TestReadManifest(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	stems, exists, err := l.ReadManifest("peas", "train")
	if err != nil || exists || stems != nil {
		t.Fatalf("absent manifest: stems=%v exists=%v err=%v", stems, exists, err)
	}

	path := l.ManifestPath("peas", "train")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := WriteLines(path, []string{"b", "", "a", " c ", "a"}); err != nil {
		t.Fatal(err)
	}
	stems, exists, err = l.ReadManifest("peas", "train")
	if err != nil || !exists {
		t.Fatalf("exists=%v err=%v", exists, err)
	}
	if want := []string{"b", "a", "c"}; !reflect.DeepEqual(stems, want) {
		t.Errorf("stems = %v, want %v", stems, want)
	}

	if err := WriteLines(path, nil); err != nil {
		t.Fatal(err)
	}
	stems, exists, err = l.ReadManifest("peas", "train")
	if err != nil || !exists || len(stems) != 0 {
		t.Errorf("empty manifest: stems=%v exists=%v err=%v", stems, exists, err)
	}
}

func TestPaths(t *testing.T) {
	l := New("/data")
	if got := l.CSVPath("peas", "x1"); got != filepath.Join("/data", "peas", "csv", "x1.csv") {
		t.Errorf("CSVPath = %s", got)
	}
	if got := l.MaskPath("peas", "x1.png"); got != filepath.Join("/data", "peas", "segmentations", "x1.png") {
		t.Errorf("MaskPath = %s", got)
	}
	if got := RelativeImagePath("peas", "x1.png"); got != "peas/images/x1.png" {
		t.Errorf("RelativeImagePath = %s", got)
	}
}
