package labels

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/vegann/dataset-tools/internal/coco"
)

func TestUnifySharedNames(t *testing.T) {
	table := Unify([]Source{
		{Category: "a", Map: LocalMap{0: "background", 1: "wheat", 2: "maize"}},
		{Category: "b", Map: LocalMap{1: "maize", 2: "oat"}},
	})

	want := map[string]int{"wheat": 1, "maize": 2, "oat": 3}
	for name, id := range want {
		got, ok := table.ID(name)
		if !ok || got != id {
			t.Errorf("ID(%q) = %d, %v; want %d", name, got, ok, id)
		}
	}
	if table.Len() != 3 {
		t.Errorf("Len = %d, want 3", table.Len())
	}

	cats := table.Categories("crop")
	wantCats := []coco.Category{
		{ID: 0, Name: "background", Supercategory: "background"},
		{ID: 1, Name: "wheat", Supercategory: "crop"},
		{ID: 2, Name: "maize", Supercategory: "crop"},
		{ID: 3, Name: "oat", Supercategory: "crop"},
	}
	if !reflect.DeepEqual(cats, wantCats) {
		t.Errorf("categories = %+v", cats)
	}
}

func TestUnifyOrderMatters(t *testing.T) {
	a := Source{Category: "a", Map: LocalMap{1: "wheat"}}
	b := Source{Category: "b", Map: LocalMap{1: "oat"}}

	ab := Unify([]Source{a, b})
	ba := Unify([]Source{b, a})
	if id, _ := ab.ID("wheat"); id != 1 {
		t.Errorf("ab wheat = %d", id)
	}
	if id, _ := ba.ID("wheat"); id != 2 {
		t.Errorf("ba wheat = %d", id)
	}
}

func TestUnifyAscendingLocalIDs(t *testing.T) {
	table := Unify([]Source{{Category: "a", Map: LocalMap{5: "late", 2: "early", 0: "background"}}})
	if !reflect.DeepEqual(table.Names(), []string{"early", "late"}) {
		t.Errorf("names = %v", table.Names())
	}
	if _, ok := table.ID("background"); ok {
		t.Error("background must not enter the table")
	}
}

func TestUnifyEmpty(t *testing.T) {
	table := Unify(nil)
	cats := table.Categories("crop")
	if len(cats) != 1 || cats[0].Name != BackgroundName {
		t.Errorf("categories = %+v", cats)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	if err := Write(good, []Entry{
		{ObjectID: 0, LabelID: 0, KeyboardShortcut: "0", ObjectName: "background"},
		{ObjectID: 1, LabelID: 1, KeyboardShortcut: "1", ObjectName: "faba_beans"},
	}); err != nil {
		t.Fatal(err)
	}
	m, err := Load(good)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(m, LocalMap{0: "background", 1: "faba_beans"}) {
		t.Errorf("map = %v", m)
	}

	dup := filepath.Join(dir, "dup.json")
	if err := os.WriteFile(dup, []byte(`[{"object_id":1,"object_name":"a"},{"object_id":1,"object_name":"b"}]`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dup); err == nil {
		t.Error("expected duplicate id error")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"object_id":1}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}

	if _, err := Load(filepath.Join(dir, "absent.json")); err == nil {
		t.Error("expected missing file error")
	}
}
