// Package labels reads per-category label maps and unifies them into one
// global COCO category table.
package labels

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/vegann/dataset-tools/internal/coco"
)

// BackgroundID is the reserved local and global id of the background class.
const BackgroundID = 0

// BackgroundName is the name rendered for category 0.
const BackgroundName = "background"

// Entry is one record of a labelmap.json file.
type Entry struct {
	ObjectID         int    `json:"object_id"`
	LabelID          int    `json:"label_id"`
	KeyboardShortcut string `json:"keyboard_shortcut"`
	ObjectName       string `json:"object_name"`
}

// LocalMap maps a category's local object ids to object names.
type LocalMap map[int]string

// IDs returns the local ids in ascending order.
func (m LocalMap) IDs() []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Load reads a labelmap.json file. Duplicate object ids are rejected because
// they make local-id resolution ambiguous.
func Load(path string) (LocalMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading label map %s: %w", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing label map %s: %w", path, err)
	}
	m := make(LocalMap, len(entries))
	for _, e := range entries {
		if e.ObjectID < 0 {
			return nil, fmt.Errorf("label map %s: negative object_id %d", path, e.ObjectID)
		}
		if _, dup := m[e.ObjectID]; dup {
			return nil, fmt.Errorf("label map %s: duplicate object_id %d", path, e.ObjectID)
		}
		m[e.ObjectID] = e.ObjectName
	}
	return m, nil
}

// Write stores entries as an indented labelmap.json file.
func Write(path string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling label map: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing label map %s: %w", path, err)
	}
	return nil
}

// Source pairs a category with its local label map.
type Source struct {
	Category string
	Map      LocalMap
}

// Table is the immutable global category table. Build it with Unify.
type Table struct {
	ids   map[string]int
	names []string // names[i] has global id i+1
}

// Unify folds the label maps in the given order into a global table. Local id
// 0 is skipped; a name keeps the global id of its first appearance and new
// names get the next id starting at 1. The order of sources determines the
// assignment, so callers must pass a stable order.
func Unify(sources []Source) *Table {
	t := &Table{ids: make(map[string]int)}
	for _, src := range sources {
		for _, localID := range src.Map.IDs() {
			if localID == BackgroundID {
				continue
			}
			name := src.Map[localID]
			if _, seen := t.ids[name]; seen {
				continue
			}
			t.names = append(t.names, name)
			t.ids[name] = len(t.names)
		}
	}
	return t
}

// ID returns the global id of name.
func (t *Table) ID(name string) (int, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Len returns the number of non-background categories.
func (t *Table) Len() int {
	return len(t.names)
}

// Names returns the names in global id order.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Categories renders the table as COCO categories: background first, then
// every name by ascending id under supercategory.
func (t *Table) Categories(supercategory string) []coco.Category {
	cats := make([]coco.Category, 0, len(t.names)+1)
	cats = append(cats, coco.Category{ID: BackgroundID, Name: BackgroundName, Supercategory: BackgroundName})
	for i, name := range t.names {
		cats = append(cats, coco.Category{ID: i + 1, Name: name, Supercategory: supercategory})
	}
	return cats
}
