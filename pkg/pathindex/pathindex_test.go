package pathindex

import (
	"path/filepath"
	"testing"
)

func TestGetOrAssignIsStableAndMonotonic(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "Index.bin")

	idx, err := Load(idxPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	id1, err := idx.GetOrAssign("/data/a")
	if err != nil {
		t.Fatalf("GetOrAssign: %v", err)
	}
	if id1 != 1 {
		t.Fatalf("expected first id to be 1, got %d", id1)
	}

	id2, err := idx.GetOrAssign("/data/b")
	if err != nil {
		t.Fatalf("GetOrAssign: %v", err)
	}
	if id2 != 2 {
		t.Fatalf("expected second id to be 2, got %d", id2)
	}

	again, err := idx.GetOrAssign("/data/a")
	if err != nil {
		t.Fatalf("GetOrAssign: %v", err)
	}
	if again != id1 {
		t.Fatalf("expected repeated GetOrAssign to return stable id %d, got %d", id1, again)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "Index.bin")

	idx, err := Load(idxPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := idx.GetOrAssign("/data/a"); err != nil {
		t.Fatalf("GetOrAssign: %v", err)
	}
	if _, err := idx.GetOrAssign("/data/b"); err != nil {
		t.Fatalf("GetOrAssign: %v", err)
	}

	reloaded, err := Load(idxPath)
	if err != nil {
		t.Fatalf("Load reloaded: %v", err)
	}

	id, ok := reloaded.Lookup("/data/a")
	if !ok || id != 1 {
		t.Fatalf("expected /data/a -> 1, got %d, %v", id, ok)
	}
	p, ok := reloaded.Path(2)
	if !ok || p != "/data/b" {
		t.Fatalf("expected 2 -> /data/b, got %q, %v", p, ok)
	}

	nextID, err := reloaded.GetOrAssign("/data/c")
	if err != nil {
		t.Fatalf("GetOrAssign: %v", err)
	}
	if nextID != 3 {
		t.Fatalf("expected next id to continue from persisted state at 3, got %d", nextID)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	idx, err := Load(filepath.Join(dir, "does-not-exist.bin"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(idx.Snapshot()) != 0 {
		t.Fatalf("expected empty index for missing file")
	}
}
