package scanner

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestWalkFindsRegularFilesRecursively(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.txt"), "a")
	mustMkdir(t, filepath.Join(root, "sub"))
	mustWriteFile(t, filepath.Join(root, "sub", "b.txt"), "bb")

	s := New(nil)
	files, err := s.Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	got := paths(files)
	sort.Strings(got)
	want := []string{
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "sub", "b.txt"),
	}
	sort.Strings(want)

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestWalkSkipsExcludedPaths(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "keep.txt"), "k")
	mustMkdir(t, filepath.Join(root, "skipdir"))
	mustWriteFile(t, filepath.Join(root, "skipdir", "hidden.txt"), "h")
	mustWriteFile(t, filepath.Join(root, "skipfile.txt"), "s")

	s := New([]string{
		filepath.Join(root, "skipdir"),
		filepath.Join(root, "skipfile.txt"),
	})
	files, err := s.Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	got := paths(files)
	if len(got) != 1 || got[0] != filepath.Join(root, "keep.txt") {
		t.Fatalf("expected only keep.txt, got %v", got)
	}
}

func TestWalkSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	mustWriteFile(t, target, "real")

	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported on this platform: %v", err)
	}

	s := New(nil)
	files, err := s.Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	got := paths(files)
	if len(got) != 1 || got[0] != target {
		t.Fatalf("expected only the real file, got %v", got)
	}
}

func TestWalkHandlesFileRoot(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "single.txt")
	mustWriteFile(t, file, "only")

	s := New(nil)
	files, err := s.Walk(file)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(files) != 1 || files[0].AbsolutePath != file {
		t.Fatalf("expected a single ScannedFile for %s, got %v", file, files)
	}
	if files[0].Size != 4 {
		t.Fatalf("expected size 4, got %d", files[0].Size)
	}
}

func mustWriteFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll %s: %v", path, err)
	}
}

func paths(files []ScannedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.AbsolutePath
	}
	return out
}
