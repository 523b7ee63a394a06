package faildetect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarkFailureAndMarkSuccessAreMutuallyExclusive(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)

	if err := d.MarkFailure(); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	if !d.WasLastFailure() || d.WasLastSuccess() {
		t.Fatalf("expected only failure sentinel present")
	}

	if err := d.MarkSuccess(); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if d.WasLastFailure() || !d.WasLastSuccess() {
		t.Fatalf("expected only success sentinel present after MarkSuccess")
	}
}

func TestCheckCacheIntegrityFirstRunCreatesDir(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")

	result, err := CheckCacheIntegrity(cacheDir, filepath.Join(root, ".BackupCache"), true)
	if err != nil {
		t.Fatalf("expected no error for a brand new destination, got %v", err)
	}
	if result != IntegrityOK {
		t.Fatalf("expected IntegrityOK for a brand new destination, got %v", result)
	}
	if _, statErr := os.Stat(cacheDir); statErr != nil {
		t.Fatalf("expected cache dir to be created, stat failed: %v", statErr)
	}
}

func TestCheckCacheIntegrityFatalWhenExistingDirIncomplete(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")
	mustMkdir(t, cacheDir)
	mustWrite(t, filepath.Join(cacheDir, "Index.bin"), []byte{0, 0, 0, 0})
	// State.bin and both sentinels are missing: a pre-existing directory
	// left behind by a run that crashed before ever reaching MarkFailure.

	result, err := CheckCacheIntegrity(cacheDir, filepath.Join(root, ".BackupCache"), true)
	if err == nil {
		t.Fatalf("expected error for a pre-existing but incomplete cache directory")
	}
	if result != IntegrityFatal {
		t.Fatalf("expected IntegrityFatal, got %v", result)
	}
}

func TestCheckCacheIntegrityOKWhenComplete(t *testing.T) {
	cacheDir := t.TempDir()
	mustWrite(t, filepath.Join(cacheDir, "Index.bin"), []byte{0, 0, 0, 0})
	mustWrite(t, filepath.Join(cacheDir, "State.bin"), []byte{0, 0, 0, 0})

	d := New(cacheDir)
	if err := d.MarkSuccess(); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	result, err := CheckCacheIntegrity(cacheDir, "", false)
	if err != nil {
		t.Fatalf("CheckCacheIntegrity: %v", err)
	}
	if result != IntegrityOK {
		t.Fatalf("expected IntegrityOK, got %v", result)
	}
}

func TestCheckCacheIntegrityRestoresFromBackup(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")
	backupDir := filepath.Join(root, ".BackupCache")

	mustMkdir(t, backupDir)
	mustWrite(t, filepath.Join(backupDir, "Index.bin"), []byte{0, 0, 0, 0})
	mustWrite(t, filepath.Join(backupDir, "State.bin"), []byte{0, 0, 0, 0})
	mustWrite(t, filepath.Join(backupDir, ".Success"), nil)
	// The cache directory already exists but is empty, so it is incomplete
	// rather than a brand new destination.
	mustMkdir(t, cacheDir)

	result, err := CheckCacheIntegrity(cacheDir, backupDir, true)
	if err != nil {
		t.Fatalf("CheckCacheIntegrity: %v", err)
	}
	if result != IntegrityRestoredFromBackup {
		t.Fatalf("expected IntegrityRestoredFromBackup, got %v", result)
	}
	if _, statErr := os.Stat(filepath.Join(cacheDir, "Index.bin")); statErr != nil {
		t.Fatalf("expected Index.bin restored: %v", statErr)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}
