package kvconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pglsync/pkg/flagparse"
)

func TestParseAcceptsMinimalValidConfig(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	body := "Source=" + srcDir + "\nDestination=" + destDir + "\n"
	f := strings.NewReader(body)

	cfg, err := Parse(f)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0] != srcDir {
		t.Fatalf("unexpected sources: %+v", cfg.Sources)
	}
	if cfg.DestinationPath != destDir {
		t.Fatalf("unexpected destination: %q", cfg.DestinationPath)
	}
	if cfg.Mode != ModeBG || cfg.ThreadCount != 2 {
		t.Fatalf("expected default mode BG with ThreadCount 2, got %q/%d", cfg.Mode, cfg.ThreadCount)
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	body := "Source=" + srcDir + "\nDestination=" + destDir + "\nBogusKey=value\n"

	_, err := Parse(strings.NewReader(body))
	if err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestParseModeSetsThreadCountUnlessOverridden(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	body := "Source=" + srcDir + "\nDestination=" + destDir + "\nMode=Inter\nThreadCount=16\n"
	cfg, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ThreadCount != 16 {
		t.Fatalf("expected explicit ThreadCount=16 to win over Mode's default, got %d", cfg.ThreadCount)
	}

	body2 := "Source=" + srcDir + "\nDestination=" + destDir + "\nThreadCount=16\nMode=Inter\n"
	cfg2, err := Parse(strings.NewReader(body2))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg2.ThreadCount != 4 {
		t.Fatalf("expected a later Mode line to override an earlier ThreadCount, got %d", cfg2.ThreadCount)
	}
}

func TestParseSkipsChildSourceOfExistingParent(t *testing.T) {
	parent := t.TempDir()
	child := filepath.Join(parent, "sub")
	if err := os.Mkdir(child, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	destDir := t.TempDir()

	body := "Source=" + parent + "\nSource=" + child + "\nDestination=" + destDir + "\n"
	cfg, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("expected child source to be skipped, got %+v", cfg.Sources)
	}
}

func TestParseMissingSourceOrDestinationIsFatal(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	if err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestValidateDetectsDestinationInsideSource(t *testing.T) {
	srcDir := t.TempDir()
	destDir := filepath.Join(srcDir, "dest")
	if err := os.Mkdir(destDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := NewDefault()
	cfg.Sources = []string{srcDir}
	cfg.DestinationPath = destDir

	if err := cfg.Validate(true); err == nil {
		t.Fatalf("expected validation error for destination inside source")
	}
}

func TestMergeConfigWithFlagsOverridesDestination(t *testing.T) {
	base := NewDefault()
	merged := MergeConfigWithFlags(flagparse.Run, base, map[string]interface{}{
		"target":      "/somewhere",
		"thread-count": 12,
	})
	if merged.DestinationPath != "/somewhere" {
		t.Fatalf("expected target flag to set destination, got %q", merged.DestinationPath)
	}
	if merged.ThreadCount != 12 {
		t.Fatalf("expected thread-count flag to override, got %d", merged.ThreadCount)
	}
}

func TestGenerateRoundTripsThroughParse(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	cfg := NewDefault()
	cfg.Sources = []string{srcDir}
	cfg.DestinationPath = destDir

	var buf strings.Builder
	if err := Generate(cfg, &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	reparsed, err := Parse(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("Parse generated config: %v", err)
	}
	if len(reparsed.Sources) != 1 || reparsed.Sources[0] != srcDir {
		t.Fatalf("round trip lost source: %+v", reparsed.Sources)
	}
	if reparsed.DestinationPath != destDir {
		t.Fatalf("round trip lost destination: %q", reparsed.DestinationPath)
	}
}
