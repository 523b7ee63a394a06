package util

import (
	"os"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{"read-only permission", 0444, 0644},
		{"already has write permission", 0755, 0755},
		{"no permissions", 0000, 0200},
		{"execute-only permission", 0111, 0311},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := WithUserWritePermission(tc.input)
			if result != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, result)
			}
		})
	}
}

func TestWithUserExecutePermission(t *testing.T) {
	if got := WithUserExecutePermission(0644); got != 0744 {
		t.Errorf("expected 0744, got %o", got)
	}
	if got := WithUserExecutePermission(0755); got != 0755 {
		t.Errorf("expected 0755 unchanged, got %o", got)
	}
}

func TestInvertMap(t *testing.T) {
	m := map[string]int{"run": 1, "init": 2}
	inv := InvertMap(m)
	if inv[1] != "run" || inv[2] != "init" {
		t.Errorf("unexpected inverted map: %v", inv)
	}
	if len(inv) != len(m) {
		t.Errorf("expected inverted map to have %d entries, got %d", len(m), len(inv))
	}
}

func TestMergeAndDeduplicate(t *testing.T) {
	got := MergeAndDeduplicate([]string{"a", "b"}, []string{"b", "c"}, []string{"a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(got), got)
	}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("expected order-preserving dedup %v, got %v", want, got)
		}
	}
}

func TestMergeAndDeduplicateNoInput(t *testing.T) {
	if got := MergeAndDeduplicate(); len(got) != 0 {
		t.Errorf("expected empty slice for no input, got %v", got)
	}
}
