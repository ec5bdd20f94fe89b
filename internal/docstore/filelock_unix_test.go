//go:build unix

package docstore

import (
	"path/filepath"
	"testing"
)

func TestJSONFileStateBackendRejectsSecondOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	first := NewJSONFileStateBackend(path)
	if _, err := first.Load(); err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	defer first.Close()
	second := NewJSONFileStateBackend(path)
	if _, err := second.Load(); err == nil {
		t.Fatalf("expected lock error for second backend on the same file")
	}
}
