package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherNotifiesOncePerBurst(t *testing.T) {
	root := t.TempDir()
	state := filepath.Join(root, ".state.json")
	w, err := NewWatcher(root, state, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	notified := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func() { notified <- struct{}{} })
	}()

	if err := os.WriteFile(state, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	select {
	case <-notified:
		t.Fatalf("expected the state file to be ignored")
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a notification")
	}

	// the new subdirectory is watched too
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatalf("write nested: %v", err)
	}
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a notification for the nested file")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
