package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestWatcher(t *testing.T, root string) (*Watcher, chan struct{}) {
	t.Helper()

	changed := make(chan struct{}, 10)
	w, err := NewWatcher(NewScanner(root), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, changed
}

func waitChange(t *testing.T, changed chan struct{}) {
	t.Helper()
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestWatcherFiresOnNewTranscript(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "-home-user-proj")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}

	_, changed := startTestWatcher(t, root)

	path := filepath.Join(project, "abc.jsonl")
	if err := os.WriteFile(path, []byte(`{"sessionId":"tok-1","cwd":"/home/user/proj","timestamp":"2026-08-01T10:00:00Z"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitChange(t, changed)
}

func TestWatcherPicksUpNewProjectDir(t *testing.T) {
	root := t.TempDir()

	_, changed := startTestWatcher(t, root)

	// the CLI creates the project directory on first run
	project := filepath.Join(root, "-home-user-fresh")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	waitChange(t, changed)

	// writes inside the new directory must also be seen
	path := filepath.Join(project, "def.jsonl")
	if err := os.WriteFile(path, []byte(`{"sessionId":"tok-2","cwd":"/home/user/fresh","timestamp":"2026-08-01T11:00:00Z"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitChange(t, changed)
}

func TestWatcherMissingRootIsIdle(t *testing.T) {
	root := filepath.Join(t.TempDir(), "never-created")

	w, err := NewWatcher(NewScanner(root), func() {
		t.Error("onChange should never fire for a missing root")
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start should tolerate a missing root: %v", err)
	}
	w.Stop()
}
