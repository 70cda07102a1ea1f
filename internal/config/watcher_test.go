package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskwire/internal/config"
)

func TestWatcher_EmitsOnWorkspacesChange(t *testing.T) {
	home := t.TempDir()
	wsPath := filepath.Join(home, "workspaces.yaml")
	writeFile(t, wsPath, "acme:\n  app_token: a\n  bot_token: b\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := config.NewWatcher(home, wsPath, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Give fsnotify a moment to install the watch before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, wsPath, "acme:\n  app_token: a2\n  bot_token: b2\n")

	select {
	case ev := <-w.Events():
		if ev.Path != wsPath {
			t.Fatalf("unexpected event path %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event received")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	wsPath := filepath.Join(home, "workspaces.yaml")
	writeFile(t, wsPath, "acme:\n  app_token: a\n  bot_token: b\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := config.NewWatcher(home, wsPath, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for unrelated file: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	home := t.TempDir()
	wsPath := filepath.Join(home, "workspaces.yaml")
	writeFile(t, wsPath, "acme:\n  app_token: a\n  bot_token: b\n")

	ctx, cancel := context.WithCancel(context.Background())
	w := config.NewWatcher(home, wsPath, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, open := <-w.Events():
		if open {
			t.Fatal("expected channel closed after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
