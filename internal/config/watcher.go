package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits reload events when config.yaml or the workspaces file
// changes. Events are buffered; a slow consumer drops, never blocks.
type Watcher struct {
	homeDir        string
	workspacesPath string
	logger         *slog.Logger
	events         chan ReloadEvent
}

func NewWatcher(homeDir, workspacesPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:        homeDir,
		workspacesPath: workspacesPath,
		logger:         logger,
		events:         make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := []string{
		filepath.Join(w.homeDir, "config.yaml"),
		w.workspacesPath,
	}
	for _, file := range files {
		_ = fsw.Add(file)
	}
	// Editors often replace files, so watch the parent dirs too.
	_ = fsw.Add(w.homeDir)
	_ = fsw.Add(filepath.Dir(w.workspacesPath))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !w.watched(ev.Name) {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) watched(path string) bool {
	switch path {
	case filepath.Join(w.homeDir, "config.yaml"), w.workspacesPath:
		return true
	}
	return false
}
