// Package watch re-runs a callback whenever a repository's .git
// directory changes, debounced so a burst of ref updates yields one
// verification run.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/debounce"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounceDelay = 350 * time.Millisecond

type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce *debounce.Debouncer
}

// New starts watching the repository at repoPath and calls onChange
// (debounced) after each relevant filesystem event. Close releases the
// watcher.
func New(repoPath string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	path := watchPath(repoPath)
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w := &Watcher{
		watcher:  fsw,
		debounce: debounce.New(defaultDebounceDelay, onChange),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) Close() {
	w.debounce.Stop()
	if err := w.watcher.Close(); err != nil {
		slog.Error("watcher close", slog.Any("error", err))
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if shouldIgnorePath(ev.Name) {
				continue
			}
			slog.Debug("fsnotify event",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name),
			)
			w.debounce.Trigger()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", slog.Any("error", err))
		}
	}
}

// watchPath prefers the .git directory so worktree churn does not
// trigger runs; only ref and object changes matter here.
func watchPath(root string) string {
	gitDir := filepath.Join(root, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return gitDir
	}
	return root
}

func shouldIgnorePath(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".lock"
}
