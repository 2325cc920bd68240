package project

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/picolink/picolink-core/board"
	"github.com/picolink/picolink-core/logger"
)

// watchDebounce coalesces editor write bursts into one upload per file.
const watchDebounce = 300 * time.Millisecond

// Watcher uploads files to the board as they are saved locally.
type Watcher struct {
	sess board.SessionInterface
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	// OnUpload, when set, is notified after each completed upload with the
	// root-relative path and the upload status.
	OnUpload func(relPath string, ok bool)
}

// NewWatcher creates a watcher for a project.
func NewWatcher(sess board.SessionInterface, opts Options) *Watcher {
	return &Watcher{
		sess:   sess,
		opts:   opts,
		log:    logger.WithComponent("watch"),
		timers: map[string]*time.Timer{},
	}
}

// Run watches the project tree until the context is cancelled. Saves to
// eligible files are debounced and uploaded one at a time through the
// session queue.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	m, err := newMatcher(w.opts.Ignore)
	if err != nil {
		return err
	}

	if err := w.addDirs(watcher, m); err != nil {
		return err
	}

	w.log.Info("watching project", "root", w.opts.Root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, watcher, m, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

// addDirs registers the root and every non-ignored subdirectory.
func (w *Watcher) addDirs(watcher *fsnotify.Watcher, m *matcher) error {
	return filepath.WalkDir(w.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(w.opts.Root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && m.ignored(rel) {
			return fs.SkipDir
		}
		return watcher.Add(path)
	})
}

func (w *Watcher) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, m *matcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	rel, err := filepath.Rel(w.opts.Root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if m.ignored(rel) {
		return
	}

	// New directories join the watch set; fsnotify does not recurse.
	if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			watcher.Add(event.Name)
		}
		return
	}

	if !allowedType(rel, w.opts.FileTypes) {
		return
	}

	w.scheduleUpload(ctx, event.Name, rel)
}

// scheduleUpload debounces a file and uploads it after the quiet period.
func (w *Watcher) scheduleUpload(ctx context.Context, abs, rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[rel]; ok {
		timer.Stop()
	}
	w.timers[rel] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, rel)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		status, err := w.sess.UploadFiles(ctx, []string{abs}, ":", w.opts.Root, false, nil)
		ok := err == nil && status != nil && status.Ok
		if !ok {
			w.log.Warn("watch upload failed", "file", rel, "error", err)
		} else {
			w.log.Debug("uploaded on save", "file", rel)
		}
		if w.OnUpload != nil {
			w.OnUpload(rel, ok)
		}
	})
}
