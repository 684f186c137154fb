package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
)

// stableTimeout bounds how long a single file may keep growing before the
// watcher gives up on it.
const stableTimeout = 10 * time.Minute

// localWatcher watches one local directory for new video files.
type localWatcher struct {
	src     model.Source
	store   *store.Store
	factory *Factory

	stabilityInterval time.Duration
	stabilityWindow   time.Duration
}

func newLocalWatcher(src *model.Source, st *store.Store, factory *Factory, interval, window time.Duration) *localWatcher {
	return &localWatcher{
		src:               *src,
		store:             st,
		factory:           factory,
		stabilityInterval: interval,
		stabilityWindow:   window,
	}
}

// run blocks until ctx is cancelled. Files already present in the directory
// are picked up on start; new arrivals come in through fsnotify.
func (w *localWatcher) run(ctx context.Context) {
	info, err := os.Stat(w.src.Path)
	if err != nil || !info.IsDir() {
		logger.Error("Watch path missing or not a directory", "source", w.src.Name, "path", w.src.Path, "error", err)
		w.setStatus(model.SourceError)
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("Failed to create filesystem watcher", "source", w.src.Name, "error", err)
		w.setStatus(model.SourceError)
		return
	}
	defer fsw.Close()

	if err := fsw.Add(w.src.Path); err != nil {
		logger.Error("Failed to watch directory", "source", w.src.Name, "path", w.src.Path, "error", err)
		w.setStatus(model.SourceError)
		return
	}

	w.setStatus(model.SourceMonitoring)
	logger.Info("Watching local directory", "source", w.src.Name, "path", w.src.Path)

	w.sweepExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			// Files moved into the directory arrive as Create; Rename
			// fires for the old path of a file moved away.
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			w.handleCandidate(ctx, event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("Filesystem watcher error", "source", w.src.Name, "error", err)
		}
	}
}

// sweepExisting enqueues files that were already in the directory when the
// watcher started. Deduplication in the factory makes this safe across
// restarts.
func (w *localWatcher) sweepExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.src.Path)
	if err != nil {
		logger.Warn("Failed to scan directory", "source", w.src.Name, "error", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() {
			continue
		}
		w.handleCandidate(ctx, filepath.Join(w.src.Path, entry.Name()))
	}
}

// handleCandidate waits for the file to stop growing, then hands it to the
// factory. Candidates are processed one at a time so jobs enter the queue in
// arrival order.
func (w *localWatcher) handleCandidate(ctx context.Context, path string) {
	if !model.ExtensionAllowed(filepath.Ext(path)) {
		return
	}

	size, ok := w.waitStable(ctx, path)
	if !ok {
		return
	}
	if size == 0 {
		logger.Warn("Ignoring empty file", "source", w.src.Name, "file", filepath.Base(path))
		return
	}

	if _, _, err := w.factory.Enqueue(&w.src, path); err != nil {
		logger.Error("Failed to queue job", "source", w.src.Name, "file", filepath.Base(path), "error", err)
	}
}

// waitStable polls the file size until it has not changed for a full
// stability window. Returns the final size, or false if the file vanished,
// kept growing past the timeout, or the watcher is shutting down.
func (w *localWatcher) waitStable(ctx context.Context, path string) (int64, bool) {
	deadline := time.Now().Add(stableTimeout)

	var lastSize int64 = -1
	stableSince := time.Now()

	for {
		info, err := os.Stat(path)
		if err != nil {
			return 0, false
		}
		size := info.Size()

		if size != lastSize {
			lastSize = size
			stableSince = time.Now()
		} else if time.Since(stableSince) >= w.stabilityWindow {
			return size, true
		}

		if time.Now().After(deadline) {
			logger.Warn("File never stabilized", "source", w.src.Name, "file", filepath.Base(path))
			return 0, false
		}

		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(w.stabilityInterval):
		}
	}
}

func (w *localWatcher) setStatus(status model.SourceStatus) {
	if err := w.store.SetSourceStatus(w.src.ID, status); err != nil {
		logger.Warn("Failed to update source status", "source", w.src.Name, "error", err)
	}
}
