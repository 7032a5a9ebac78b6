package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/docsmith-dev/docsmith/internal/errors"
)

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long to wait for a burst to settle.
	DebounceWindow time.Duration

	// IgnorePatterns removes matching relative paths (doublestar).
	IgnorePatterns []string

	// EventBufferSize is the capacity of the batch channel.
	EventBufferSize int
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 300 * time.Millisecond
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 10
	}
	return o
}

// Watcher observes a directory tree through fsnotify and emits
// debounced batches of classified file events. fsnotify must be usable
// on the platform; failure to create the watcher is fatal at startup.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer
	events    chan []FileEvent
	errs      chan error
	stopCh    chan struct{}
	rootPath  string
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// New creates a watcher. The returned watcher does nothing until Start.
func New(opts Options, logger *slog.Logger) (*Watcher, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal,
			"failed to initialize filesystem notifications; check inotify limits", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		debouncer: NewDebouncer(opts.DebounceWindow),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errs:      make(chan error, 10),
		stopCh:    make(chan struct{}),
		opts:      opts,
		logger:    logger,
	}, nil
}

// Start watches path recursively and blocks until the context is done
// or Stop is called.
func (w *Watcher) Start(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return errors.New(errors.ErrCodeInvalidInput, "failed to resolve watch root", err)
	}
	w.rootPath = absPath

	go w.forwardBatches(ctx)

	if err := w.addRecursive(absPath); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// Events returns debounced event batches.
func (w *Watcher) Events() <-chan []FileEvent {
	return w.events
}

// Errors returns watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Stop halts watching and closes the event channels. Safe to call more
// than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debouncer.Stop()
	return w.fsWatcher.Close()
}

// addRecursive registers path and every non-ignored subdirectory.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.ignored(rel, true) {
			return filepath.SkipDir
		}
		if addErr := w.fsWatcher.Add(path); addErr != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", addErr)
		}
		return nil
	})
}

// handleEvent converts one fsnotify event into a classified FileEvent
// and feeds it to the debouncer.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.rootPath, event.Name)
	if err != nil {
		rel = event.Name
	}
	rel = filepath.ToSlash(rel)

	isDir := false
	if info, statErr := os.Stat(event.Name); statErr == nil {
		isDir = info.IsDir()
	}

	if w.ignored(rel, isDir) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		// New directories join the watch set so files created inside
		// them are seen.
		if isDir {
			if addErr := w.fsWatcher.Add(event.Name); addErr != nil {
				w.logger.Warn("failed to watch new directory", "path", rel, "error", addErr)
			}
			return
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = OpDelete
	default:
		return
	}

	w.debouncer.Add(FileEvent{
		Path:      rel,
		Operation: op,
		IsDir:     isDir,
		Timestamp: time.Now(),
	})
}

// forwardBatches moves debounced batches onto the public channel.
func (w *Watcher) forwardBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case batch, ok := <-w.debouncer.Output():
			if !ok {
				return
			}
			select {
			case w.events <- batch:
			default:
				w.logger.Warn("event channel full, dropping batch", "batch_size", len(batch))
			}
		}
	}
}

func (w *Watcher) ignored(rel string, isDir bool) bool {
	// Hidden paths, including the index data directory, are never
	// interesting.
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	for _, pattern := range w.opts.IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(pattern, rel+"/x"); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) emitError(err error) {
	select {
	case w.errs <- err:
	default:
		w.logger.Warn("error channel full, dropping error", "error", err)
	}
}
