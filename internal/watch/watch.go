// Package watch observes the template directory and feeds debounced file
// changes into the orchestrator's apply path.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/sqlforge/internal/orchestrator"
)

// Kind identifies a watch lifecycle event.
type Kind string

const (
	// Changed: a template was modified and is about to be applied.
	Changed Kind = "changed"
	// Applied: the apply succeeded.
	Applied Kind = "applied"
	// Error: the apply failed.
	Error Kind = "error"
)

// Event is one discrete lifecycle notification. Consumers may coalesce
// events for the same path arriving in rapid succession.
type Event struct {
	Kind Kind
	Path string // relative to the template directory
	Err  error  // set for Error events
}

// Applier is the slice of the orchestrator the watch loop drives.
// Watch never triggers a build.
type Applier interface {
	ApplyPath(ctx context.Context, rel string) (*orchestrator.Result, error)
}

// DefaultDebounce is how long a file must stay quiet before it is
// processed; a single editor save can emit several OS events.
const DefaultDebounce = 250 * time.Millisecond

// Watcher runs the watch loop.
type Watcher struct {
	root     string
	filter   string
	debounce time.Duration
	applier  Applier
	logger   *slog.Logger
}

// New creates a watcher over root (the template directory). filter is the
// glob matched against base names. A non-positive debounce falls back to
// DefaultDebounce.
func New(root, filter string, debounce time.Duration, applier Applier, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		root:     root,
		filter:   filter,
		debounce: debounce,
		applier:  applier,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled, sending lifecycle events to out.
// The channel is closed on return. Applies are strictly serialized: each
// debounced change is processed to completion before the next, and an
// in-flight apply finishes normally during shutdown. Stopping closes the
// watch handle; the caller owns the database gateway's lifecycle.
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	defer close(out)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := addDirsRecursive(fsw, w.root); err != nil {
		return err
	}

	w.logger.Info("watcher: started", slog.String("root", w.root))

	// Debounce timers per file; all map access happens on this goroutine.
	// Fired timers post to pending, which the same loop drains so database
	// work stays serialized.
	timers := make(map[string]*time.Timer)
	pending := make(chan string, 64)

	schedule := func(rel string) {
		if t, ok := timers[rel]; ok {
			t.Reset(w.debounce)
			return
		}
		timers[rel] = time.AfterFunc(w.debounce, func() {
			select {
			case pending <- rel:
			case <-ctx.Done():
			}
		})
	}

	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, t := range timers {
				t.Stop()
			}
			w.logger.Info("watcher: stopped")
			return nil

		case rel := <-pending:
			delete(timers, rel)
			emit(Event{Kind: Changed, Path: rel})
			// The apply runs on a stop-immune context: cancelling the
			// loop must not kill a statement mid-query. Cancellation is
			// observed between applies, on the next loop iteration.
			res, err := w.applier.ApplyPath(context.WithoutCancel(ctx), rel)
			switch {
			case err != nil:
				w.logger.Error("watcher: apply failed",
					slog.String("path", rel),
					slog.String("error", err.Error()))
				emit(Event{Kind: Error, Path: rel, Err: err})
			case len(res.Errors) > 0:
				emit(Event{Kind: Error, Path: rel, Err: resultErr(res)})
			case len(res.Applied) > 0:
				emit(Event{Kind: Applied, Path: rel})
			default:
				// Content unchanged after debounce; nothing applied.
				w.logger.Debug("watcher: no-op change", slog.String("path", rel))
			}

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			absPath := ev.Name

			// New directories created at runtime join the watch list.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(fsw, absPath); addErr != nil {
						w.logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					continue
				}
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ok, _ := filepath.Match(w.filter, filepath.Base(absPath)); !ok {
				continue
			}
			rel, relErr := filepath.Rel(w.root, absPath)
			if relErr != nil {
				continue
			}
			schedule(filepath.ToSlash(rel))

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// resultErr flattens a result's first recorded error for event consumers.
func resultErr(res *orchestrator.Result) error {
	e := res.Errors[0]
	if e.Hint != "" {
		return &applyError{msg: e.Error + " (" + e.Hint + ")"}
	}
	return &applyError{msg: e.Error}
}

type applyError struct{ msg string }

func (e *applyError) Error() string { return e.msg }

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
