/*
Package watcher is an fsnotify-backed source of debounced, classified
path-change events handed to the ledger's command queue.

The run loop is a single-owner goroutine: it reads from fsnotify's
Events/Errors channels and a suppress command channel, and every other
piece of internal state (pending debounce timers, the suppress set) is
touched only from that goroutine. Callers never lock anything; they
send commands and read results off channels.
*/
package watcher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/classifier"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

var logger = log.WithComponent("watcher")

// DefaultDebounce is the watcher's quiet-window default. The
// category-level coalescing window belongs to the ledger, not here,
// since it merges paths across a whole category rather than
// deduplicating repeats of a single path.
const DefaultDebounce = 500 * time.Millisecond

// ChangeEvent is the debounced, classified unit of work the watcher
// hands to the ledger: one or more raw fsnotify events on a single path,
// settled for at least the debounce window.
type ChangeEvent struct {
	Path     string
	Category string
	At       time.Time
}

// Watcher installs an fsnotify watch on the parent directory of every
// configured glob or literal path (never on the files themselves) and
// debounces bursts of events per path into single
// settled ChangeEvents. Merging repeated edits to paths within a
// category into one PendingChange is the ledger's coalescing window,
// not the watcher's job; every settle the watcher observes is reported.
type Watcher struct {
	fsw        *fsnotify.Watcher
	classifier *classifier.Classifier
	debounce   time.Duration

	events    chan ChangeEvent
	degraded  chan types.ErrorKind
	suppress  chan suppressCmd
	stop      chan struct{}
	done      chan struct{}
}

type suppressCmd struct {
	path string
	on   bool
}

// New creates a Watcher. Call Start to begin watching; Events and
// Degraded deliver results asynchronously.
func New(c *classifier.Classifier, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.NewError(types.ErrWatcherDegraded, "create fsnotify watcher", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		fsw:        fsw,
		classifier: c,
		debounce:   debounce,
		events:     make(chan ChangeEvent, 256),
		degraded:   make(chan types.ErrorKind, 8),
		suppress:   make(chan suppressCmd, 8),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Events delivers debounced, classified change events, one per settle.
func (w *Watcher) Events() <-chan ChangeEvent { return w.events }

// Degraded delivers a WatcherDegraded notice whenever the underlying
// fsnotify watch reports an error. Degradation is surfaced, not fatal;
// the daemon decides whether to enter safe mode.
func (w *Watcher) Degraded() <-chan types.ErrorKind { return w.degraded }

// Start installs watches for every parent directory of every configured
// glob and begins the dispatch loop.
func (w *Watcher) Start() error {
	dirs := parentDirs(w.classifier.Globs())
	for _, dir := range dirs {
		if err := w.fsw.Add(dir); err != nil {
			logger.Warn().Str("dir", dir).Err(err).Msg("failed to watch directory")
		}
	}
	go w.run()
	return nil
}

// Stop halts the dispatch loop and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.fsw.Close()
}

// Suppress tells the watcher to ignore events on path until called again
// with on=false. The Revert Engine uses this to avoid re-triggering its
// own restore writes.
func (w *Watcher) Suppress(path string, on bool) {
	w.suppress <- suppressCmd{path: path, on: on}
}

// Reload re-derives the watched directory set from the classifier after
// a configuration reload, adding any newly-introduced directories.
// Directories no longer referenced are left watched; fsnotify has no
// cheap way to tell whether another glob still needs them, and an idle
// watch on an unused directory is harmless.
func (w *Watcher) Reload() {
	for _, dir := range parentDirs(w.classifier.Globs()) {
		if err := w.fsw.Add(dir); err != nil {
			logger.Warn().Str("dir", dir).Err(err).Msg("failed to watch directory on reload")
		}
	}
}

func (w *Watcher) run() {
	defer close(w.done)

	suppressed := make(map[string]bool)
	pendingTimers := make(map[string]*time.Timer)
	settled := make(chan string, 256)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			if suppressed[path] {
				continue
			}
			if _, ok := w.classifier.Classify(path); !ok {
				continue
			}
			if t, exists := pendingTimers[path]; exists {
				t.Stop()
			}
			pendingTimers[path] = time.AfterFunc(w.debounce, func() {
				select {
				case settled <- path:
				case <-w.stop:
				}
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("fsnotify error")
			select {
			case w.degraded <- types.ErrWatcherDegraded:
			default:
			}

		case path := <-settled:
			delete(pendingTimers, path)
			now := time.Now()

			category, ok := w.classifier.Classify(path)
			if !ok {
				continue
			}
			select {
			case w.events <- ChangeEvent{Path: path, Category: category, At: now}:
			case <-w.stop:
				return
			}

		case cmd := <-w.suppress:
			suppressed[cmd.path] = cmd.on
			if !cmd.on {
				delete(suppressed, cmd.path)
			}

		case <-w.stop:
			for _, t := range pendingTimers {
				t.Stop()
			}
			return
		}
	}
}

// parentDirs returns the de-duplicated set of directories containing
// each glob pattern (or literal path). fsnotify watches directories, not
// individual files, since a file can be replaced (unlink+create) rather
// than written in place.
func parentDirs(globs []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, g := range globs {
		dir := filepath.Dir(g)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}
