// Package watch implements the Monitor's filesystem watcher: a typed
// stream of FileCreated/LinesAdded/FileModified/FileRemoved events built
// on fsnotify, with per-path modification coalescing via
// internal/debounce.
package watch

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vibetea/monitor/internal/debounce"
	"github.com/vibetea/monitor/internal/tailer"
)

// EventKind discriminates the typed watch event stream.
type EventKind int

const (
	FileCreated EventKind = iota
	LinesAdded
	FileModified
	FileRemoved
)

// Event is a single notification from the Watcher.
type Event struct {
	Kind  EventKind
	Path  string
	Lines [][]byte // populated only for LinesAdded
}

// Mode selects how a Watcher reports settled modifications.
type Mode int

const (
	// ModeTail treats files as append-only: settled writes are read
	// incrementally through the tailer and reported as LinesAdded carrying
	// only the newly appended complete lines.
	ModeTail Mode = iota

	// ModeRewrite treats files as rewritten wholesale (the stats cache,
	// todo arrays): every settled write is reported as FileModified and
	// the consumer re-reads the file itself. Routing these files through
	// the tailer would lose updates, since a rewrite that does not grow
	// the file past the recorded offset appends no new lines.
	ModeRewrite
)

// Filter decides whether path is of interest to the caller (e.g. "*.jsonl
// with a UUID stem" for the Session tracker, or "exactly stats-cache.json"
// for the Stats tracker). Non-matching paths are ignored without error.
type Filter func(path string) bool

// Watcher watches a root path (recursively or not) and emits a typed
// event stream filtered by Filter, debouncing LinesAdded per path.
type Watcher struct {
	root      string
	recursive bool
	filter    Filter
	debounce  time.Duration
	mode      Mode

	fsw      *fsnotify.Watcher
	tail     *tailer.Tailer
	db       *debounce.Debouncer[string, struct{}]
	out      chan Event
	done     chan struct{}
	stopOnce sync.Once
	tagLog   string
}

// New creates a Watcher over root. debounceDelay is the per-path
// coalescing window applied before a settled change is emitted; sources
// with bursty rewrites (todo files, the stats cache) pass a window of
// 100-200ms, append-only JSONL sources pass 0. tag is used as the
// log-line prefix (e.g. "[watch:session]").
func New(root string, recursive bool, filter Filter, debounceDelay time.Duration, mode Mode, tag string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:      root,
		recursive: recursive,
		filter:    filter,
		debounce:  debounceDelay,
		mode:      mode,
		fsw:       fsw,
		tail:      tailer.New(),
		out:       make(chan Event, 64),
		done:      make(chan struct{}),
		tagLog:    tag,
	}
	w.db = debounce.New[string, struct{}](64)

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Out returns the event channel. Closed when Stop is called.
func (w *Watcher) Out() <-chan Event {
	return w.out
}

// addTree adds root (and, if recursive, every subdirectory) to the
// underlying fsnotify watch set. Missing root is not an error: the watcher
// then watches nothing, and a root created later is not picked up.
func (w *Watcher) addTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("%s root %s does not exist; nothing to watch", w.tagLog, root)
			return nil
		}
		return fmt.Errorf("watch: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return w.fsw.Add(filepath.Dir(root))
	}

	if err := w.fsw.Add(root); err != nil {
		return fmt.Errorf("watch: adding %s: %w", root, err)
	}
	if !w.recursive {
		return nil
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			if addErr := w.fsw.Add(path); addErr != nil {
				log.Printf("%s add %s: %v", w.tagLog, path, addErr)
			}
		}
		return nil
	})
}

// Run starts the event loop. Intended to be called as a goroutine; returns
// when Stop is called or the underlying fsnotify channels close.
func (w *Watcher) Run() {
	defer close(w.out)

	for {
		select {
		case <-w.done:
			return

		case fired, ok := <-w.db.Out():
			if !ok {
				return
			}
			w.emitChange(fired.Key)

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("%s watch error: %v", w.tagLog, err)
		}
	}
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() && w.recursive {
			if addErr := w.fsw.Add(ev.Name); addErr != nil {
				log.Printf("%s add new dir %s: %v", w.tagLog, ev.Name, addErr)
			}
			return
		}
		if w.filter != nil && !w.filter(ev.Name) {
			return
		}
		w.deliver(Event{Kind: FileCreated, Path: ev.Name})
		// In rewrite mode FileCreated already tells the consumer to read
		// the whole file; only tailed sources need the follow-up read of
		// whatever lines landed with the creation.
		if w.mode == ModeTail {
			w.db.Schedule(ev.Name, struct{}{}, w.debounce)
		}
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if w.filter != nil && !w.filter(ev.Name) {
			return
		}
		w.tail.Forget(ev.Name)
		w.deliver(Event{Kind: FileRemoved, Path: ev.Name})
		return
	}

	if ev.Has(fsnotify.Write) {
		if w.filter != nil && !w.filter(ev.Name) {
			return
		}
		w.db.Schedule(ev.Name, struct{}{}, w.debounce)
	}
}

// emitChange reports a settled modification for path. Rewritten sources
// get a FileModified on every settled write, whether or not the file grew;
// tailed sources get a LinesAdded carrying the newly appended lines, or
// nothing if no complete line landed.
func (w *Watcher) emitChange(path string) {
	if w.mode == ModeRewrite {
		w.deliver(Event{Kind: FileModified, Path: path})
		return
	}

	lines, err := w.tail.Read(path)
	if err != nil {
		log.Printf("%s reading %s: %v", w.tagLog, path, err)
		return
	}
	if len(lines) == 0 {
		return
	}
	w.deliver(Event{Kind: LinesAdded, Path: path, Lines: lines})
}

func (w *Watcher) deliver(ev Event) {
	select {
	case w.out <- ev:
	default:
		log.Printf("%s dropped event for %s: output channel full", w.tagLog, ev.Path)
	}
}

// Stop terminates the event loop and closes Out. Safe to call more than
// once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.db.Stop()
		w.fsw.Close()
	})
}
