package trackers

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/vibetea/monitor/internal/debounce"
	"github.com/vibetea/monitor/internal/event"
)

// FileHistoryTracker watches project files referenced during active
// sessions (paths surfaced as tool contexts by the Session tracker) and
// emits a FileChange event with a line-level diff whenever one changes.
//
// Unlike the other five trackers, its watch set is not a static root
// known at construction: it grows as sessions reference new files. So it
// manages its own fsnotify.Watcher directly rather than going through
// the shared watch.Watcher abstraction, and files are added via TrackFile
// rather than a Filter.
type FileHistoryTracker struct {
	source string

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	versions  map[string]int
	lines     map[string][]string
	sessionOf map[string]string
	watched   map[string]bool

	db   *debounce.Debouncer[string, struct{}]
	done chan struct{}
}

// NewFileHistoryTracker creates a FileHistoryTracker.
func NewFileHistoryTracker(source string) (*FileHistoryTracker, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filehistory: creating watcher: %w", err)
	}
	return &FileHistoryTracker{
		source:    source,
		fsw:       fsw,
		versions:  make(map[string]int),
		lines:     make(map[string][]string),
		sessionOf: make(map[string]string),
		watched:   make(map[string]bool),
		db:        debounce.New[string, struct{}](64),
		done:      make(chan struct{}),
	}, nil
}

func (t *FileHistoryTracker) Name() string { return "filehistory" }

// TrackFile begins watching path if not already tracked, recording its
// current content as the baseline (version 0, no diff emitted) and the
// sessionId that referenced it.
func (t *FileHistoryTracker) TrackFile(sessionID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionOf[path] = sessionID
	if t.watched[path] {
		return
	}
	t.watched[path] = true

	if content, err := os.ReadFile(path); err == nil {
		t.lines[path] = splitLines(string(content))
	}

	if err := t.fsw.Add(path); err != nil {
		logf(t.Name(), "watching %s: %v", path, err)
	}
}

// Run starts the event loop. Intended to be called as a goroutine.
func (t *FileHistoryTracker) Run(sink *SharedSink) {
	defer t.db.Stop()

	for {
		select {
		case <-t.done:
			return

		case fired, ok := <-t.db.Out():
			if !ok {
				return
			}
			t.emitChange(sink, fired.Key)

		case ev, ok := <-t.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) {
				t.db.Schedule(ev.Name, struct{}{}, 0)
			}

		case err, ok := <-t.fsw.Errors:
			if !ok {
				return
			}
			logf(t.Name(), "watch error: %v", err)
		}
	}
}

// Stop terminates the event loop.
func (t *FileHistoryTracker) Stop() {
	close(t.done)
	t.fsw.Close()
}

func (t *FileHistoryTracker) emitChange(sink *SharedSink, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		logf(t.Name(), "reading %s: %v", path, err)
		return
	}
	newLines := splitLines(string(content))

	t.mu.Lock()
	prior := t.lines[path]
	t.lines[path] = newLines
	t.versions[path]++
	version := t.versions[path]
	sessionID := t.sessionOf[path]
	t.mu.Unlock()

	added, removed, modified := diffLines(prior, newLines)
	if added == 0 && removed == 0 && modified == 0 {
		return
	}

	sink.Emit(event.New(t.source, event.TypeFileChange, event.FileChangePayload{
		SessionID:     sessionID,
		FileHash:      hashPath(path),
		Version:       version,
		LinesAdded:    added,
		LinesRemoved:  removed,
		LinesModified: modified,
	}))
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(content, "\n"), "\n")
}

func hashPath(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%x", h)
}

// diffLines computes an LCS-derived (added, removed, modified) triple
// between two line slices via a straightforward O(n*m) dynamic program.
// Consumers only need a size measure of the change, not a particular
// diff algorithm's exact hunks.
func diffLines(old, new []string) (added, removed, modified int) {
	lcs := longestCommonSubsequenceLen(old, new)
	removedOnly := len(old) - lcs
	addedOnly := len(new) - lcs

	modified = min(removedOnly, addedOnly)
	removed = removedOnly - modified
	added = addedOnly - modified
	return added, removed, modified
}

func longestCommonSubsequenceLen(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
