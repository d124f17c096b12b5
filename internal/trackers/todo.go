package trackers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/vibetea/monitor/internal/event"
	"github.com/vibetea/monitor/internal/watch"
)

type todoStatus string

const (
	todoCompleted  todoStatus = "completed"
	todoInProgress todoStatus = "in_progress"
	todoPending    todoStatus = "pending"
)

type todoEntry struct {
	Content    string     `json:"content"`
	Status     todoStatus `json:"status"`
	ActiveForm string     `json:"activeForm,omitempty"`
}

// TodoTracker watches <assistantRoot>/todos/ with a 100ms debounce
// (applied by the caller's watch.Watcher).
type TodoTracker struct {
	source string
	ended  *EndedSessions
}

// NewTodoTracker creates a TodoTracker. ended is the set the Session
// tracker writes to on Summary; consulted here for abandonment.
func NewTodoTracker(source string, ended *EndedSessions) *TodoTracker {
	return &TodoTracker{source: source, ended: ended}
}

func (t *TodoTracker) Name() string { return "todo" }

func (t *TodoTracker) Run(w *watch.Watcher, sink *SharedSink) {
	for ev := range w.Out() {
		switch ev.Kind {
		case watch.FileCreated, watch.FileModified:
			t.handleChange(sink, ev.Path)
		}
	}
}

func (t *TodoTracker) handleChange(sink *SharedSink, path string) {
	sessionID, ok := todoSessionID(path)
	if !ok {
		return
	}

	entries, err := parseTodoArrayLenient(path)
	if err != nil {
		logf(t.Name(), "reading %s: %v", path, err)
		return
	}

	var completed, inProgress, pending int
	for _, e := range entries {
		switch e.Status {
		case todoCompleted:
			completed++
		case todoInProgress:
			inProgress++
		case todoPending:
			pending++
		}
	}

	abandoned := t.ended.Ended(sessionID) && (inProgress+pending > 0)

	sink.Emit(event.New(t.source, event.TypeTodoProgress, event.TodoProgressPayload{
		SessionID:  sessionID,
		Completed:  completed,
		InProgress: inProgress,
		Pending:    pending,
		Abandoned:  abandoned,
	}))
}

// parseTodoArrayLenient reads a JSON array of todoEntry, tolerating a
// truncated trailing object (a mid-write read) by recovering the entries
// parsed so far rather than failing outright.
func parseTodoArrayLenient(path string) ([]todoEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []todoEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if _, err := dec.Token(); err != nil { // consume '['
		return nil, err
	}
	for dec.More() {
		var e todoEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// todoSessionID validates the <uuid>-agent-<uuid>.json filename pattern
// and returns the first UUID (the sessionId). If the two UUIDs differ the
// file is still accepted.
func todoSessionID(path string) (string, bool) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, ".json")
	if stem == base {
		return "", false // no .json suffix
	}

	parts := strings.SplitN(stem, "-agent-", 2)
	if len(parts) != 2 {
		return "", false
	}

	sessionID := parts[0]
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", false
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return "", false
	}
	return sessionID, true
}

// TodoFilter is the watch.Filter for the Todo tracker.
func TodoFilter(path string) bool {
	_, ok := todoSessionID(path)
	return ok
}
