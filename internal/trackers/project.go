package trackers

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/vibetea/monitor/internal/event"
	"github.com/vibetea/monitor/internal/watch"
)

// ProjectTracker watches <assistantRoot>/projects/ recursively (no
// debounce) and reports whether each session is active or completed.
//
// A session is active iff its file does not (yet) contain a line decoding
// to a summary record; completed otherwise. This requires a fresh
// full-file classification on every change, since an earlier "active"
// verdict can flip to "completed" only by a line this tracker has not
// seen before.
type ProjectTracker struct {
	source string
}

// NewProjectTracker creates a ProjectTracker.
func NewProjectTracker(source string) *ProjectTracker {
	return &ProjectTracker{source: source}
}

func (t *ProjectTracker) Name() string { return "project" }

func (t *ProjectTracker) Run(w *watch.Watcher, sink *SharedSink) {
	for ev := range w.Out() {
		switch ev.Kind {
		case watch.FileCreated, watch.LinesAdded:
			t.handleChange(sink, ev.Path)
		}
	}
}

func (t *ProjectTracker) handleChange(sink *SharedSink, path string) {
	sessionID, slug, ok := sessionIDAndSlugFromPath(path)
	if !ok {
		return
	}

	active, err := sessionIsActive(path)
	if err != nil {
		logf(t.Name(), "reading %s: %v", path, err)
		return
	}

	sink.Emit(event.New(t.source, event.TypeProjectActivity, event.ProjectActivityPayload{
		ProjectPath: slug,
		SessionID:   sessionID,
		IsActive:    active,
	}))
}

// sessionIsActive scans path for any line decoding to a summary record.
func sessionIsActive(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry jsonlEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Type == "summary" {
			return false, nil
		}
	}
	return true, scanner.Err()
}
