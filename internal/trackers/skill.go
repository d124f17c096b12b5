package trackers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vibetea/monitor/internal/event"
	"github.com/vibetea/monitor/internal/watch"
)

// SkillFilter is the watch.Filter for the Skill tracker: any path ending
// in history.jsonl, which picks that file out of the other files in its
// (non-recursive) watch root, the assistant root.
func SkillFilter(path string) bool {
	return strings.HasSuffix(path, "history.jsonl")
}

type historyEntry struct {
	Display   string `json:"display"`
	Timestamp int64  `json:"timestamp"` // epoch ms
	Project   string `json:"project"`
	SessionID string `json:"sessionId"`
}

// SkillTracker tails <assistantRoot>/history.jsonl. No debounce: each new
// line is a distinct invocation.
type SkillTracker struct {
	source string
}

// NewSkillTracker creates a SkillTracker.
func NewSkillTracker(source string) *SkillTracker {
	return &SkillTracker{source: source}
}

func (t *SkillTracker) Name() string { return "skill" }

func (t *SkillTracker) Run(w *watch.Watcher, sink *SharedSink) {
	for ev := range w.Out() {
		if ev.Kind != watch.LinesAdded {
			continue
		}
		for _, raw := range ev.Lines {
			t.handleLine(sink, raw)
		}
	}
}

func (t *SkillTracker) handleLine(sink *SharedSink, raw []byte) {
	var entry historyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logf(t.Name(), "skipping malformed history line: %v", err)
		return
	}

	if !strings.HasPrefix(entry.Display, "/") {
		return
	}

	skillName := firstAlphanumericRun(entry.Display[1:])
	if skillName == "" {
		return
	}

	sink.Emit(event.New(t.source, event.TypeSkillInvocation, event.SkillInvocationPayload{
		SessionID: entry.SessionID,
		SkillName: skillName,
		Project:   entry.Project,
		Timestamp: time.UnixMilli(entry.Timestamp).UTC(),
	}))
}

// firstAlphanumericRun returns the maximal leading run of ASCII letters and
// digits in s; everything from the first whitespace (or any other
// non-alphanumeric rune) onward is discarded.
func firstAlphanumericRun(s string) string {
	end := 0
	for end < len(s) {
		c := s[end]
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum {
			break
		}
		end++
	}
	return s[:end]
}
