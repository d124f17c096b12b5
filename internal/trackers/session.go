package trackers

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/vibetea/monitor/internal/event"
	"github.com/vibetea/monitor/internal/pathutil"
	"github.com/vibetea/monitor/internal/watch"
)

// jsonlEntry mirrors the subset of Claude Code's session JSONL record
// shape this tracker cares about.
type jsonlEntry struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

type messageBody struct {
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type taskInput struct {
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"` // read and discarded; never retained
}

type progressEntry struct {
	ToolName string `json:"toolName,omitempty"`
	Hook     string `json:"hookEventName,omitempty"`
	Success  *bool  `json:"success,omitempty"`
}

type resultBlock struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
}

// Agent states derived from the record stream: the assistant is thinking
// (plain text output), using a tool, or waiting on the user.
const (
	agentStateThinking = "thinking"
	agentStateToolUse  = "tool_use"
	agentStateWaiting  = "waiting"
)

// SessionTracker watches <assistantRoot>/projects/ recursively for
// *.jsonl files with UUID filenames and converts recognized record
// shapes into events.
type SessionTracker struct {
	source    string
	ended     *EndedSessions
	seenFile  map[string]bool // cold-start bookkeeping: has this file been observed before
	created   map[string]bool // paths whose FileCreated we witnessed, vs files that predate this process
	onFileRef func(sessionID, path string)
}

// NewSessionTracker creates a SessionTracker. ended is shared with the
// Todo tracker so Summary observations here unblock abandonment checks
// there. onFileRef, if non-nil, is called with the session id and an
// absolute path whenever a file-modifying tool (Edit/Write) references
// one, feeding the File-history tracker's dynamic watch set.
func NewSessionTracker(source string, ended *EndedSessions, onFileRef func(sessionID, path string)) *SessionTracker {
	return &SessionTracker{
		source:    source,
		ended:     ended,
		seenFile:  make(map[string]bool),
		created:   make(map[string]bool),
		onFileRef: onFileRef,
	}
}

func (t *SessionTracker) Name() string { return "session" }

func (t *SessionTracker) Run(w *watch.Watcher, sink *SharedSink) {
	for ev := range w.Out() {
		sessionID, slug, ok := sessionIDAndSlugFromPath(ev.Path)
		if !ok {
			continue
		}

		switch ev.Kind {
		case watch.FileRemoved:
			delete(t.seenFile, ev.Path)
			delete(t.created, ev.Path)
		case watch.FileCreated:
			t.created[ev.Path] = true
			t.handleLines(sink, ev.Path, sessionID, slug, ev.Lines)
		case watch.LinesAdded:
			t.handleLines(sink, ev.Path, sessionID, slug, ev.Lines)
		}
	}
}

func (t *SessionTracker) handleLines(sink *SharedSink, path, sessionID, slug string, lines [][]byte) {
	if len(lines) == 0 {
		// FileCreated carries no lines yet; cold-start detection must wait
		// for the first real LinesAdded so it isn't consumed by the empty
		// creation notification.
		return
	}

	firstObservation := !t.seenFile[path]
	t.seenFile[path] = true

	for i, raw := range lines {
		var entry jsonlEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			logf(t.Name(), "skipping malformed line in %s: %v", path, err)
			continue
		}

		if firstObservation && i == 0 {
			origin := "cold-start"
			if t.created[path] {
				origin = "created"
			}
			logf(t.Name(), "session %s first observed (%s)", sessionID, origin)
			sink.Emit(event.New(t.source, event.TypeSession, event.SessionPayload{
				SessionID: sessionID,
				Action:    event.SessionStarted,
				Project:   slug,
			}))
		}

		t.handleEntry(sink, sessionID, slug, entry)
	}
}

func (t *SessionTracker) handleEntry(sink *SharedSink, sessionID, slug string, entry jsonlEntry) {
	switch entry.Type {
	case "assistant":
		t.handleAssistant(sink, sessionID, slug, entry.Message)

	case "progress":
		var p progressEntry
		if err := json.Unmarshal(entry.Message, &p); err != nil {
			return
		}
		if p.Hook != "PostToolUse" {
			return
		}
		sink.Emit(event.New(t.source, event.TypeTool, event.ToolPayload{
			SessionID: sessionID,
			Tool:      p.ToolName,
			Status:    event.ToolCompleted,
			Project:   slug,
		}))
		if p.Success != nil && !*p.Success {
			sink.Emit(event.New(t.source, event.TypeError, event.ErrorPayload{
				SessionID: sessionID,
				Category:  "tool_error",
			}))
		}

	case "user":
		sink.Emit(event.New(t.source, event.TypeActivity, event.ActivityPayload{
			SessionID: sessionID,
			Project:   slug,
		}))
		sink.Emit(event.New(t.source, event.TypeAgent, event.AgentPayload{
			SessionID: sessionID,
			State:     agentStateWaiting,
		}))
		if hasErrorResult(entry.Message) {
			sink.Emit(event.New(t.source, event.TypeError, event.ErrorPayload{
				SessionID: sessionID,
				Category:  "tool_error",
			}))
		}

	case "summary":
		t.ended.MarkEnded(sessionID)
		sink.Emit(event.New(t.source, event.TypeSummary, event.SummaryPayload{
			SessionID: sessionID,
			Summary:   "Session ended",
		}))
		sink.Emit(event.New(t.source, event.TypeSession, event.SessionPayload{
			SessionID: sessionID,
			Action:    event.SessionEnded,
			Project:   slug,
		}))
	}
}

func (t *SessionTracker) handleAssistant(sink *SharedSink, sessionID, slug string, raw json.RawMessage) {
	emitState := func(state string) {
		sink.Emit(event.New(t.source, event.TypeAgent, event.AgentPayload{
			SessionID: sessionID,
			State:     state,
		}))
	}

	var msg messageBody
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		// Plain string content: an assistant turn with no tool use.
		emitState(agentStateThinking)
		return
	}

	toolUses := 0
	for _, block := range blocks {
		if block.Type != "tool_use" {
			continue
		}
		toolUses++

		context := extractToolContext(block)
		sink.Emit(event.New(t.source, event.TypeTool, event.ToolPayload{
			SessionID: sessionID,
			Tool:      block.Name,
			Status:    event.ToolStarted,
			Context:   context,
			Project:   slug,
		}))

		if t.onFileRef != nil && context != nil && (block.Name == "Edit" || block.Name == "Write") {
			t.onFileRef(sessionID, *context)
		}

		if block.Name == "Task" {
			var in taskInput
			if err := json.Unmarshal(block.Input, &in); err == nil {
				// in.Prompt is read into this local and dropped here; it is
				// never copied onto an emitted payload.
				_ = in.Prompt
				sink.Emit(event.New(t.source, event.TypeAgentSpawn, event.AgentSpawnPayload{
					SessionID:   sessionID,
					AgentType:   "Task",
					Description: in.Description,
				}))
			}
		}
	}

	if toolUses > 0 {
		emitState(agentStateToolUse)
	} else {
		emitState(agentStateThinking)
	}
}

// hasErrorResult reports whether a user record's content carries a
// tool_result block flagged is_error.
func hasErrorResult(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var msg messageBody
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	var blocks []resultBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return false
	}
	for _, b := range blocks {
		if b.Type == "tool_result" && b.IsError {
			return true
		}
	}
	return false
}

// extractToolContext pulls a best-effort single-string context value out
// of a tool_use block's input, for tools whose primary argument is a path,
// command, or query (the privacy pipeline redacts or trims this later).
func extractToolContext(block contentBlock) *string {
	if len(block.Input) == 0 {
		return nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(block.Input, &generic); err != nil {
		return nil
	}
	for _, key := range []string{"file_path", "path", "command", "pattern", "query", "url"} {
		if raw, ok := generic[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return &s
			}
		}
	}
	return nil
}

// sessionIDAndSlugFromPath validates that path's file name is
// <uuid>.jsonl and returns the session id and, as the project slug, the
// decoded name of the file's parent directory. The directories above the
// file are not checked.
func sessionIDAndSlugFromPath(path string) (sessionID, slug string, ok bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".jsonl") {
		return "", "", false
	}
	stem := strings.TrimSuffix(base, ".jsonl")
	if _, err := uuid.Parse(stem); err != nil {
		return "", "", false
	}

	dirSlug := filepath.Base(filepath.Dir(path))
	return stem, pathutil.DecodeSlug(dirSlug), true
}

// SessionFilter is the watch.Filter for the Session and Project trackers:
// *.jsonl files with a UUID stem, whatever directory they are in.
func SessionFilter(path string) bool {
	_, _, ok := sessionIDAndSlugFromPath(path)
	return ok
}
