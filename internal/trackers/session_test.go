package trackers

import (
	"strings"
	"testing"

	"github.com/vibetea/monitor/internal/event"
)

func TestSessionIDAndSlugFromPath(t *testing.T) {
	tests := []struct {
		path      string
		wantID    string
		wantSlug  string
		wantOK    bool
	}{
		{
			// Multi-hyphen slug: ambiguous, so the slug comes back unchanged.
			path:     "/home/user/.claude/projects/-home-user-myproject/f47ac10b-58cc-4372-a567-0e02b2c3d479.jsonl",
			wantID:   "f47ac10b-58cc-4372-a567-0e02b2c3d479",
			wantSlug: "-home-user-myproject",
			wantOK:   true,
		},
		{
			path:     "/home/user/.claude/projects/-myproject/f47ac10b-58cc-4372-a567-0e02b2c3d479.jsonl",
			wantID:   "f47ac10b-58cc-4372-a567-0e02b2c3d479",
			wantSlug: "/myproject",
			wantOK:   true,
		},
		{path: "/home/user/.claude/projects/-slug/not-a-uuid.jsonl", wantOK: false},
		{path: "/home/user/.claude/projects/-slug/f47ac10b-58cc-4372-a567-0e02b2c3d479.txt", wantOK: false},
	}

	for _, tt := range tests {
		id, slug, ok := sessionIDAndSlugFromPath(tt.path)
		if ok != tt.wantOK {
			t.Errorf("sessionIDAndSlugFromPath(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if id != tt.wantID {
			t.Errorf("sessionIDAndSlugFromPath(%q) id = %q, want %q", tt.path, id, tt.wantID)
		}
		if slug != tt.wantSlug {
			t.Errorf("sessionIDAndSlugFromPath(%q) slug = %q, want %q", tt.path, slug, tt.wantSlug)
		}
	}
}

func TestSessionFilter(t *testing.T) {
	valid := "/root/.claude/projects/-home-x/f47ac10b-58cc-4372-a567-0e02b2c3d479.jsonl"
	if !SessionFilter(valid) {
		t.Errorf("SessionFilter(%q) = false, want true", valid)
	}
	if SessionFilter("/root/.claude/projects/-home-x/not-a-uuid.jsonl") {
		t.Error("SessionFilter should reject non-UUID stems")
	}
}

const sessionPath = "/root/.claude/projects/-home-proj/f47ac10b-58cc-4372-a567-0e02b2c3d479.jsonl"

func newTestSessionTracker() (*SessionTracker, *SharedSink, *EndedSessions) {
	ended := NewEndedSessions()
	sink := NewSharedSink(64)
	tr := NewSessionTracker("host", ended, nil)
	return tr, sink, ended
}

func drainAll(sink *SharedSink) []event.Event {
	var out []event.Event
	for {
		select {
		case e := <-sink.Out():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSessionTracker_FirstLineEmitsSessionStarted(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{
		[]byte(`{"type":"user","sessionId":"` + id + `"}`),
	})

	events := drainAll(sink)
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	first := events[0]
	if first.Type != event.TypeSession {
		t.Fatalf("first event type = %v, want %v", first.Type, event.TypeSession)
	}
	payload := first.Payload.(event.SessionPayload)
	if payload.Action != event.SessionStarted || payload.SessionID != id {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSessionTracker_FileCreatedThenLinesAddedStillEmitsSessionStarted(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	// FileCreated arrives first, carrying no lines, exactly as watch.Watcher
	// emits it for a brand-new path ahead of the debounced LinesAdded.
	tr.handleLines(sink, sessionPath, id, slug, nil)
	if len(drainAll(sink)) != 0 {
		t.Fatal("expected no event from the empty FileCreated notification")
	}

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{[]byte(`{"type":"user","sessionId":"` + id + `"}`)})
	events := drainAll(sink)

	var sawSessionStarted bool
	for _, e := range events {
		if e.Type == event.TypeSession {
			p := e.Payload.(event.SessionPayload)
			if p.Action == event.SessionStarted {
				sawSessionStarted = true
			}
		}
	}
	if !sawSessionStarted {
		t.Error("expected SessionStarted on the first LinesAdded, even after a preceding empty FileCreated call")
	}
}

func TestSessionTracker_SecondObservationNoSessionStarted(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{[]byte(`{"type":"user","sessionId":"` + id + `"}`)})
	drainAll(sink)

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{[]byte(`{"type":"user","sessionId":"` + id + `"}`)})
	events := drainAll(sink)
	for _, e := range events {
		if e.Type == event.TypeSession {
			t.Errorf("unexpected SessionStarted on second observation: %+v", e)
		}
	}
}

func TestSessionTracker_UserLineEmitsActivity(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{[]byte(`{"type":"user","sessionId":"` + id + `"}`)})
	events := drainAll(sink)

	var found bool
	for _, e := range events {
		if e.Type == event.TypeActivity {
			found = true
			p := e.Payload.(event.ActivityPayload)
			if p.SessionID != id {
				t.Errorf("ActivityPayload.SessionID = %q, want %q", p.SessionID, id)
			}
		}
	}
	if !found {
		t.Error("expected an Activity event")
	}
}

func TestSessionTracker_SummaryMarksEndedAndEmitsBoth(t *testing.T) {
	tr, sink, ended := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{
		[]byte(`{"type":"summary","sessionId":"` + id + `"}`),
	})
	events := drainAll(sink)

	if !ended.Ended(id) {
		t.Error("expected session to be marked ended")
	}

	var sawSummary, sawSessionEnded bool
	for _, e := range events {
		switch e.Type {
		case event.TypeSummary:
			sawSummary = true
		case event.TypeSession:
			p := e.Payload.(event.SessionPayload)
			if p.Action == event.SessionEnded {
				sawSessionEnded = true
			}
		}
	}
	if !sawSummary || !sawSessionEnded {
		t.Errorf("expected both Summary and SessionEnded events, got %+v", events)
	}
}

func TestSessionTracker_AssistantToolUseEmitsToolStarted(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"assistant","sessionId":"` + id + `","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/a/b/main.go"}}]}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})
	events := drainAll(sink)

	var found bool
	for _, e := range events {
		if e.Type == event.TypeTool {
			p := e.Payload.(event.ToolPayload)
			if p.Tool == "Read" && p.Status == event.ToolStarted {
				found = true
				if p.Context == nil || *p.Context != "/a/b/main.go" {
					t.Errorf("Context = %v, want /a/b/main.go", p.Context)
				}
			}
		}
	}
	if !found {
		t.Error("expected a ToolStarted event for Read")
	}
}

func TestSessionTracker_PostToolUseProgressEmitsToolCompleted(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"progress","sessionId":"` + id + `","message":{"hookEventName":"PostToolUse","toolName":"Bash","success":true}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})
	events := drainAll(sink)

	var found bool
	for _, e := range events {
		if e.Type == event.TypeTool {
			p := e.Payload.(event.ToolPayload)
			if p.Tool == "Bash" && p.Status == event.ToolCompleted {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected a ToolCompleted event for Bash")
	}
}

func TestSessionTracker_TaskToolEmitsAgentSpawnWithoutPrompt(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"assistant","sessionId":"` + id + `","message":{"content":[{"type":"tool_use","name":"Task","input":{"description":"investigate bug","prompt":"very secret instructions"}}]}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})
	events := drainAll(sink)

	var found bool
	for _, e := range events {
		if e.Type == event.TypeAgentSpawn {
			found = true
			p := e.Payload.(event.AgentSpawnPayload)
			if p.Description != "investigate bug" {
				t.Errorf("Description = %q, want %q", p.Description, "investigate bug")
			}
		}
	}
	if !found {
		t.Error("expected an AgentSpawn event")
	}

	for _, e := range events {
		p, ok := e.Payload.(event.AgentSpawnPayload)
		if !ok {
			continue
		}
		if strings.Contains(p.Description, "secret") {
			t.Error("prompt text leaked into the emitted event's description")
		}
	}
}

func TestSessionTracker_EditCallsOnFileRef(t *testing.T) {
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)
	ended := NewEndedSessions()
	sink := NewSharedSink(64)

	var gotSession, gotPath string
	tr := NewSessionTracker("host", ended, func(sessionID, path string) {
		gotSession, gotPath = sessionID, path
	})

	line := []byte(`{"type":"assistant","sessionId":"` + id + `","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/a/b/main.go"}}]}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})

	if gotSession != id {
		t.Errorf("onFileRef sessionID = %q, want %q", gotSession, id)
	}
	if gotPath != "/a/b/main.go" {
		t.Errorf("onFileRef path = %q, want /a/b/main.go", gotPath)
	}
}

func agentStates(events []event.Event) []string {
	var states []string
	for _, e := range events {
		if e.Type == event.TypeAgent {
			states = append(states, e.Payload.(event.AgentPayload).State)
		}
	}
	return states
}

func TestSessionTracker_AssistantToolUseEmitsAgentToolUseState(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"assistant","sessionId":"` + id + `","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/a/b.go"}}]}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})

	states := agentStates(drainAll(sink))
	if len(states) != 1 || states[0] != "tool_use" {
		t.Errorf("agent states = %v, want [tool_use]", states)
	}
}

func TestSessionTracker_AssistantTextEmitsAgentThinkingState(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"assistant","sessionId":"` + id + `","message":{"content":"just prose, no tools"}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})

	states := agentStates(drainAll(sink))
	if len(states) != 1 || states[0] != "thinking" {
		t.Errorf("agent states = %v, want [thinking]", states)
	}
}

func TestSessionTracker_UserLineEmitsAgentWaitingState(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{[]byte(`{"type":"user","sessionId":"` + id + `"}`)})

	states := agentStates(drainAll(sink))
	if len(states) != 1 || states[0] != "waiting" {
		t.Errorf("agent states = %v, want [waiting]", states)
	}
}

func TestSessionTracker_ErrorToolResultEmitsErrorEvent(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"user","sessionId":"` + id + `","message":{"content":[{"type":"tool_result","is_error":true,"content":"command failed"}]}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})

	var found bool
	for _, e := range drainAll(sink) {
		if e.Type == event.TypeError {
			found = true
			p := e.Payload.(event.ErrorPayload)
			if p.Category != "tool_error" || p.SessionID != id {
				t.Errorf("ErrorPayload = %+v", p)
			}
		}
	}
	if !found {
		t.Error("expected an Error event for an is_error tool_result")
	}
}

func TestSessionTracker_FailedPostToolUseEmitsErrorEvent(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"progress","sessionId":"` + id + `","message":{"hookEventName":"PostToolUse","toolName":"Bash","success":false}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})

	var sawError bool
	for _, e := range drainAll(sink) {
		if e.Type == event.TypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected an Error event for a failed PostToolUse")
	}
}

func TestSessionTracker_SuccessfulToolResultNoErrorEvent(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	line := []byte(`{"type":"user","sessionId":"` + id + `","message":{"content":[{"type":"tool_result","content":"ok"}]}}`)
	tr.handleLines(sink, sessionPath, id, slug, [][]byte{line})

	for _, e := range drainAll(sink) {
		if e.Type == event.TypeError {
			t.Errorf("unexpected Error event: %+v", e)
		}
	}
}

func TestSessionTracker_MalformedLineSkipped(t *testing.T) {
	tr, sink, _ := newTestSessionTracker()
	id, slug, _ := sessionIDAndSlugFromPath(sessionPath)

	tr.handleLines(sink, sessionPath, id, slug, [][]byte{[]byte(`not json`)})
	events := drainAll(sink)
	if len(events) != 0 {
		t.Errorf("expected no events for a malformed line, got %+v", events)
	}
}
