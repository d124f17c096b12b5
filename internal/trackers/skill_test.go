package trackers

import (
	"testing"

	"github.com/vibetea/monitor/internal/event"
)

func TestSkillFilter(t *testing.T) {
	if !SkillFilter("/home/user/.claude/history.jsonl") {
		t.Error("SkillFilter should match history.jsonl")
	}
	if SkillFilter("/home/user/.claude/other.jsonl") {
		t.Error("SkillFilter should reject non-history files")
	}
}

func TestFirstAlphanumericRun(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"review medium", "review"},
		{"loop", "loop"},
		{"", ""},
		{" leading-space", ""},
		{"deploy-prod extra args", "deploy"},
	}
	for _, tt := range tests {
		if got := firstAlphanumericRun(tt.in); got != tt.want {
			t.Errorf("firstAlphanumericRun(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSkillTracker_HandleLineEmitsSkillInvocation(t *testing.T) {
	tr := NewSkillTracker("host")
	sink := NewSharedSink(8)

	line := []byte(`{"display":"/review medium","timestamp":1700000000000,"project":"myproj","sessionId":"s1"}`)
	tr.handleLine(sink, line)

	e := <-sink.Out()
	if e.Type != event.TypeSkillInvocation {
		t.Fatalf("event type = %v, want %v", e.Type, event.TypeSkillInvocation)
	}
	p := e.Payload.(event.SkillInvocationPayload)
	if p.SkillName != "review" {
		t.Errorf("SkillName = %q, want review", p.SkillName)
	}
	if p.SessionID != "s1" || p.Project != "myproj" {
		t.Errorf("payload = %+v", p)
	}
}

func TestSkillTracker_HandleLineIgnoresNonSlashDisplay(t *testing.T) {
	tr := NewSkillTracker("host")
	sink := NewSharedSink(8)

	tr.handleLine(sink, []byte(`{"display":"plain text entry","sessionId":"s1"}`))

	select {
	case e := <-sink.Out():
		t.Fatalf("expected no event for a non-slash display, got %+v", e)
	default:
	}
}

func TestSkillTracker_HandleLineSkipsMalformedJSON(t *testing.T) {
	tr := NewSkillTracker("host")
	sink := NewSharedSink(8)

	tr.handleLine(sink, []byte(`not json`))

	select {
	case e := <-sink.Out():
		t.Fatalf("expected no event for malformed JSON, got %+v", e)
	default:
	}
}

func TestSkillTracker_HandleLineIgnoresBareSlash(t *testing.T) {
	tr := NewSkillTracker("host")
	sink := NewSharedSink(8)

	tr.handleLine(sink, []byte(`{"display":"/","sessionId":"s1"}`))

	select {
	case e := <-sink.Out():
		t.Fatalf("expected no event for a bare slash display, got %+v", e)
	default:
	}
}
