// Package event defines the Monitor's wire-level unit of transmission: a
// tagged Event envelope around one of a fixed set of Payload variants.
package event

import (
	"crypto/rand"
	"time"
)

// Type discriminates which Payload variant an Event carries.
type Type string

const (
	TypeSession           Type = "session"
	TypeActivity          Type = "activity"
	TypeTool              Type = "tool"
	TypeAgent             Type = "agent"
	TypeSummary           Type = "summary"
	TypeError             Type = "error"
	TypeAgentSpawn        Type = "agent_spawn"
	TypeSkillInvocation   Type = "skill_invocation"
	TypeTokenUsage        Type = "token_usage"
	TypeSessionMetrics    Type = "session_metrics"
	TypeActivityPattern   Type = "activity_pattern"
	TypeModelDistribution Type = "model_distribution"
	TypeTodoProgress      Type = "todo_progress"
	TypeFileChange        Type = "file_change"
	TypeProjectActivity   Type = "project_activity"
)

// Event is the unit of transmission handed to the Sender. id is assigned
// exactly once, at construction, by New.
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
}

// New constructs an Event with a freshly generated id and the current wall
// clock time. source should match the X-Source-ID the Sender attaches to
// every batch.
func New(source string, typ Type, payload any) Event {
	return Event{
		ID:        NewID(),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   payload,
	}
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns "evt_" followed by 20 characters drawn from a base36
// alphabet, sourced from the OS CSPRNG. Collisions are astronomically
// unlikely (36^20 keyspace) and are not checked for.
func NewID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, degrade to a fixed-looking but still unique-enough
		// id rather than panic mid-pipeline.
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	out := make([]byte, 20)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return "evt_" + string(out)
}

// --- Payload variants ---

type SessionAction string

const (
	SessionStarted SessionAction = "started"
	SessionEnded   SessionAction = "ended"
)

type SessionPayload struct {
	SessionID string        `json:"sessionId"`
	Action    SessionAction `json:"action"`
	Project   string        `json:"project"`
}

type ActivityPayload struct {
	SessionID string `json:"sessionId"`
	Project   string `json:"project,omitempty"`
}

type ToolStatus string

const (
	ToolStarted   ToolStatus = "started"
	ToolCompleted ToolStatus = "completed"
)

type ToolPayload struct {
	SessionID string     `json:"sessionId"`
	Tool      string     `json:"tool"`
	Status    ToolStatus `json:"status"`
	Context   *string    `json:"context,omitempty"`
	Project   string     `json:"project,omitempty"`
}

type AgentPayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

type SummaryPayload struct {
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
}

type ErrorPayload struct {
	SessionID string `json:"sessionId"`
	Category  string `json:"category"`
}

type AgentSpawnPayload struct {
	SessionID   string `json:"sessionId"`
	AgentType   string `json:"agentType"`
	Description string `json:"description"`
}

type SkillInvocationPayload struct {
	SessionID string    `json:"sessionId"`
	SkillName string    `json:"skillName"`
	Project   string    `json:"project"`
	Timestamp time.Time `json:"timestamp"`
}

type TokenUsagePayload struct {
	Model               string `json:"model"`
	InputTokens         int    `json:"inputTokens"`
	OutputTokens        int    `json:"outputTokens"`
	CacheReadTokens     int    `json:"cacheReadTokens"`
	CacheCreationTokens int    `json:"cacheCreationTokens"`
}

type SessionMetricsPayload struct {
	TotalSessions  int `json:"totalSessions"`
	TotalMessages  int `json:"totalMessages"`
	TotalToolUsage int `json:"totalToolUsage"`
	LongestSession int `json:"longestSession"`
}

type ActivityPatternPayload struct {
	HourCounts map[string]int `json:"hourCounts"`
}

type ModelDistributionPayload struct {
	ModelUsage map[string]TokenUsagePayload `json:"modelUsage"`
}

type TodoProgressPayload struct {
	SessionID  string `json:"sessionId"`
	Completed  int    `json:"completed"`
	InProgress int    `json:"inProgress"`
	Pending    int    `json:"pending"`
	Abandoned  bool   `json:"abandoned"`
}

type FileChangePayload struct {
	SessionID     string `json:"sessionId"`
	FileHash      string `json:"fileHash"`
	Version       int    `json:"version"`
	LinesAdded    int    `json:"linesAdded"`
	LinesRemoved  int    `json:"linesRemoved"`
	LinesModified int    `json:"linesModified"`
}

type ProjectActivityPayload struct {
	ProjectPath string `json:"projectPath"`
	SessionID   string `json:"sessionId"`
	IsActive    bool   `json:"isActive"`
}
