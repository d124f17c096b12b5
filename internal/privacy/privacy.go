// Package privacy implements the Monitor's privacy pipeline: a total,
// pure transformation from a raw payload to one safe to transmit.
package privacy

import (
	"strings"

	"github.com/vibetea/monitor/internal/event"
)

// SensitiveTools is the constant set of tools whose context field may carry
// arbitrary user input (shell commands, search patterns, URLs, queries).
var SensitiveTools = map[string]struct{}{
	"Bash":      {},
	"Grep":      {},
	"Glob":      {},
	"WebSearch": {},
	"WebFetch":  {},
}

func isSensitive(tool string) bool {
	_, ok := SensitiveTools[tool]
	return ok
}

// Config carries the optional basename allowlist. A nil or empty
// Allowlist means "unset": no extension-based filtering.
type Config struct {
	Allowlist map[string]struct{}
}

// Apply transforms p into its sanitized form. The pipeline never fails:
// any payload it cannot classify is returned unchanged, since every
// Payload variant this repo defines already has an explicit case below.
func (c Config) Apply(p any) any {
	switch v := p.(type) {
	case event.ToolPayload:
		return c.applyTool(v)
	case event.SummaryPayload:
		v.Summary = "Session ended"
		return v
	case event.AgentSpawnPayload:
		// Description and agentType only; no prompt field exists on this
		// type because the prompt is dropped at parse time in the tracker.
		return v
	case event.SkillInvocationPayload:
		// SkillName is already reduced to the first token by the tracker;
		// nothing further to redact here.
		return v
	default:
		// Session, Activity, Agent, Error, and every aggregate-only
		// variant (TokenUsage, SessionMetrics, ActivityPattern,
		// ModelDistribution, TodoProgress, FileChange, ProjectActivity)
		// pass through unchanged.
		return p
	}
}

func (c Config) applyTool(v event.ToolPayload) event.ToolPayload {
	if v.Context == nil {
		return v
	}

	if isSensitive(v.Tool) {
		v.Context = nil
		return v
	}

	base := Basename(*v.Context)
	if base == "" {
		v.Context = nil
		return v
	}

	if len(c.Allowlist) > 0 {
		ext := extensionOf(base)
		if _, ok := c.Allowlist[ext]; !ok {
			v.Context = nil
			return v
		}
	}

	v.Context = &base
	return v
}

// Basename interprets both "/" and "\" as separators and returns the final
// non-empty segment, or "" for empty/root-only inputs.
func Basename(s string) string {
	s = strings.ReplaceAll(s, "\\", "/")
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	if s == "" {
		return ""
	}
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// extensionOf returns the leading-dot extension of a basename, or the
// literal string "" for the no-extension case (callers treat "" as a
// normal map key, distinct from any real extension).
func extensionOf(base string) string {
	idx := strings.LastIndexByte(base, '.')
	if idx <= 0 { // no dot, or dotfile with nothing before the dot
		return ""
	}
	return base[idx:]
}
