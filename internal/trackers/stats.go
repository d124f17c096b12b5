package trackers

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/vibetea/monitor/internal/event"
	"github.com/vibetea/monitor/internal/watch"
)

// statsCache mirrors the subset of stats-cache.json this tracker reads.
// All integer fields default to 0 if missing (lenient parsing).
type statsCache struct {
	TotalSessions  int                   `json:"totalSessions"`
	TotalMessages  int                   `json:"totalMessages"`
	TotalToolUsage int                   `json:"totalToolUsage"`
	LongestSession int                   `json:"longestSession"`
	HourCounts     map[string]int        `json:"hourCounts"`
	ModelUsage     map[string]modelUsage `json:"modelUsage"`
}

type modelUsage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheReadTokens     int `json:"cacheReadTokens"`
	CacheCreationTokens int `json:"cacheCreationTokens"`
}

// StatsTracker watches <assistantRoot>/stats-cache.json with a 200ms
// debounce (applied by the caller's watch.Watcher). On each settled
// change it emits, in order, SessionMetrics, ActivityPattern (if
// non-empty), ModelDistribution (if non-empty), then one TokenUsage per
// model.
type StatsTracker struct {
	source string
	path   string
}

// NewStatsTracker creates a StatsTracker for the stats-cache.json at path.
func NewStatsTracker(source, path string) *StatsTracker {
	return &StatsTracker{source: source, path: path}
}

func (t *StatsTracker) Name() string { return "stats" }

func (t *StatsTracker) Run(w *watch.Watcher, sink *SharedSink) {
	// Initial read on startup if the file already exists.
	if _, err := os.Stat(t.path); err == nil {
		t.handleChange(sink)
	}

	for ev := range w.Out() {
		switch ev.Kind {
		case watch.FileCreated, watch.FileModified:
			t.handleChange(sink)
		}
	}
}

func (t *StatsTracker) handleChange(sink *SharedSink) {
	cache, err := t.readWithRetry()
	if err != nil {
		logf(t.Name(), "reading %s: %v", t.path, err)
		return
	}

	sink.Emit(event.New(t.source, event.TypeSessionMetrics, event.SessionMetricsPayload{
		TotalSessions:  cache.TotalSessions,
		TotalMessages:  cache.TotalMessages,
		TotalToolUsage: cache.TotalToolUsage,
		LongestSession: cache.LongestSession,
	}))

	if len(cache.HourCounts) > 0 {
		sink.Emit(event.New(t.source, event.TypeActivityPattern, event.ActivityPatternPayload{
			HourCounts: cache.HourCounts,
		}))
	}

	if len(cache.ModelUsage) > 0 {
		dist := make(map[string]event.TokenUsagePayload, len(cache.ModelUsage))
		for model, u := range cache.ModelUsage {
			dist[model] = event.TokenUsagePayload{
				Model:               model,
				InputTokens:         u.InputTokens,
				OutputTokens:        u.OutputTokens,
				CacheReadTokens:     u.CacheReadTokens,
				CacheCreationTokens: u.CacheCreationTokens,
			}
		}
		sink.Emit(event.New(t.source, event.TypeModelDistribution, event.ModelDistributionPayload{
			ModelUsage: dist,
		}))

		for model, u := range cache.ModelUsage {
			sink.Emit(event.New(t.source, event.TypeTokenUsage, event.TokenUsagePayload{
				Model:               model,
				InputTokens:         u.InputTokens,
				OutputTokens:        u.OutputTokens,
				CacheReadTokens:     u.CacheReadTokens,
				CacheCreationTokens: u.CacheCreationTokens,
			}))
		}
	}
}

// readWithRetry reads and parses stats-cache.json, retrying up to 3 times
// with 100ms sleeps to tolerate reads that land mid-write.
func (t *StatsTracker) readWithRetry() (*statsCache, error) {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}

		raw, err := os.ReadFile(t.path)
		if err != nil {
			lastErr = err
			continue
		}

		var cache statsCache
		if err := json.Unmarshal(raw, &cache); err != nil {
			lastErr = err
			continue
		}
		return &cache, nil
	}
	return nil, lastErr
}

// StatsFilter is the watch.Filter for the Stats tracker: any path ending
// in stats-cache.json, which picks that file out of the other files in its
// (non-recursive) watch root, the assistant root.
func StatsFilter(path string) bool {
	return strings.HasSuffix(path, "stats-cache.json")
}
