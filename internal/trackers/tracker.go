// Package trackers implements the Monitor's six independent event
// producers: Session JSONL, Skill, Stats, Todo, File-history, and Project.
// Each owns its own input source and emits event.Event values onto a
// shared channel, never blocking the sender.
package trackers

import (
	"log"
	"sync"

	"github.com/vibetea/monitor/internal/event"
	"github.com/vibetea/monitor/internal/watch"
)

// Tracker is a long-lived task that consumes watch.Events for the paths it
// cares about and emits event.Event values onto Sink.
type Tracker interface {
	// Name is a short lowercase tag used as the tracker's log prefix.
	Name() string

	// Run consumes w.Out() until the channel closes, emitting onto sink.
	// Run must never block the sender: sink sends are via SharedSink's
	// non-blocking Emit.
	Run(w *watch.Watcher, sink *SharedSink)
}

// The file-history tracker is the one producer outside this interface:
// its watch set grows at runtime via TrackFile, so it owns its own
// watcher instead of taking one here.
var (
	_ Tracker = (*SessionTracker)(nil)
	_ Tracker = (*SkillTracker)(nil)
	_ Tracker = (*StatsTracker)(nil)
	_ Tracker = (*TodoTracker)(nil)
	_ Tracker = (*ProjectTracker)(nil)
)

// SharedSink is the bounded event channel all trackers emit onto, the
// only data path between trackers and the sender. Emit never blocks: if
// the channel is full, the oldest queued event is evicted, the same FIFO
// policy the Sender itself applies to its own queue, so a slow sender
// never backs up into a tracker and wedges the watcher.
type SharedSink struct {
	ch      chan event.Event
	mu      sync.Mutex
	evicted int
}

// NewSharedSink creates a SharedSink with the given capacity, typically
// 4x the sender's buffer size.
func NewSharedSink(capacity int) *SharedSink {
	return &SharedSink{ch: make(chan event.Event, capacity)}
}

// Out returns the channel the Sender drains.
func (s *SharedSink) Out() <-chan event.Event {
	return s.ch
}

// Emit appends e, evicting the oldest queued event if the channel is full.
func (s *SharedSink) Emit(e event.Event) {
	select {
	case s.ch <- e:
		return
	default:
	}

	s.mu.Lock()
	select {
	case <-s.ch:
		s.evicted++
	default:
	}
	s.mu.Unlock()

	select {
	case s.ch <- e:
	default:
		// Extremely unlikely: another producer refilled the slot we just
		// freed before we could use it. Drop e rather than block.
		s.mu.Lock()
		s.evicted++
		s.mu.Unlock()
	}
}

// Evicted returns the number of events dropped due to channel overflow.
func (s *SharedSink) Evicted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// EndedSessions is the reader/writer-locked set of sessionIds observed to
// have terminated. The Session tracker writes it on Summary; the Todo
// tracker reads it when evaluating abandonment. No other shared writable
// state exists between trackers.
type EndedSessions struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewEndedSessions creates an empty set.
func NewEndedSessions() *EndedSessions {
	return &EndedSessions{set: make(map[string]struct{})}
}

// MarkEnded records sessionID as ended.
func (e *EndedSessions) MarkEnded(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set[sessionID] = struct{}{}
}

// Ended reports whether sessionID has been observed to end.
func (e *EndedSessions) Ended(sessionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.set[sessionID]
	return ok
}

func logf(tag, format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{tag}, args...)...)
}
