// Package sender implements the Monitor's batched, signed HTTP delivery:
// a bounded FIFO-eviction send queue, oversized-payload chunking,
// exponential backoff with jitter and Retry-After honoring, and a
// shutdown flush.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vibetea/monitor/internal/cryptoutil"
	"github.com/vibetea/monitor/internal/event"
)

// MaxChunkSize is the maximum serialized size of a single HTTP batch body.
// Batches larger than this are split at event boundaries before sending.
const MaxChunkSize = 900 * 1024

// Retry defaults applied by Config.withDefaults.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultMaxAttempts  = 10
	DefaultJitter       = 0.25
)

// ErrAuthFailed is returned when the ingest endpoint responds 401.
// Non-retryable; the caller decides whether to re-queue or drop.
var ErrAuthFailed = errors.New("sender: authentication failed")

// ErrMaxRetriesExceeded is returned when a sub-batch exhausts max_attempts.
var ErrMaxRetriesExceeded = errors.New("sender: max retries exceeded")

// Config configures a Sender's retry and connection behavior.
type Config struct {
	ServerURL    string
	SourceID     string
	BufferSize   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       float64
}

func (c Config) withDefaults() Config {
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Jitter == 0 {
		c.Jitter = DefaultJitter
	}
	if c.BufferSize == 0 {
		c.BufferSize = 1000
	}
	return c
}

// Sender delivers queued events to cfg.ServerURL, signed with key.
type Sender struct {
	cfg Config
	key *cryptoutil.Key

	client *http.Client

	mu      sync.Mutex
	queue   []event.Event
	evicted int

	retryMu    sync.Mutex
	retryDelay time.Duration
}

// New creates a Sender. key signs every outgoing batch.
func New(cfg Config, key *cryptoutil.Key) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		cfg: cfg,
		key: key,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
		retryDelay: cfg.InitialDelay,
	}
}

// Queue appends event to the send queue, evicting the oldest entry first
// if doing so would exceed BufferSize. Returns the number evicted (0 or 1).
func (s *Sender) Queue(e event.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evictedNow := 0
	if len(s.queue) >= s.cfg.BufferSize {
		s.queue = s.queue[1:]
		s.evicted++
		evictedNow = 1
	}
	s.queue = append(s.queue, e)
	return evictedNow
}

// Evicted returns the cumulative number of events dropped by Queue overflow.
func (s *Sender) Evicted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Flush attempts to transmit all queued events, split into chunks at
// MAX_CHUNK_SIZE boundaries. Successfully sent (or permanently-dropped)
// events are removed from the queue. Returns the first terminal error
// encountered (ErrAuthFailed or ErrMaxRetriesExceeded), if any; a 413 on
// an individual chunk does not fail the overall flush.
func (s *Sender) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	chunks := chunkBatch(batch, MaxChunkSize)

	var firstErr error
	var unsent []event.Event

	for _, chunk := range chunks {
		if err := s.sendChunk(ctx, chunk); err != nil {
			if errors.Is(err, errDropChunk) {
				continue // 413: drop this sub-batch, keep going
			}
			if firstErr == nil {
				firstErr = err
			}
			unsent = append(unsent, chunk...)
			continue
		}
	}

	if len(unsent) > 0 {
		s.mu.Lock()
		s.queue = append(unsent, s.queue...)
		s.mu.Unlock()
	}

	return firstErr
}

// errDropChunk is a sentinel used internally to signal "413, drop and
// continue" without treating it as a flush-failing error.
var errDropChunk = errors.New("sender: chunk dropped (413)")

// sendChunk POSTs one sub-batch, retrying transient failures with
// exponential backoff up to MaxAttempts.
func (s *Sender) sendChunk(ctx context.Context, chunk []event.Event) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("sender: marshaling batch: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.currentRetryDelay()
	bo.MaxInterval = s.cfg.MaxDelay
	bo.RandomizationFactor = s.cfg.Jitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // attempt count is capped explicitly below, not elapsed time
	bo.Reset()

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		retryAfter, terminal, err := s.attemptSend(ctx, body)
		if err == nil {
			s.resetRetryDelay()
			return nil
		}
		if errors.Is(err, errDropChunk) {
			return err
		}
		if terminal {
			return err
		}

		if attempt == s.cfg.MaxAttempts {
			return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
		}

		delay := bo.NextBackOff()
		s.setRetryDelay(delay)
		if retryAfter > 0 {
			delay = retryAfter
		}
		if delay < time.Millisecond {
			delay = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: exhausted attempts", ErrMaxRetriesExceeded)
}

// attemptSend performs a single POST. retryAfter is non-zero only when the
// server returned 429 with a Retry-After header. terminal is true for
// errors that must not be retried (401).
func (s *Sender) attemptSend(ctx context.Context, body []byte) (retryAfter time.Duration, terminal bool, err error) {
	sig := s.key.Sign(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ServerURL+"/events", bytes.NewReader(body))
	if err != nil {
		return 0, true, fmt.Errorf("sender: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source-ID", s.cfg.SourceID)
	req.Header.Set("X-Signature", sig)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("sender: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, false, nil

	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		log.Printf("[sender] 413 payload too large, dropping sub-batch (%d bytes)", len(body))
		return 0, false, errDropChunk

	case resp.StatusCode == http.StatusUnauthorized:
		log.Printf("[sender] 401 authentication failed")
		return 0, true, ErrAuthFailed

	case resp.StatusCode == http.StatusTooManyRequests:
		ra := parseRetryAfter(resp.Header.Get("Retry-After"))
		return ra, false, fmt.Errorf("sender: rate limited (429)")

	case resp.StatusCode >= 500:
		return 0, false, fmt.Errorf("sender: server error %d", resp.StatusCode)

	default:
		log.Printf("[sender] unexpected status %d, dropping sub-batch", resp.StatusCode)
		return 0, false, errDropChunk
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (s *Sender) resetRetryDelay() {
	s.retryMu.Lock()
	s.retryDelay = s.cfg.InitialDelay
	s.retryMu.Unlock()
}

// currentRetryDelay returns the delay a new sendChunk call should start
// its backoff from: the delay left off at by the last failing attempt
// across any prior chunk, so consecutive failing Flush calls keep
// escalating instead of restarting at InitialDelay every time.
func (s *Sender) currentRetryDelay() time.Duration {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	return s.retryDelay
}

func (s *Sender) setRetryDelay(d time.Duration) {
	s.retryMu.Lock()
	s.retryDelay = d
	s.retryMu.Unlock()
}

// chunkBatch splits events into sub-batches whose serialized JSON size
// does not exceed maxBytes, splitting only at event boundaries. A single
// event whose own serialized size exceeds maxBytes is sent alone.
func chunkBatch(events []event.Event, maxBytes int) [][]event.Event {
	var chunks [][]event.Event
	var current []event.Event
	currentSize := 2 // "[]"

	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		entrySize := len(raw) + 1 // comma/bracket overhead

		if len(current) > 0 && currentSize+entrySize > maxBytes {
			chunks = append(chunks, current)
			current = nil
			currentSize = 2
		}

		current = append(current, e)
		currentSize += entrySize
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// Shutdown calls Flush bounded by timeout and returns the count of events
// still unsent afterward (these are discarded).
func (s *Sender) Shutdown(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Flush(ctx); err != nil {
		log.Printf("[sender] shutdown flush error: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := len(s.queue)
	s.queue = nil
	return remaining
}
