package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/viewability.report/internal/monitoring"
	"github.com/banshee-data/viewability.report/internal/timeutil"
)

// RecordedBatch is one line of a JSONL beacon log: an ingest batch plus the
// page metadata needed to recreate its session offline. PageURL and
// UserAgent only matter on the first line carrying a given session id.
type RecordedBatch struct {
	SessionID string        `json:"session_id"`
	PageURL   string        `json:"page_url,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	Events    []BeaconEvent `json:"events"`
}

// ReadLog parses a JSONL beacon log. Blank lines and lines starting with #
// are skipped, so logs can carry comments.
func ReadLog(r io.Reader) ([]RecordedBatch, error) {
	var batches []RecordedBatch
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var b RecordedBatch
		if err := json.Unmarshal([]byte(line), &b); err != nil {
			return nil, fmt.Errorf("session: log line %d: %w", n, err)
		}
		if b.SessionID == "" {
			return nil, fmt.Errorf("session: log line %d: missing session_id", n)
		}
		batches = append(batches, b)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("session: read log: %w", err)
	}
	return batches, nil
}

// WriteLog writes batches as JSONL, one batch per line.
func WriteLog(w io.Writer, batches []RecordedBatch) error {
	enc := json.NewEncoder(w)
	for i := range batches {
		if err := enc.Encode(&batches[i]); err != nil {
			return fmt.Errorf("session: write log line %d: %w", i+1, err)
		}
	}
	return nil
}

// Replayer runs a recorded beacon log through a Manager on mock time. The
// clock advances to each batch's latest capture time before the batch
// applies, so dwell timers confirm at the same offsets they did on the
// original page. The Manager must share Clock and Scheduler, and should
// route entries through Config.OnEntries; everything then runs on the
// caller's goroutine.
type Replayer struct {
	Manager   *Manager
	Clock     *timeutil.MockClock
	Scheduler *timeutil.MockScheduler

	origins map[string]string // live session id -> recorded session id
	epochs  map[string]time.Time
}

// Run feeds every batch through the manager in log order. Each recorded
// session id gets a fresh live session on first sight; its epoch is the
// clock reading at that moment, and later batches advance the clock to
// epoch plus their latest time_ms. A batch for a session that already
// unloaded is skipped with a warning, the way the ingest API would reject
// it. Malformed events abort the run.
func (r *Replayer) Run(ctx context.Context, batches []RecordedBatch) error {
	if r.origins == nil {
		r.origins = make(map[string]string)
		r.epochs = make(map[string]time.Time)
	}
	live := make(map[string]string)
	for i, b := range batches {
		id, ok := live[b.SessionID]
		if !ok {
			s, err := r.Manager.Create(ctx, b.PageURL, b.UserAgent)
			if err != nil {
				return fmt.Errorf("session: replay line %d: create: %w", i+1, err)
			}
			id = s.ID
			live[b.SessionID] = id
			r.origins[id] = b.SessionID
			r.epochs[b.SessionID] = r.Clock.Now()
		}
		if ms := latestTimeMs(b.Events); ms > 0 {
			target := r.epochs[b.SessionID].Add(time.Duration(ms * float64(time.Millisecond)))
			if d := target.Sub(r.Clock.Now()); d > 0 {
				r.Clock.Advance(d)
			}
		}
		if _, err := r.Manager.Ingest(ctx, Batch{SessionID: id, Events: b.Events}); err != nil {
			if errors.Is(err, ErrNoSession) || errors.Is(err, ErrSessionClosed) {
				monitoring.Logf("replay line %d: session %s already closed, skipping", i+1, b.SessionID)
				continue
			}
			return fmt.Errorf("session: replay line %d (session %s): %w", i+1, b.SessionID, err)
		}
		r.drain()
	}
	return nil
}

// Finish closes the manager, forcing exits for everything still visible at
// end of log, and drains the deferred work they queue.
func (r *Replayer) Finish() {
	r.Manager.Close()
	r.drain()
}

// Origin maps a live session id back to the recorded id it replays.
func (r *Replayer) Origin(liveID string) string {
	if rec, ok := r.origins[liveID]; ok {
		return rec
	}
	return liveID
}

// drain runs deferred work until none is queued. Unobserve exits Defer
// their flush, and a flush can queue more work.
func (r *Replayer) drain() {
	for r.Scheduler.Run() > 0 {
	}
}

func latestTimeMs(events []BeaconEvent) float64 {
	var max float64
	for _, ev := range events {
		if ev.TimeMs > max {
			max = ev.TimeMs
		}
	}
	return max
}
