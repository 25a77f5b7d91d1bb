package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/viewability.report/internal/db"
	"github.com/banshee-data/viewability.report/internal/identity"
	"github.com/banshee-data/viewability.report/internal/intersect"
	"github.com/banshee-data/viewability.report/internal/monitoring"
	"github.com/banshee-data/viewability.report/internal/pagevis"
	"github.com/banshee-data/viewability.report/internal/timeutil"
	"github.com/banshee-data/viewability.report/internal/viewability"
)

// Config configures the Manager and the observer built for every session.
type Config struct {
	// Thresholds are the visibility criteria applied to every session.
	// Defaults to the 50%-for-1s standard under the label "viewable".
	Thresholds []viewability.Threshold

	// RootMargin expands the viewport box, CSS shorthand.
	RootMargin string

	// IdleTimeout is how long a session may go without a batch before the
	// sweep closes it. Defaults to 2 minutes.
	IdleTimeout time.Duration

	// SweepInterval is how often Run checks for idle sessions. Defaults
	// to 30 seconds.
	SweepInterval time.Duration

	// Clock and Scheduler default to the real implementations. Replay
	// tooling injects mocks to run recorded logs deterministically.
	Clock     timeutil.Clock
	Scheduler timeutil.Scheduler

	// OnEntries, when set, receives every entry batch instead of the store
	// and broadcaster. Replay and threshold-sweep tooling collect results
	// through it. Called on ingest goroutines and dwell timer fires.
	OnEntries func(sessionID string, entries []viewability.Entry)
}

// DefaultThresholds is the criterion applied when Config.Thresholds is
// empty: half the element visible for a full second.
var DefaultThresholds = []viewability.Threshold{
	{Label: "viewable", Ratio: 0.5, Time: time.Second},
}

// Manager owns every live session, persists their entries, and feeds the
// live broadcaster. The zero value is not usable; construct with NewManager.
type Manager struct {
	cfg   Config
	store *db.DB
	bcast *Broadcaster
	clock timeutil.Clock
	sched timeutil.Scheduler
	ids   identity.Source

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager backed by store. A nil store is allowed:
// entries still reach the broadcaster, nothing persists. Replay and
// threshold-sweep tooling run that way.
func NewManager(cfg Config, store *db.DB) *Manager {
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timeutil.GoScheduler{}
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		bcast:    NewBroadcaster(),
		clock:    cfg.Clock,
		sched:    cfg.Scheduler,
		ids:      identity.UUIDSource{Prefix: "sess"},
		sessions: make(map[string]*Session),
	}
}

// Broadcaster returns the live entry feed.
func (m *Manager) Broadcaster() *Broadcaster {
	return m.bcast
}

// Thresholds returns the criteria applied to every session.
func (m *Manager) Thresholds() []viewability.Threshold {
	return m.cfg.Thresholds
}

// Create starts a new session for one page view and persists its row.
func (m *Manager) Create(ctx context.Context, pageURL, userAgent string) (*Session, error) {
	s := &Session{
		ID:        m.ids.Token(),
		PageURL:   pageURL,
		UserAgent: userAgent,
		StartedAt: m.clock.Now(),
		mgr:       m,
		feed:      pagevis.NewFeed(),
		elements:  make(map[string]*intersect.Element),
		tokens:    make(map[string]string),
	}
	s.lastSeen = s.StartedAt

	obs, err := viewability.New(viewability.Config{
		RootMargin:  m.cfg.RootMargin,
		Thresholds:  m.cfg.Thresholds,
		PageContext: true,
	}, viewability.Deps{
		NewSource: func(opts intersect.Options, sink intersect.SinkFunc) (intersect.Source, error) {
			eng, err := intersect.NewEngine(opts, sink, m.clock)
			if err != nil {
				return nil, err
			}
			s.engine = eng
			return eng, nil
		},
		Visibility: s.feed,
		Clock:      m.clock,
		Scheduler:  m.sched,
	}, func(entries []viewability.Entry) {
		m.dispatch(s, entries)
	})
	if err != nil {
		return nil, err
	}
	s.observer = obs

	if m.store != nil {
		started := unixSeconds(s.StartedAt)
		row := db.Session{
			SessionID:    s.ID,
			PageURL:      pageURL,
			UserAgent:    userAgent,
			StartedUnix:  started,
			LastSeenUnix: started,
		}
		if err := m.store.UpsertSession(ctx, row); err != nil {
			obs.Disconnect()
			return nil, fmt.Errorf("session: persist session: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the live session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Ingest routes a beacon batch to its session and returns the number of
// intersection samples the batch delivered.
func (m *Manager) Ingest(ctx context.Context, b Batch) (int, error) {
	s, ok := m.Get(b.SessionID)
	if !ok {
		return 0, ErrNoSession
	}
	now := m.clock.Now()
	delivered, err := s.ingest(b, now)
	if err != nil {
		return delivered, err
	}
	if m.store != nil {
		if err := m.store.TouchSession(ctx, s.ID, unixSeconds(now)); err != nil {
			monitoring.Logf("session %s: touch: %v", s.ID, err)
		}
	}
	return delivered, nil
}

// drop removes id from the registry without closing the session. The unload
// path calls it so no further batches route to a session mid-teardown.
func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Run sweeps idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := m.sweepIdle(); n > 0 {
				monitoring.Logf("session sweep: closed %d idle sessions", n)
			}
		}
	}
}

// sweepIdle closes every session idle past the configured timeout and
// returns how many were closed. Closing forces exits, so the impressions a
// vanished page never finished still get their spans.
func (m *Manager) sweepIdle() int {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen()) >= m.cfg.IdleTimeout {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		monitoring.Debugf("session %s: idle, closing", s.ID)
		s.shutdown(false)
	}
	return len(expired)
}

// Close shuts every session down and closes the broadcaster. Shutdown
// flushes forced exits, so pending impressions reach the store first.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(false)
	}
	m.bcast.Close()
}

// dispatch is the observer callback target for every session: persist the
// batch, then publish each row to live subscribers. It runs on ingest
// goroutines and on dwell timer fires, so it takes no session locks.
func (m *Manager) dispatch(s *Session, entries []viewability.Entry) {
	if m.cfg.OnEntries != nil {
		m.cfg.OnEntries(s.ID, entries)
		return
	}
	rows := make([]db.VisibilityEvent, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, m.toEvent(s, e))
	}
	if m.store != nil {
		if err := m.store.InsertEvents(context.Background(), rows); err != nil {
			monitoring.Logf("session %s: persist %d events: %v", s.ID, len(rows), err)
		}
	}
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			monitoring.Logf("session %s: marshal event: %v", s.ID, err)
			continue
		}
		m.bcast.Publish(string(line))
	}
}

// toEvent converts one observer entry to its stored row. Live broadcast
// lines use the same shape, so the SSE tail and the query API agree.
func (m *Manager) toEvent(s *Session, e viewability.Entry) db.VisibilityEvent {
	row := db.VisibilityEvent{
		SessionID:  s.ID,
		PageURL:    s.PageURL,
		ElementID:  e.Target.ID,
		Token:      s.token(e.Target.ID),
		Label:      e.Label,
		Entering:   e.Entering,
		Ratio:      e.Ratio,
		DurationMs: float64(e.Duration) / float64(time.Millisecond),
		EventUnix:  unixSeconds(e.Time),
	}
	if e.Payload != nil {
		if raw, err := json.Marshal(e.Payload); err == nil {
			row.Payload = raw
		}
	}
	return row
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
