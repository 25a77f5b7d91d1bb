// Package session owns the server-side half of a page view. Each session
// pairs an intersection engine with a viewability observer and a page
// visibility feed; beacon batches from the browser drive all three. The
// Manager routes batches by session id, persists confirmed entries, fans
// them out to live subscribers, and expires sessions that stop reporting.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/viewability.report/internal/intersect"
	"github.com/banshee-data/viewability.report/internal/pagevis"
	"github.com/banshee-data/viewability.report/internal/viewability"
)

// Beacon event kinds accepted by Ingest.
const (
	KindViewport   = "viewport"
	KindLayout     = "layout"
	KindObserve    = "observe"
	KindUnobserve  = "unobserve"
	KindVisibility = "visibility"
	KindUnload     = "unload"
)

// Visibility states carried by KindVisibility events.
const (
	StateHidden = "hidden"
	StateShown  = "shown"
)

var (
	// ErrNoSession is returned by Ingest for an unknown session id.
	ErrNoSession = errors.New("session: unknown session id")

	// ErrSessionClosed is returned by Ingest for a session that already
	// unloaded or expired.
	ErrSessionClosed = errors.New("session: session closed")
)

// BeaconEvent is one event in an ingest batch. Kind decides which fields
// are required: viewport needs rect, layout needs element and rect, observe
// and unobserve need element, visibility needs state. TimeMs is the
// client-side capture time; replay tooling uses it to drive a mock clock,
// the live daemon stamps server time instead.
type BeaconEvent struct {
	Kind    string          `json:"kind"`
	TimeMs  float64         `json:"time_ms,omitempty"`
	Element string          `json:"element,omitempty"`
	Rect    *intersect.Rect `json:"rect,omitempty"`
	State   string          `json:"state,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Batch is the ingest wire format: an ordered list of beacon events for one
// session. Events apply in order, then the engine evaluates once.
type Batch struct {
	SessionID string        `json:"session_id"`
	Events    []BeaconEvent `json:"events"`
}

// Session is one live page view: the engine holding its geometry, the
// observer tracking its thresholds, and the feed carrying its page
// lifecycle. Element pointers are interned per session so layout and
// observe events referring to the same id hit the same element.
type Session struct {
	ID        string
	PageURL   string
	UserAgent string
	StartedAt time.Time

	mgr      *Manager
	feed     *pagevis.Feed
	engine   *intersect.Engine
	observer *viewability.Observer

	mu       sync.Mutex
	elements map[string]*intersect.Element
	tokens   map[string]string // element id -> observer token
	lastSeen time.Time
	closed   bool
}

// LastSeen returns when the session last ingested a batch.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Records returns live observer records for the session.
func (s *Session) Records() []viewability.RecordSnapshot {
	return s.observer.Records()
}

// element interns the tracked element for id.
func (s *Session) element(id string) *intersect.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	if !ok {
		el = &intersect.Element{ID: id}
		s.elements[id] = el
	}
	return el
}

// token returns the observer token assigned to element id, if any.
func (s *Session) token(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[id]
}

// ingest applies every event in order, then evaluates the engine once so
// the whole batch produces a single sample delivery. Returns the number of
// samples the evaluation delivered.
func (s *Session) ingest(b Batch, now time.Time) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	s.lastSeen = now
	s.mu.Unlock()

	for i, ev := range b.Events {
		if err := s.apply(ev); err != nil {
			return 0, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return s.engine.Evaluate(), nil
}

func (s *Session) apply(ev BeaconEvent) error {
	switch ev.Kind {
	case KindViewport:
		if ev.Rect == nil {
			return errors.New("session: viewport event requires rect")
		}
		s.engine.SetViewport(*ev.Rect)

	case KindLayout:
		if ev.Element == "" {
			return errors.New("session: layout event requires element")
		}
		if ev.Rect == nil {
			return errors.New("session: layout event requires rect")
		}
		s.engine.SetLayout(s.element(ev.Element), *ev.Rect)

	case KindObserve:
		if ev.Element == "" {
			return errors.New("session: observe event requires element")
		}
		var payload any
		if len(ev.Payload) > 0 {
			payload = ev.Payload
		}
		token, err := s.observer.Observe(s.element(ev.Element), payload)
		if err != nil {
			// Beacons retry on flaky networks, so a replayed observe
			// for a live element is dropped rather than failing the
			// whole batch.
			if errors.Is(err, viewability.ErrAlreadyObserved) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.tokens[ev.Element] = token
		s.mu.Unlock()

	case KindUnobserve:
		if ev.Element == "" {
			return errors.New("session: unobserve event requires element")
		}
		s.observer.Unobserve(s.element(ev.Element))

	case KindVisibility:
		switch ev.State {
		case StateHidden:
			s.feed.Emit(pagevis.SignalHidden)
		case StateShown:
			s.feed.Emit(pagevis.SignalShown)
		default:
			return fmt.Errorf("session: unknown visibility state %q", ev.State)
		}

	case KindUnload:
		s.mgr.drop(s.ID)
		s.shutdown(true)

	default:
		return fmt.Errorf("session: unknown event kind %q", ev.Kind)
	}
	return nil
}

// shutdown tears the session down. When announced is set the page lifecycle
// feed emits unload first, so exits flow through the visibility gate the
// way a page-hide handler would produce them; expiry skips the signal and
// lets Disconnect synthesize the exits.
func (s *Session) shutdown(announced bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if announced {
		s.feed.Emit(pagevis.SignalUnload)
	}
	s.observer.Disconnect()
}
