package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/viewability.report/internal/db"
	"github.com/banshee-data/viewability.report/internal/intersect"
	"github.com/banshee-data/viewability.report/internal/timeutil"
	"github.com/banshee-data/viewability.report/internal/viewability"
)

const (
	testPageURL   = "https://example.com/article"
	testUserAgent = "test-agent/1.0"
)

// newTestManager builds a Manager on a mock clock and scheduler with no
// store, so every entry is observable through the broadcaster alone.
func newTestManager(t *testing.T, ths []viewability.Threshold) (*Manager, *timeutil.MockClock, *timeutil.MockScheduler) {
	t.Helper()
	clk := timeutil.NewMockClock(time.Unix(1000, 0))
	sched := &timeutil.MockScheduler{}
	m := NewManager(Config{
		Thresholds: ths,
		Clock:      clk,
		Scheduler:  sched,
	}, nil)
	return m, clk, sched
}

func rectPtr(x, y, w, h float64) *intersect.Rect {
	return &intersect.Rect{X: x, Y: y, Width: w, Height: h}
}

// recvLine pops one pending broadcast line and decodes it. Dispatch is
// synchronous under the mock clock, so lines are already queued when the
// triggering call returns.
func recvLine(t *testing.T, ch chan string) db.VisibilityEvent {
	t.Helper()
	var row db.VisibilityEvent
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("broadcast channel closed")
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			t.Fatalf("unmarshal broadcast line %q: %v", line, err)
		}
	default:
		t.Fatal("no broadcast line pending")
	}
	return row
}

func assertNoLine(t *testing.T, ch chan string) {
	t.Helper()
	select {
	case line := <-ch:
		t.Fatalf("unexpected broadcast line: %s", line)
	default:
	}
}

// openSession creates a session and ingests viewport + layout + observe for
// one fully visible element, returning the session and the enter row.
func openSession(t *testing.T, m *Manager, ch chan string) (*Session, db.VisibilityEvent) {
	t.Helper()
	s, err := m.Create(context.Background(), testPageURL, testUserAgent)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events: []BeaconEvent{
			{Kind: KindViewport, Rect: rectPtr(0, 0, 1280, 800)},
			{Kind: KindLayout, Element: "hero", Rect: rectPtr(100, 100, 400, 300)},
			{Kind: KindObserve, Element: "hero"},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return s, recvLine(t, ch)
}

func TestIngestEnterEvent(t *testing.T) {
	m, _, _ := newTestManager(t, []viewability.Threshold{{Label: "half", Ratio: 0.5}})
	_, ch := m.Broadcaster().Subscribe()

	s, err := m.Create(context.Background(), testPageURL, testUserAgent)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	delivered, err := m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events: []BeaconEvent{
			{Kind: KindViewport, Rect: rectPtr(0, 0, 1280, 800)},
			{Kind: KindLayout, Element: "hero", Rect: rectPtr(100, 100, 400, 300)},
			{Kind: KindObserve, Element: "hero", Payload: json.RawMessage(`{"slot":"top"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if delivered != 1 {
		t.Errorf("expected 1 delivered sample, got %d", delivered)
	}

	got := recvLine(t, ch)
	if !strings.HasPrefix(got.Token, "el_") {
		t.Errorf("expected el_ token, got %q", got.Token)
	}
	got.Token = ""

	want := db.VisibilityEvent{
		SessionID:  s.ID,
		PageURL:    testPageURL,
		ElementID:  "hero",
		Label:      "half",
		Entering:   true,
		Ratio:      1,
		DurationMs: 0,
		EventUnix:  1000,
		Payload:    json.RawMessage(`{"slot":"top"}`),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("enter event mismatch (-want +got):\n%s", diff)
	}
	assertNoLine(t, ch)
}

func TestIngestExitCarriesDwell(t *testing.T) {
	m, clk, _ := newTestManager(t, []viewability.Threshold{{Label: "half", Ratio: 0.5}})
	_, ch := m.Broadcaster().Subscribe()
	s, _ := openSession(t, m, ch)

	clk.Advance(2500 * time.Millisecond)
	delivered, err := m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events: []BeaconEvent{
			{Kind: KindLayout, Element: "hero", Rect: rectPtr(0, 900, 400, 300)},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if delivered != 1 {
		t.Errorf("expected 1 delivered sample, got %d", delivered)
	}

	exit := recvLine(t, ch)
	if exit.Entering {
		t.Error("expected exit event")
	}
	if exit.Ratio != 0 {
		t.Errorf("expected ratio 0, got %v", exit.Ratio)
	}
	if exit.DurationMs != 2500 {
		t.Errorf("expected 2500ms dwell, got %v", exit.DurationMs)
	}
	if exit.EventUnix != unixSeconds(clk.Now()) {
		t.Errorf("expected event at %v, got %v", unixSeconds(clk.Now()), exit.EventUnix)
	}
}

func TestDwellThresholdConfirmsAfterTimer(t *testing.T) {
	m, clk, _ := newTestManager(t, []viewability.Threshold{
		{Label: "viewable", Ratio: 0.5, Time: time.Second},
	})
	_, ch := m.Broadcaster().Subscribe()

	s, err := m.Create(context.Background(), testPageURL, testUserAgent)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events: []BeaconEvent{
			{Kind: KindViewport, Rect: rectPtr(0, 0, 1280, 800)},
			{Kind: KindLayout, Element: "hero", Rect: rectPtr(100, 100, 400, 300)},
			{Kind: KindObserve, Element: "hero"},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// The rising edge parks behind the dwell timer, nothing is emitted yet.
	assertNoLine(t, ch)

	clk.Advance(time.Second)
	enter := recvLine(t, ch)
	if !enter.Entering {
		t.Error("expected entering event")
	}
	if enter.DurationMs != 1000 {
		t.Errorf("expected 1000ms dwell on confirmation, got %v", enter.DurationMs)
	}
	if enter.EventUnix != 1000 {
		t.Errorf("expected rising-edge timestamp 1000, got %v", enter.EventUnix)
	}
	if enter.Label != "viewable" {
		t.Errorf("expected label viewable, got %q", enter.Label)
	}
}

func TestHiddenForcesExitShownReenters(t *testing.T) {
	m, clk, _ := newTestManager(t, []viewability.Threshold{{Label: "half", Ratio: 0.5}})
	_, ch := m.Broadcaster().Subscribe()
	s, _ := openSession(t, m, ch)

	clk.Advance(500 * time.Millisecond)
	if _, err := m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events:    []BeaconEvent{{Kind: KindVisibility, State: StateHidden}},
	}); err != nil {
		t.Fatalf("Ingest hidden: %v", err)
	}

	exit := recvLine(t, ch)
	if exit.Entering {
		t.Error("expected forced exit on hide")
	}
	if exit.Ratio != -1 {
		t.Errorf("expected sentinel ratio -1, got %v", exit.Ratio)
	}
	if exit.DurationMs != 500 {
		t.Errorf("expected 500ms dwell, got %v", exit.DurationMs)
	}
	assertNoLine(t, ch)

	clk.Advance(500 * time.Millisecond)
	if _, err := m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events:    []BeaconEvent{{Kind: KindVisibility, State: StateShown}},
	}); err != nil {
		t.Fatalf("Ingest shown: %v", err)
	}

	reenter := recvLine(t, ch)
	if !reenter.Entering {
		t.Error("expected re-entry on show")
	}
	if reenter.Ratio != 1 {
		t.Errorf("expected ratio 1 from retained geometry, got %v", reenter.Ratio)
	}
	if reenter.EventUnix != unixSeconds(clk.Now()) {
		t.Errorf("expected re-entry stamped now, got %v", reenter.EventUnix)
	}
	assertNoLine(t, ch)
}

func TestUnloadClosesSession(t *testing.T) {
	m, clk, _ := newTestManager(t, []viewability.Threshold{{Label: "half", Ratio: 0.5}})
	_, ch := m.Broadcaster().Subscribe()
	s, _ := openSession(t, m, ch)

	clk.Advance(time.Second)
	if _, err := m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events:    []BeaconEvent{{Kind: KindUnload}},
	}); err != nil {
		t.Fatalf("Ingest unload: %v", err)
	}

	exit := recvLine(t, ch)
	if exit.Entering || exit.Ratio != -1 {
		t.Errorf("expected forced exit, got entering=%v ratio=%v", exit.Entering, exit.Ratio)
	}
	if exit.DurationMs != 1000 {
		t.Errorf("expected 1000ms dwell, got %v", exit.DurationMs)
	}

	if m.Len() != 0 {
		t.Errorf("expected no live sessions after unload, got %d", m.Len())
	}
	if _, err := m.Ingest(context.Background(), Batch{SessionID: s.ID}); err != ErrNoSession {
		t.Errorf("expected ErrNoSession after unload, got %v", err)
	}
}

func TestUnobserveFlushesDeferredExit(t *testing.T) {
	m, clk, sched := newTestManager(t, []viewability.Threshold{{Label: "half", Ratio: 0.5}})
	_, ch := m.Broadcaster().Subscribe()
	s, _ := openSession(t, m, ch)

	clk.Advance(300 * time.Millisecond)
	if _, err := m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events:    []BeaconEvent{{Kind: KindUnobserve, Element: "hero"}},
	}); err != nil {
		t.Fatalf("Ingest unobserve: %v", err)
	}

	// The forced exit runs through the scheduler, not inline.
	assertNoLine(t, ch)
	if sched.Run() != 1 {
		t.Fatal("expected one deferred task")
	}

	exit := recvLine(t, ch)
	if exit.Entering || exit.Ratio != -1 {
		t.Errorf("expected forced exit, got entering=%v ratio=%v", exit.Entering, exit.Ratio)
	}
	if exit.DurationMs != 300 {
		t.Errorf("expected 300ms dwell, got %v", exit.DurationMs)
	}
	if exit.EventUnix != unixSeconds(clk.Now()) {
		t.Errorf("expected exit stamped at scheduler run, got %v", exit.EventUnix)
	}
}

func TestDuplicateObserveTolerated(t *testing.T) {
	m, _, _ := newTestManager(t, []viewability.Threshold{{Label: "half", Ratio: 0.5}})
	_, ch := m.Broadcaster().Subscribe()
	s, _ := openSession(t, m, ch)

	delivered, err := m.Ingest(context.Background(), Batch{
		SessionID: s.ID,
		Events:    []BeaconEvent{{Kind: KindObserve, Element: "hero"}},
	})
	if err != nil {
		t.Fatalf("expected duplicate observe to be dropped, got %v", err)
	}
	if delivered != 0 {
		t.Errorf("expected no new samples, got %d", delivered)
	}
	assertNoLine(t, ch)
}

func TestIngestEventValidation(t *testing.T) {
	m, _, _ := newTestManager(t, []viewability.Threshold{{Label: "half", Ratio: 0.5}})
	s, err := m.Create(context.Background(), testPageURL, testUserAgent)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []struct {
		name string
		ev   BeaconEvent
		want string
	}{
		{"unknown kind", BeaconEvent{Kind: "scroll"}, "unknown event kind"},
		{"viewport without rect", BeaconEvent{Kind: KindViewport}, "requires rect"},
		{"layout without element", BeaconEvent{Kind: KindLayout, Rect: rectPtr(0, 0, 1, 1)}, "requires element"},
		{"layout without rect", BeaconEvent{Kind: KindLayout, Element: "hero"}, "requires rect"},
		{"observe without element", BeaconEvent{Kind: KindObserve}, "requires element"},
		{"unobserve without element", BeaconEvent{Kind: KindUnobserve}, "requires element"},
		{"visibility unknown state", BeaconEvent{Kind: KindVisibility, State: "frozen"}, "unknown visibility state"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Ingest(context.Background(), Batch{
				SessionID: s.ID,
				Events:    []BeaconEvent{tc.ev},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %q", tc.want, err.Error())
			}
		})
	}
}
