package viewability

import (
	"testing"
	"time"

	"github.com/banshee-data/viewability.report/internal/intersect"
)

func TestDwellConfirmedAfterContinuousSatisfaction(t *testing.T) {
	h := newHarness(t, dwellConfig(time.Second))
	el := &intersect.Element{ID: "viewable-ad"}
	if _, err := h.obs.Observe(el, nil); err != nil {
		t.Fatal(err)
	}

	risingAt := h.clock.Now()
	h.push(h.sample(el, 0.6))
	if len(h.batches) != 0 {
		t.Fatalf("dwell threshold emitted before confirmation: %v", h.batches)
	}
	if n := h.clock.PendingTimers(); n != 1 {
		t.Fatalf("pending timers = %d, want 1", n)
	}

	h.clock.Advance(999 * time.Millisecond)
	if len(h.batches) != 0 {
		t.Fatalf("confirmation fired early: %v", h.batches)
	}

	h.clock.Advance(1 * time.Millisecond)
	if len(h.batches) != 1 || len(h.batches[0]) != 1 {
		t.Fatalf("batches after dwell = %v", h.batches)
	}
	enter := h.batches[0][0]
	if !enter.Entering {
		t.Error("confirmation should be an entering event")
	}
	if enter.Duration != time.Second {
		t.Errorf("confirmation duration = %v, want 1s", enter.Duration)
	}
	if enter.Ratio != 0.6 {
		t.Errorf("confirmation ratio = %v, want the rising-edge sample's 0.6", enter.Ratio)
	}
	if !enter.Time.Equal(risingAt) {
		t.Errorf("confirmation time = %v, want rising-edge time %v", enter.Time, risingAt)
	}

	// Exit 500ms after confirmation: duration measures confirmed-visible time.
	h.clock.Advance(500 * time.Millisecond)
	h.push(h.sample(el, 0.1))
	if len(h.batches) != 2 || len(h.batches[1]) != 1 {
		t.Fatalf("batches after exit = %v", h.batches)
	}
	exit := h.batches[1][0]
	if exit.Entering {
		t.Error("expected an exit event")
	}
	if exit.Duration != 500*time.Millisecond {
		t.Errorf("exit duration = %v, want 500ms", exit.Duration)
	}
}

func TestDwellAbortedBeforeConfirmation(t *testing.T) {
	h := newHarness(t, dwellConfig(time.Second))
	el := &intersect.Element{ID: "glimpsed"}
	if _, err := h.obs.Observe(el, nil); err != nil {
		t.Fatal(err)
	}

	h.push(h.sample(el, 0.6))
	h.clock.Advance(500 * time.Millisecond)
	h.push(h.sample(el, 0.3))

	if n := h.clock.PendingTimers(); n != 0 {
		t.Fatalf("pending timers after abort = %d, want 0", n)
	}
	h.clock.Advance(5 * time.Second)
	if len(h.batches) != 0 {
		t.Fatalf("aborted dwell emitted events: %v", h.batches)
	}
}

func TestDwellConfirmationIsStandalone(t *testing.T) {
	h := newHarness(t, Config{
		Thresholds: []Threshold{
			{Label: "half", Ratio: 0.5},
			{Label: "viewable", Ratio: 0.5, Time: time.Second},
		},
		PageContext: true,
	})
	el := &intersect.Element{ID: "mixed"}
	if _, err := h.obs.Observe(el, nil); err != nil {
		t.Fatal(err)
	}

	h.push(h.sample(el, 0.6))
	// Only the no-dwell threshold flushes with the sample's batch.
	if len(h.batches) != 1 || len(h.batches[0]) != 1 || h.batches[0][0].Label != "half" {
		t.Fatalf("batches after sample = %v", h.batches)
	}

	h.clock.Advance(time.Second)
	// The confirmation arrives alone, not merged into any batch.
	if len(h.batches) != 2 || len(h.batches[1]) != 1 {
		t.Fatalf("batches after confirmation = %v", h.batches)
	}
	if h.batches[1][0].Label != "viewable" || h.batches[1][0].Duration != time.Second {
		t.Errorf("confirmation = %+v", h.batches[1][0])
	}

	// Exit: both thresholds in one flush, config order, distinct durations.
	h.clock.Advance(500 * time.Millisecond)
	h.push(h.sample(el, 0.2))
	if len(h.batches) != 3 || len(h.batches[2]) != 2 {
		t.Fatalf("batches after exit = %v", h.batches)
	}
	halfExit, viewableExit := h.batches[2][0], h.batches[2][1]
	if halfExit.Label != "half" || viewableExit.Label != "viewable" {
		t.Fatalf("exit order: %q, %q", halfExit.Label, viewableExit.Label)
	}
	if halfExit.Duration != 1500*time.Millisecond {
		t.Errorf("half exit duration = %v, want 1.5s", halfExit.Duration)
	}
	if viewableExit.Duration != 500*time.Millisecond {
		t.Errorf("viewable exit duration = %v, want 500ms", viewableExit.Duration)
	}
}

func TestDwellReentryRestartsTimer(t *testing.T) {
	h := newHarness(t, dwellConfig(time.Second))
	el := &intersect.Element{ID: "bouncer"}
	if _, err := h.obs.Observe(el, nil); err != nil {
		t.Fatal(err)
	}

	h.push(h.sample(el, 0.6))
	h.clock.Advance(300 * time.Millisecond)
	h.push(h.sample(el, 0.3)) // abort
	h.clock.Advance(300 * time.Millisecond)
	h.push(h.sample(el, 0.7)) // fresh rising edge

	h.clock.Advance(999 * time.Millisecond)
	if len(h.batches) != 0 {
		t.Fatalf("second dwell fired early: %v", h.batches)
	}
	h.clock.Advance(1 * time.Millisecond)
	if len(h.batches) != 1 {
		t.Fatalf("batches = %v", h.batches)
	}
	enter := h.batches[0][0]
	if enter.Ratio != 0.7 || enter.Duration != time.Second {
		t.Errorf("confirmation = %+v", enter)
	}
}

func TestDwellExitBeforeTimerNeverConfirms(t *testing.T) {
	h := newHarness(t, dwellConfig(2 * time.Second))
	el := &intersect.Element{ID: "flicker"}
	if _, err := h.obs.Observe(el, nil); err != nil {
		t.Fatal(err)
	}

	// Repeated satisfy/unsatisfy cycles shorter than the dwell.
	for i := 0; i < 3; i++ {
		h.push(h.sample(el, 0.9))
		h.clock.Advance(time.Second)
		h.push(h.sample(el, 0.1))
		h.clock.Advance(time.Second)
	}
	if len(h.batches) != 0 {
		t.Fatalf("flickering element emitted events: %v", h.batches)
	}
}
