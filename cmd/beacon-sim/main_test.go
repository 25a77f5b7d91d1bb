package main

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/banshee-data/viewability.report/internal/session"
	"github.com/banshee-data/viewability.report/internal/timeutil"
	"github.com/banshee-data/viewability.report/internal/viewability"
)

func TestVisitShape(t *testing.T) {
	sc := &scripter{rng: rand.New(rand.NewSource(7)), elements: 3}
	batches := sc.visit(1)

	if len(batches) < 2 {
		t.Fatalf("visit produced %d batches, want at least opening plus one scroll", len(batches))
	}

	first := batches[0]
	if first.SessionID != "sim-001" {
		t.Errorf("SessionID = %q, want sim-001", first.SessionID)
	}
	if first.PageURL == "" || first.UserAgent == "" {
		t.Error("opening batch missing page metadata")
	}
	// Viewport, then a layout and an observe per slot.
	if got, want := len(first.Events), 1+3+3; got != want {
		t.Fatalf("opening batch has %d events, want %d", got, want)
	}
	if first.Events[0].Kind != session.KindViewport {
		t.Errorf("first event kind = %q, want viewport", first.Events[0].Kind)
	}
	for i := 1; i <= 3; i++ {
		if first.Events[i].Kind != session.KindLayout {
			t.Errorf("event %d kind = %q, want layout", i, first.Events[i].Kind)
		}
	}
	for i := 4; i <= 6; i++ {
		if first.Events[i].Kind != session.KindObserve {
			t.Errorf("event %d kind = %q, want observe", i, first.Events[i].Kind)
		}
		if len(first.Events[i].Payload) == 0 {
			t.Errorf("observe %d has no payload", i)
		}
	}

	// Timestamps never run backwards, batch over batch.
	prev := 0.0
	for bi, b := range batches {
		for _, ev := range b.Events {
			if ev.TimeMs < prev {
				t.Fatalf("batch %d: time_ms %v after %v", bi, ev.TimeMs, prev)
			}
			prev = ev.TimeMs
		}
		if b.SessionID != "sim-001" {
			t.Errorf("batch %d has session %q", bi, b.SessionID)
		}
	}

	// When the visit unloads it is the last thing it does.
	for bi, b := range batches {
		for ei, ev := range b.Events {
			if ev.Kind == session.KindUnload && (bi != len(batches)-1 || ei != len(b.Events)-1) {
				t.Errorf("unload at batch %d event %d, want final event", bi, ei)
			}
		}
	}
}

func TestGenerateScriptDeterministic(t *testing.T) {
	a := generateScript(42, 4, 2)
	b := generateScript(42, 4, 2)

	var bufA, bufB bytes.Buffer
	if err := session.WriteLog(&bufA, a); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}
	if err := session.WriteLog(&bufB, b); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}
	if !bytes.Equal(bufA.Bytes(), bufB.Bytes()) {
		t.Error("same seed produced different scripts")
	}

	c := generateScript(43, 4, 2)
	var bufC bytes.Buffer
	if err := session.WriteLog(&bufC, c); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}
	if bytes.Equal(bufA.Bytes(), bufC.Bytes()) {
		t.Error("different seeds produced identical scripts")
	}
}

func TestScriptReplaysCleanly(t *testing.T) {
	batches := generateScript(1, 3, 2)

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sched := &timeutil.MockScheduler{}
	var entries []viewability.Entry
	mgr := session.NewManager(session.Config{
		Thresholds: []viewability.Threshold{{Label: "any", Ratio: 0.01}},
		Clock:      clock,
		Scheduler:  sched,
		OnEntries: func(_ string, ents []viewability.Entry) {
			entries = append(entries, ents...)
		},
	}, nil)

	rep := &session.Replayer{Manager: mgr, Clock: clock, Scheduler: sched}
	if err := rep.Run(context.Background(), batches); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rep.Finish()

	if len(entries) == 0 {
		t.Error("script produced no visibility entries")
	}
	var enters int
	for _, e := range entries {
		if e.Entering {
			enters++
		}
	}
	if enters == 0 {
		t.Error("script produced no entering transitions")
	}
}
