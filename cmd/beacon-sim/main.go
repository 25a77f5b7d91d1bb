// Command beacon-sim generates scripted page views: elements scroll through
// the viewport in uneven hops, tabs hide and reappear, and most visits
// announce their unload. Point it at a running daemon with -url to exercise
// the live ingest path, or write the script to a JSONL beacon log with -out
// for the replay and sweep tools. The same seed always produces the same
// script.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/viewability.report/internal/intersect"
	"github.com/banshee-data/viewability.report/internal/session"
)

// Simulated page geometry. Slots sit in a column far enough apart that at
// most one is fully inside the viewport at a time.
const (
	viewportW  = 1280.0
	viewportH  = 800.0
	slotX      = 340.0
	slotW      = 600.0
	slotH      = 400.0
	slotGap    = 900.0
	firstSlotY = 200.0
)

// scripter generates deterministic page-view scripts.
type scripter struct {
	rng      *rand.Rand
	elements int
}

func main() {
	target := flag.String("url", "", "daemon base URL (e.g. http://localhost:8080); posts the script live")
	out := flag.String("out", "", "write the script as a JSONL beacon log")
	visits := flag.Int("sessions", 5, "page views to simulate")
	elements := flag.Int("elements", 3, "tracked elements per page")
	seed := flag.Int64("seed", 1, "PRNG seed")
	pace := flag.Duration("pace", 200*time.Millisecond, "delay between live batches")
	flag.Parse()

	if *target == "" && *out == "" {
		log.Fatal("need -url and/or -out")
	}
	if *visits < 1 || *elements < 1 {
		log.Fatal("-sessions and -elements must be positive")
	}

	batches := generateScript(*seed, *visits, *elements)
	log.Printf("Scripted %d page views, %d batches", *visits, len(batches))

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("Failed to create output: %v", err)
		}
		err = session.WriteLog(f, batches)
		f.Close()
		if err != nil {
			log.Fatalf("Failed to write log: %v", err)
		}
		log.Printf("✓ Created: %s", *out)
	}

	if *target != "" {
		if err := postScript(*target, batches, *pace); err != nil {
			log.Fatalf("Live post failed: %v", err)
		}
		log.Printf("✓ Posted %d batches to %s", len(batches), *target)
	}
}

// generateScript builds the full script for the requested number of visits,
// one after the other.
func generateScript(seed int64, visits, elements int) []session.RecordedBatch {
	sc := &scripter{rng: rand.New(rand.NewSource(seed)), elements: elements}
	var batches []session.RecordedBatch
	for i := 0; i < visits; i++ {
		batches = append(batches, sc.visit(i+1)...)
	}
	return batches
}

// visit scripts one page view: geometry and observes up front, a scroll to
// the bottom in uneven hops, sometimes a tab switch, and usually an unload.
func (sc *scripter) visit(n int) []session.RecordedBatch {
	id := fmt.Sprintf("sim-%03d", n)
	pageURL := fmt.Sprintf("https://example.com/articles/%d", 1000+sc.rng.Intn(9000))

	tops := make([]float64, sc.elements)
	for j := range tops {
		tops[j] = firstSlotY + float64(j)*slotGap
	}

	opening := []session.BeaconEvent{
		{Kind: session.KindViewport, Rect: rect(0, 0, viewportW, viewportH)},
	}
	for j := range tops {
		opening = append(opening, session.BeaconEvent{
			Kind: session.KindLayout, Element: slotName(j), Rect: rect(slotX, tops[j], slotW, slotH),
		})
	}
	for j := range tops {
		opening = append(opening, session.BeaconEvent{
			Kind:    session.KindObserve,
			Element: slotName(j),
			Payload: json.RawMessage(fmt.Sprintf(`{"position":%d}`, j+1)),
		})
	}

	batches := []session.RecordedBatch{{
		SessionID: id,
		PageURL:   pageURL,
		UserAgent: "beacon-sim/1.0",
		Events:    opening,
	}}

	// Scroll down in hops, re-sending every slot's viewport-relative rect
	// the way getBoundingClientRect reports them.
	tMs := 0.0
	scrollY := 0.0
	maxScroll := tops[sc.elements-1] + slotH - viewportH
	for scrollY < maxScroll {
		tMs += float64(300 + sc.rng.Intn(700))
		scrollY += float64(200 + sc.rng.Intn(500))
		evs := make([]session.BeaconEvent, 0, sc.elements)
		for j := range tops {
			evs = append(evs, session.BeaconEvent{
				Kind: session.KindLayout, TimeMs: tMs,
				Element: slotName(j), Rect: rect(slotX, tops[j]-scrollY, slotW, slotH),
			})
		}
		batches = append(batches, session.RecordedBatch{SessionID: id, Events: evs})
	}

	// Half the visits switch tabs for a while near the end.
	if sc.rng.Float64() < 0.5 {
		tMs += float64(200 + sc.rng.Intn(400))
		batches = append(batches, session.RecordedBatch{SessionID: id, Events: []session.BeaconEvent{
			{Kind: session.KindVisibility, TimeMs: tMs, State: session.StateHidden},
		}})
		tMs += float64(1000 + sc.rng.Intn(2000))
		batches = append(batches, session.RecordedBatch{SessionID: id, Events: []session.BeaconEvent{
			{Kind: session.KindVisibility, TimeMs: tMs, State: session.StateShown},
		}})
	}

	// Most visits announce their unload; the rest vanish and leave the
	// idle sweep to close them.
	if sc.rng.Float64() < 0.8 {
		tMs += float64(500 + sc.rng.Intn(1500))
		batches = append(batches, session.RecordedBatch{SessionID: id, Events: []session.BeaconEvent{
			{Kind: session.KindUnload, TimeMs: tMs},
		}})
	}

	return batches
}

func slotName(j int) string {
	return fmt.Sprintf("slot-%d", j+1)
}

func rect(x, y, w, h float64) *intersect.Rect {
	return &intersect.Rect{X: x, Y: y, Width: w, Height: h}
}

// postScript drives a live daemon: each scripted session id gets a real
// session via POST /api/sessions, then its batches flow through
// POST /api/ingest with the pace delay between them.
func postScript(base string, batches []session.RecordedBatch, pace time.Duration) error {
	client := &http.Client{Timeout: 30 * time.Second}
	base = strings.TrimSuffix(base, "/")
	live := make(map[string]string)

	for i, b := range batches {
		id, ok := live[b.SessionID]
		if !ok {
			var created struct {
				SessionID string `json:"session_id"`
			}
			err := postJSON(client, base+"/api/sessions", map[string]string{
				"page_url":   b.PageURL,
				"user_agent": b.UserAgent,
			}, &created)
			if err != nil {
				return fmt.Errorf("create session for %s: %w", b.SessionID, err)
			}
			live[b.SessionID] = created.SessionID
			id = created.SessionID
			log.Printf("session %s -> %s", b.SessionID, id)
		}

		var resp struct {
			Delivered int `json:"delivered"`
		}
		if err := postJSON(client, base+"/api/ingest", session.Batch{SessionID: id, Events: b.Events}, &resp); err != nil {
			return fmt.Errorf("batch %d: %w", i+1, err)
		}
		if (i+1)%10 == 0 {
			log.Printf("%d/%d batches", i+1, len(batches))
		}
		time.Sleep(pace)
	}
	return nil
}

// postJSON posts body as JSON and decodes a 2xx response into out.
func postJSON(client *http.Client, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
