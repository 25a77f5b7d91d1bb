// Command replay runs a recorded beacon log through the full session
// pipeline on a mock clock, printing every confirmed visibility entry and a
// per-label dwell summary. The clock jumps between recorded capture times,
// so an hour of browsing replays in milliseconds with identical threshold
// decisions. Nothing persists; the pipeline runs store-free.
//
// Logs are JSONL as written by beacon-sim -out, one ingest batch per line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/banshee-data/viewability.report/internal/monitoring"
	"github.com/banshee-data/viewability.report/internal/session"
	"github.com/banshee-data/viewability.report/internal/stats"
	"github.com/banshee-data/viewability.report/internal/timeutil"
	"github.com/banshee-data/viewability.report/internal/viewability"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// replayEntry pairs a delivered entry with the live session that produced it.
type replayEntry struct {
	sessionID string
	entry     viewability.Entry
}

func main() {
	logPath := flag.String("log", "", "beacon log to replay (JSONL, required)")
	thresholdSpec := flag.String("thresholds", "viewable:0.5:1s", "comma-separated label:ratio[:dwell] thresholds")
	rootMargin := flag.String("root-margin", "", "viewport expansion, CSS margin shorthand")
	plotPath := flag.String("plot", "", "write a dwell histogram PNG to this path")
	verbose := flag.Bool("v", false, "log pipeline debug detail")
	flag.Parse()

	if *logPath == "" {
		log.Fatal("-log is required")
	}
	monitoring.Debug = *verbose

	thresholds, err := viewability.ParseThresholds(*thresholdSpec)
	if err != nil {
		log.Fatalf("Invalid -thresholds: %v", err)
	}

	f, err := os.Open(*logPath)
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	batches, err := session.ReadLog(f)
	f.Close()
	if err != nil {
		log.Fatalf("Failed to parse log: %v", err)
	}
	if len(batches) == 0 {
		log.Fatalf("No batches in %s", *logPath)
	}

	clk := timeutil.NewMockClock(time.Now())
	sched := &timeutil.MockScheduler{}
	epoch := clk.Now()

	var entries []replayEntry
	mgr := session.NewManager(session.Config{
		Thresholds: thresholds,
		RootMargin: *rootMargin,
		Clock:      clk,
		Scheduler:  sched,
		OnEntries: func(sessionID string, es []viewability.Entry) {
			for _, e := range es {
				entries = append(entries, replayEntry{sessionID, e})
			}
		},
	}, nil)

	rep := &session.Replayer{Manager: mgr, Clock: clk, Scheduler: sched}
	log.Printf("Replaying %d batches from %s", len(batches), *logPath)
	if err := rep.Run(context.Background(), batches); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	rep.Finish()

	printEntries(rep, epoch, entries)
	printSummary(entries)

	if *plotPath != "" {
		if err := writeDwellHist(*plotPath, entries); err != nil {
			log.Fatalf("Failed to write plot: %v", err)
		}
		log.Printf("✓ Created: %s", *plotPath)
	}
}

func printEntries(rep *session.Replayer, epoch time.Time, entries []replayEntry) {
	fmt.Printf("%10s  %-12s  %-20s  %-12s  %-5s  %6s  %10s\n",
		"offset", "session", "element", "label", "event", "ratio", "dwell")
	for _, re := range entries {
		e := re.entry
		event := "enter"
		if !e.Entering {
			event = "exit"
		}
		fmt.Printf("%9.3fs  %-12s  %-20s  %-12s  %-5s  %6.2f  %8.0fms\n",
			e.Time.Sub(epoch).Seconds(), rep.Origin(re.sessionID), e.Target.ID,
			e.Label, event, e.Ratio, float64(e.Duration)/float64(time.Millisecond))
	}
}

// printSummary tabulates the completed spans, one line per label.
func printSummary(entries []replayEntry) {
	dwells := make(map[string][]float64)
	for _, re := range entries {
		if re.entry.Entering {
			continue
		}
		ms := float64(re.entry.Duration) / float64(time.Millisecond)
		dwells[re.entry.Label] = append(dwells[re.entry.Label], ms)
	}
	if len(dwells) == 0 {
		log.Printf("No completed spans")
		return
	}

	labels := make([]string, 0, len(dwells))
	for label := range dwells {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		s := stats.Summarize(dwells[label])
		log.Printf("label %-12s spans=%d mean=%.0fms p50=%.0fms p85=%.0fms p98=%.0fms max=%.0fms",
			label, s.Count, s.Mean, s.P50, s.P85, s.P98, s.Max)
	}
}

// writeDwellHist renders the distribution of completed span durations.
func writeDwellHist(path string, entries []replayEntry) error {
	var dwells plotter.Values
	for _, re := range entries {
		if !re.entry.Entering {
			dwells = append(dwells, float64(re.entry.Duration)/float64(time.Millisecond))
		}
	}
	if len(dwells) == 0 {
		return errors.New("no completed spans to plot")
	}

	p := plot.New()
	p.Title.Text = "Confirmed visible spans"
	p.X.Label.Text = "Dwell (ms)"
	p.Y.Label.Text = "Spans"

	h, err := plotter.NewHist(dwells, 24)
	if err != nil {
		return err
	}
	p.Add(h)

	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}
