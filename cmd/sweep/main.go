// Command sweep greps a recorded beacon log for the best threshold
// settings. It replays the log once per (ratio, dwell) combination through
// a store-free session pipeline on mock time, then tabulates impressions,
// distinct viewable elements, and dwell statistics per combination so the
// tradeoff between stricter criteria and counted impressions is visible in
// one CSV.
//
// Ratios come from -ratios (explicit list) or -ratio-range (start:end:step);
// dwell times from -dwells. A summary CSV and a companion -raw.csv with one
// row per completed span land in the working directory by default.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/viewability.report/internal/session"
	"github.com/banshee-data/viewability.report/internal/stats"
	"github.com/banshee-data/viewability.report/internal/timeutil"
	"github.com/banshee-data/viewability.report/internal/viewability"
)

// span is one completed visible period produced by a combination run.
type span struct {
	session string
	element string
	ms      float64
	forced  bool
}

// comboResult aggregates one combination's replay.
type comboResult struct {
	spans    []span
	elements int // distinct (session, element) pairs with a completed span
}

func main() {
	logPath := flag.String("log", "", "beacon log to sweep (JSONL, required)")
	ratioList := flag.String("ratios", "", "comma-separated area ratios to test (e.g. 0.3,0.5,0.75)")
	ratioRange := flag.String("ratio-range", "", "ratio range as start:end:step (e.g. 0.1:1.0:0.1)")
	dwellList := flag.String("dwells", "0s,500ms,1s,2s", "comma-separated dwell times to test")
	rootMargin := flag.String("root-margin", "", "viewport expansion, CSS margin shorthand")
	output := flag.String("output", "", "summary CSV path (default sweep-<timestamp>.csv)")
	flag.Parse()

	if *logPath == "" {
		log.Fatal("-log is required")
	}

	ratios, err := parseRatios(*ratioList, *ratioRange)
	if err != nil {
		log.Fatalf("Invalid ratios: %v", err)
	}
	dwells, err := parseCSVDurations(*dwellList)
	if err != nil {
		log.Fatalf("Invalid -dwells: %v", err)
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

	observed := observedPairs(batches)
	log.Printf("Loaded %d batches, %d observed (session, element) pairs", len(batches), observed)

	outputPath := *output
	if outputPath == "" {
		outputPath = fmt.Sprintf("sweep-%s.csv", time.Now().Format("20060102-150405"))
	}
	rawPath := strings.TrimSuffix(outputPath, ".csv") + "-raw.csv"

	sumFile, err := os.Create(outputPath)
	if err != nil {
		log.Fatalf("Failed to create summary file: %v", err)
	}
	defer sumFile.Close()
	sumWriter := csv.NewWriter(sumFile)

	rawFile, err := os.Create(rawPath)
	if err != nil {
		log.Fatalf("Failed to create raw file: %v", err)
	}
	defer rawFile.Close()
	rawWriter := csv.NewWriter(rawFile)

	writeHeaders(sumWriter, rawWriter)

	comboNum := 0
	totalCombos := len(ratios) * len(dwells)
	for _, ratio := range ratios {
		for _, dwell := range dwells {
			comboNum++
			log.Printf("=== Combination %d/%d: ratio=%.2f dwell=%s ===", comboNum, totalCombos, ratio, dwell)

			res, err := runCombo(batches, ratio, dwell, *rootMargin)
			if err != nil {
				log.Fatalf("Combination %d failed: %v", comboNum, err)
			}

			rate := 0.0
			if observed > 0 {
				rate = float64(res.elements) / float64(observed) * 100
			}
			ms := make([]float64, 0, len(res.spans))
			for _, sp := range res.spans {
				ms = append(ms, sp.ms)
			}
			summary := stats.Summarize(ms)
			log.Printf("    impressions=%d elements=%d/%d (%.1f%%) mean=%.0fms p50=%.0fms",
				len(res.spans), res.elements, observed, rate, summary.Mean, summary.P50)

			writeSummary(sumWriter, ratio, dwell, res, observed, rate, summary)
			writeRawRows(rawWriter, ratio, dwell, res.spans)
		}
	}

	sumWriter.Flush()
	rawWriter.Flush()
	if err := sumWriter.Error(); err != nil {
		log.Fatalf("Failed to write summary: %v", err)
	}
	if err := rawWriter.Error(); err != nil {
		log.Fatalf("Failed to write raw rows: %v", err)
	}

	log.Printf("\nSweep complete!")
	log.Printf("Summary: %s", outputPath)
	log.Printf("Raw spans: %s", rawPath)
}

// runCombo replays the whole log against a single candidate threshold and
// collects its completed spans. Every combination gets a fresh clock,
// scheduler, and manager, so combinations cannot contaminate each other.
func runCombo(batches []session.RecordedBatch, ratio float64, dwell time.Duration, rootMargin string) (comboResult, error) {
	clk := timeutil.NewMockClock(time.Unix(0, 0))
	sched := &timeutil.MockScheduler{}

	var res comboResult
	pairs := make(map[string]bool)

	var rep *session.Replayer
	mgr := session.NewManager(session.Config{
		Thresholds: []viewability.Threshold{{Label: "candidate", Ratio: ratio, Time: dwell}},
		RootMargin: rootMargin,
		Clock:      clk,
		Scheduler:  sched,
		OnEntries: func(sessionID string, entries []viewability.Entry) {
			for _, e := range entries {
				if e.Entering {
					continue
				}
				origin := rep.Origin(sessionID)
				res.spans = append(res.spans, span{
					session: origin,
					element: e.Target.ID,
					ms:      float64(e.Duration) / float64(time.Millisecond),
					forced:  e.Ratio < 0,
				})
				pairs[origin+"|"+e.Target.ID] = true
			}
		},
	}, nil)
	rep = &session.Replayer{Manager: mgr, Clock: clk, Scheduler: sched}

	if err := rep.Run(context.Background(), batches); err != nil {
		return comboResult{}, err
	}
	rep.Finish()

	res.elements = len(pairs)
	return res, nil
}

// observedPairs counts the distinct (session, element) pairs the log ever
// asked to observe. This is the denominator for the viewable rate.
func observedPairs(batches []session.RecordedBatch) int {
	pairs := make(map[string]bool)
	for _, b := range batches {
		for _, ev := range b.Events {
			if ev.Kind == session.KindObserve && ev.Element != "" {
				pairs[b.SessionID+"|"+ev.Element] = true
			}
		}
	}
	return len(pairs)
}

func writeHeaders(sum, raw *csv.Writer) {
	sum.Write([]string{
		"ratio", "dwell_ms", "impressions", "elements", "observed",
		"viewable_rate_pct", "mean_ms", "p50_ms", "p85_ms", "p98_ms", "max_ms",
	})
	raw.Write([]string{"ratio", "dwell_ms", "session", "element", "span_ms", "forced_exit"})
}

func writeSummary(w *csv.Writer, ratio float64, dwell time.Duration, res comboResult, observed int, rate float64, s stats.Summary) {
	w.Write([]string{
		fmt.Sprintf("%.6f", ratio),
		fmt.Sprintf("%.0f", float64(dwell)/float64(time.Millisecond)),
		strconv.Itoa(len(res.spans)),
		strconv.Itoa(res.elements),
		strconv.Itoa(observed),
		fmt.Sprintf("%.6f", rate),
		fmt.Sprintf("%.6f", s.Mean),
		fmt.Sprintf("%.6f", s.P50),
		fmt.Sprintf("%.6f", s.P85),
		fmt.Sprintf("%.6f", s.P98),
		fmt.Sprintf("%.6f", s.Max),
	})
}

func writeRawRows(w *csv.Writer, ratio float64, dwell time.Duration, spans []span) {
	for _, sp := range spans {
		w.Write([]string{
			fmt.Sprintf("%.6f", ratio),
			fmt.Sprintf("%.0f", float64(dwell)/float64(time.Millisecond)),
			sp.session,
			sp.element,
			fmt.Sprintf("%.6f", sp.ms),
			strconv.FormatBool(sp.forced),
		})
	}
}

// parseRatios resolves the ratio list from either an explicit CSV list or a
// start:end:step range. With neither set, a coarse default grid applies.
func parseRatios(explicit, rangeSpec string) ([]float64, error) {
	var ratios []float64
	switch {
	case explicit != "":
		var err error
		ratios, err = parseCSVFloatSlice(explicit)
		if err != nil {
			return nil, err
		}
	case rangeSpec != "":
		parts := strings.Split(rangeSpec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("range %q: want start:end:step", rangeSpec)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("range start: %v", err)
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("range end: %v", err)
		}
		step, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("range step: %v", err)
		}
		if step <= 0 {
			return nil, fmt.Errorf("range step must be positive, got %v", step)
		}
		ratios = generateRange(start, end, step)
	default:
		ratios = []float64{0.25, 0.5, 0.75, 1.0}
	}

	for _, r := range ratios {
		if r < 0 || r > 1 {
			return nil, fmt.Errorf("ratio %v outside [0, 1]", r)
		}
	}
	return ratios, nil
}

func parseCSVFloatSlice(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %v", p, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no values in %q", s)
	}
	return out, nil
}

func parseCSVDurations(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %v", p, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %q", p)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no values in %q", s)
	}
	return out, nil
}

// generateRange produces start..end inclusive in step increments. The
// epsilon keeps the endpoint when floating point drift lands just past it.
func generateRange(start, end, step float64) []float64 {
	var out []float64
	for v := start; v <= end+1e-9; v += step {
		out = append(out, v)
	}
	return out
}
