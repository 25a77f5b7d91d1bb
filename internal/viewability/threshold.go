package viewability

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Threshold is one visibility criterion: an area ratio a sample must meet
// or exceed, and an optional minimum dwell time before the threshold is
// confirmed visible. Label is the caller's identity for the threshold and
// is carried on every emitted entry.
type Threshold struct {
	Label string
	Ratio float64
	Time  time.Duration
}

// ParseThresholds parses a comma-separated threshold spec as daemon and
// tooling flags accept it. Each entry is label:ratio[:dwell], e.g.
// "viewable:0.5:1s,any:0.01". Ratio is a fraction of the element's area;
// dwell is a Go duration and defaults to zero (immediate confirmation).
func ParseThresholds(spec string) ([]Threshold, error) {
	var thresholds []Threshold
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("viewability: threshold %q: want label:ratio[:dwell]", entry)
		}

		label := strings.TrimSpace(parts[0])
		if label == "" {
			return nil, fmt.Errorf("viewability: threshold %q: empty label", entry)
		}

		ratio, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("viewability: threshold %q: bad ratio: %v", entry, err)
		}
		if ratio < 0 || ratio > 1 {
			return nil, fmt.Errorf("viewability: threshold %q: ratio must be within [0, 1]", entry)
		}

		var dwell time.Duration
		if len(parts) == 3 {
			dwell, err = time.ParseDuration(parts[2])
			if err != nil {
				return nil, fmt.Errorf("viewability: threshold %q: bad dwell: %v", entry, err)
			}
			if dwell < 0 {
				return nil, fmt.Errorf("viewability: threshold %q: negative dwell", entry)
			}
		}

		thresholds = append(thresholds, Threshold{
			Label: label,
			Ratio: ratio,
			Time:  dwell,
		})
	}

	if len(thresholds) == 0 {
		return nil, fmt.Errorf("viewability: no thresholds in %q", spec)
	}
	return thresholds, nil
}

// normalizeThresholds validates and returns a copy sorted ascending by
// ratio. The sort is stable, so equal ratios keep declaration order.
// Identical thresholds are not deduplicated.
func normalizeThresholds(ths []Threshold) ([]Threshold, error) {
	if len(ths) == 0 {
		return nil, errors.New("viewability: at least one threshold required")
	}
	out := append([]Threshold(nil), ths...)
	for _, t := range out {
		if t.Ratio < 0 || t.Ratio > 1 {
			return nil, fmt.Errorf("viewability: threshold %q ratio %v outside [0, 1]", t.Label, t.Ratio)
		}
		if t.Time < 0 {
			return nil, fmt.Errorf("viewability: threshold %q has negative dwell time", t.Label)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ratio < out[j].Ratio })
	return out, nil
}

// ratioList extracts the distinct ratio boundaries for the intersection
// source. Input must already be sorted.
func ratioList(ths []Threshold) []float64 {
	var out []float64
	for _, t := range ths {
		if len(out) == 0 || out[len(out)-1] != t.Ratio {
			out = append(out, t.Ratio)
		}
	}
	return out
}
