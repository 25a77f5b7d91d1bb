// Package stats computes summary statistics over impression dwell times.
package stats

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary describes a distribution of values. For viewability rollups the
// values are impression durations in milliseconds.
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P85   float64 `json:"p85"`
	P98   float64 `json:"p98"`
	Max   float64 `json:"max"`
}

// Summarize computes a Summary from raw values. The input is copied, not
// sorted in place. An empty input yields the zero Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	xs := append([]float64(nil), values...)
	sort.Float64s(xs)
	return Summary{
		Count: len(xs),
		Mean:  stat.Mean(xs, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, xs, nil),
		P85:   stat.Quantile(0.85, stat.Empirical, xs, nil),
		P98:   stat.Quantile(0.98, stat.Empirical, xs, nil),
		Max:   xs[len(xs)-1],
	}
}
