package viewability

import (
	"time"

	"github.com/banshee-data/viewability.report/internal/intersect"
	"github.com/banshee-data/viewability.report/internal/timeutil"
)

// thresholdState is the per-(element, threshold) state machine cell.
type thresholdState struct {
	threshold Threshold

	// lastSatisfied reports whether the previous sample met the ratio.
	lastSatisfied bool

	// lastEntry is the most recent raw sample processed for this
	// threshold, nil after a forced exit.
	lastEntry *intersect.Sample

	// visible reports whether the threshold reached confirmed-visible:
	// immediately on a rising edge for no-dwell thresholds, on timer
	// fire for dwell thresholds.
	visible bool

	// lastVisible is when ratio satisfaction most recently began. Exit
	// durations are measured from it.
	lastVisible time.Time

	// pending is the outstanding dwell confirmation timer, nil when
	// none. pendingGen rises on every schedule so a stale fire that
	// lost the race to a cancel-and-reschedule is ignored.
	pending      timeutil.Timer
	pendingGen   uint64
	pendingEntry *Entry
}

// record is the per-tracked-element bookkeeping: identity, payload, the
// most recent raw sample, and one state cell per configured threshold in
// configuration order. The state set never changes after creation.
type record struct {
	token      string
	target     *intersect.Element
	payload    any
	lastSample *intersect.Sample
	states     []*thresholdState
}

func newRecord(token string, el *intersect.Element, payload any, ths []Threshold) *record {
	states := make([]*thresholdState, len(ths))
	for i, th := range ths {
		states[i] = &thresholdState{threshold: th}
	}
	return &record{token: token, target: el, payload: payload, states: states}
}

// ThresholdSnapshot is a point-in-time copy of one threshold state for
// monitoring.
type ThresholdSnapshot struct {
	Label       string        `json:"label"`
	Ratio       float64       `json:"ratio"`
	Time        time.Duration `json:"time,omitempty"`
	Satisfied   bool          `json:"satisfied"`
	Visible     bool          `json:"visible"`
	Pending     bool          `json:"pending"`
	LastVisible time.Time     `json:"lastVisible,omitzero"`
}

// RecordSnapshot is a point-in-time copy of one record for monitoring.
type RecordSnapshot struct {
	Token        string              `json:"token"`
	Element      string              `json:"element"`
	Payload      any                 `json:"payload,omitempty"`
	HasSample    bool                `json:"hasSample"`
	LastRatio    float64             `json:"lastRatio"`
	LastSampleAt time.Time           `json:"lastSampleAt,omitzero"`
	Thresholds   []ThresholdSnapshot `json:"thresholds"`
}

func (r *record) snapshot() RecordSnapshot {
	snap := RecordSnapshot{
		Token:      r.token,
		Element:    r.target.ID,
		Payload:    r.payload,
		Thresholds: make([]ThresholdSnapshot, len(r.states)),
	}
	if r.lastSample != nil {
		snap.HasSample = true
		snap.LastRatio = r.lastSample.Ratio
		snap.LastSampleAt = r.lastSample.Time
	}
	for i, st := range r.states {
		snap.Thresholds[i] = ThresholdSnapshot{
			Label:       st.threshold.Label,
			Ratio:       st.threshold.Ratio,
			Time:        st.threshold.Time,
			Satisfied:   st.lastSatisfied,
			Visible:     st.visible,
			Pending:     st.pending != nil,
			LastVisible: st.lastVisible,
		}
	}
	return snap
}
