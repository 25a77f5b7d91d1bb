package viewability

import (
	"time"

	"github.com/banshee-data/viewability.report/internal/intersect"
)

// Entry is one confirmed visibility event delivered to the callback.
//
// Duration is 0 for an entering event with no dwell requirement, the
// elapsed dwell for a timer-confirmed entering event, and the elapsed time
// since satisfaction began for an exiting event.
//
// Forced exits synthesized without a real sample carry Ratio -1 and zero
// geometry for all three rects.
type Entry struct {
	Ratio              float64            `json:"ratio"`
	Time               time.Time          `json:"time"`
	RootBounds         intersect.Rect     `json:"rootBounds"`
	BoundingClientRect intersect.Rect     `json:"boundingClientRect"`
	IntersectionRect   intersect.Rect     `json:"intersectionRect"`
	Target             *intersect.Element `json:"target"`
	Duration           time.Duration      `json:"duration"`
	Entering           bool               `json:"entering"`
	Label              string             `json:"label"`
	Payload            any                `json:"payload,omitempty"`
}

// Callback receives confirmed entries. Every invocation carries a non-empty
// batch; dwell confirmations arrive as single-entry invocations of their
// own. The callback runs without the observer lock held and may call back
// into the observer.
type Callback func(entries []Entry)
