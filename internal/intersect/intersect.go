// Package intersect computes element/root intersection ratios from layout
// geometry and delivers samples when a ratio crosses a configured boundary.
// It is the measurement layer underneath the viewability observer: the
// observer consumes Sample batches from a Source and never touches geometry
// itself.
package intersect

import "time"

// Element is one tracked page element. Identity is pointer identity; ID is
// the caller's name for it (a DOM id or selector) used in logs and storage.
type Element struct {
	ID string `json:"id"`
}

// Sample is one raw intersection measurement for a tracked element.
type Sample struct {
	// Ratio is intersection area over element area, in [0, 1]. An element
	// with zero area measures 0.
	Ratio float64

	// Time is when the measurement was taken.
	Time time.Time

	// RootBounds is the root box after margin expansion.
	RootBounds Rect

	// BoundingClientRect is the element's own layout box.
	BoundingClientRect Rect

	// IntersectionRect is the overlap of the two, zero when disjoint.
	IntersectionRect Rect

	// Target is the element measured.
	Target *Element
}

// SinkFunc receives sample batches from a Source. Batches preserve
// observation order and are never empty.
type SinkFunc func(batch []Sample)

// Options configure a Source.
type Options struct {
	// Root is the element whose box bounds the intersection. Nil means
	// the viewport.
	Root *Element

	// RootMargin grows or shrinks the root box before intersection.
	RootMargin Margin

	// Ratios are the boundaries at which samples must be delivered. A
	// sample is due whenever the measured ratio's relation to any
	// boundary changes.
	Ratios []float64
}

// Source is the measurement primitive the observer drives. Implementations
// must deliver an initial sample for each newly observed element and a
// sample on every subsequent boundary crossing.
type Source interface {
	// Observe adds an element to the measured set. Observing an element
	// twice is a no-op.
	Observe(el *Element)

	// Unobserve removes an element. No further samples are delivered
	// for it.
	Unobserve(el *Element)

	// Reset clears delivery baselines so the next evaluation re-reports
	// every observed element regardless of movement.
	Reset()

	// Disconnect stops all measurement permanently.
	Disconnect()
}
