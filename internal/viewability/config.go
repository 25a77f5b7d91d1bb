package viewability

import (
	"errors"
	"fmt"

	"github.com/banshee-data/viewability.report/internal/identity"
	"github.com/banshee-data/viewability.report/internal/intersect"
	"github.com/banshee-data/viewability.report/internal/pagevis"
	"github.com/banshee-data/viewability.report/internal/timeutil"
)

// Construction and lifecycle errors.
var (
	// ErrAlreadyObserved is returned by Observe for an element that
	// already has a live record.
	ErrAlreadyObserved = errors.New("viewability: element already observed")

	// ErrDisconnected is returned by Observe after Disconnect. The
	// observer is terminal once disconnected.
	ErrDisconnected = errors.New("viewability: observer disconnected")
)

// Config is the caller-facing observer configuration. Malformed
// configuration fails construction; nothing is silently defaulted except
// the margin, which defaults to 0px on all sides.
type Config struct {
	// Root bounds the intersection. Nil means the viewport.
	Root *intersect.Element

	// RootMargin is a CSS-margin-style shorthand ("10px", "10% 0px", ...)
	// applied to the root box. Mutually exclusive with RootMarginSides.
	RootMargin string

	// RootMarginSides is the structured alternative to RootMargin.
	RootMarginSides *intersect.Margin

	// Thresholds are the visibility criteria. Required, order preserved
	// for equal ratios.
	Thresholds []Threshold

	// PageContext declares that a page lifecycle actually exists for
	// this observer. Decided once at construction: when true the
	// observer subscribes to Deps.Visibility, when false it never does.
	PageContext bool
}

// SourceFactory builds the intersection source the observer will drive.
// The observer passes its own sample sink; the source must deliver an
// initial sample per observed element and one on every boundary crossing.
type SourceFactory func(opts intersect.Options, sink intersect.SinkFunc) (intersect.Source, error)

// Deps are the observer's external collaborators. NewSource is required.
// Visibility is required exactly when Config.PageContext is set. The rest
// default: Identity to UUID tokens, Clock to the real clock, Scheduler to
// plain goroutines.
type Deps struct {
	NewSource  SourceFactory
	Visibility pagevis.Source
	Identity   identity.Source
	Clock      timeutil.Clock
	Scheduler  timeutil.Scheduler
}

// resolve validates cfg and returns the normalized threshold list and the
// resolved root margin.
func (c Config) resolve() ([]Threshold, intersect.Margin, error) {
	ths, err := normalizeThresholds(c.Thresholds)
	if err != nil {
		return nil, intersect.Margin{}, err
	}
	var m intersect.Margin
	switch {
	case c.RootMarginSides != nil && c.RootMargin != "":
		return nil, m, errors.New("viewability: RootMargin and RootMarginSides are mutually exclusive")
	case c.RootMarginSides != nil:
		m = *c.RootMarginSides
	case c.RootMargin != "":
		m, err = intersect.ParseMargin(c.RootMargin)
		if err != nil {
			return nil, m, fmt.Errorf("viewability: %w", err)
		}
	}
	return ths, m, nil
}

func (d Deps) withDefaults() (Deps, error) {
	if d.NewSource == nil {
		return d, errors.New("viewability: source factory required")
	}
	if d.Identity == nil {
		d.Identity = &identity.UUIDSource{}
	}
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if d.Scheduler == nil {
		d.Scheduler = timeutil.GoScheduler{}
	}
	return d, nil
}
