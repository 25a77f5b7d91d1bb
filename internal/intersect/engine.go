package intersect

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/viewability.report/internal/timeutil"
)

// Engine is an in-process Source fed layout geometry by the caller. It
// recomputes ratios on Evaluate and delivers one batch containing every
// element whose ratio crossed a configured boundary since its last
// delivery. Elements never delivered before are always included.
type Engine struct {
	mu   sync.Mutex
	opts Options
	sink SinkFunc
	clk  timeutil.Clock

	viewport Rect
	rootRect Rect

	// layouts holds the last known box for every element the caller has
	// mentioned, observed or not. Observation may race layout updates
	// coming off the wire in either order.
	layouts  map[*Element]Rect
	observed map[*Element]bool
	order    []*Element
	baseline map[*Element]float64

	disconnected bool
}

// NewEngine validates opts and returns an Engine delivering to sink. A nil
// clock defaults to the real clock.
func NewEngine(opts Options, sink SinkFunc, clk timeutil.Clock) (*Engine, error) {
	if sink == nil {
		return nil, errors.New("intersect: nil sink")
	}
	if len(opts.Ratios) == 0 {
		return nil, errors.New("intersect: at least one ratio boundary required")
	}
	for _, r := range opts.Ratios {
		if r < 0 || r > 1 {
			return nil, fmt.Errorf("intersect: ratio boundary %v outside [0, 1]", r)
		}
	}
	if clk == nil {
		clk = timeutil.RealClock{}
	}
	ratios := append([]float64(nil), opts.Ratios...)
	sort.Float64s(ratios)
	opts.Ratios = ratios
	return &Engine{
		opts:     opts,
		sink:     sink,
		clk:      clk,
		layouts:  make(map[*Element]Rect),
		observed: make(map[*Element]bool),
		baseline: make(map[*Element]float64),
	}, nil
}

// Observe adds el to the measured set. The element is reported on the next
// Evaluate even if it has no layout yet (zero box measures ratio 0).
func (e *Engine) Observe(el *Element) {
	if el == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disconnected || e.observed[el] {
		return
	}
	e.observed[el] = true
	e.order = append(e.order, el)
	delete(e.baseline, el)
}

// Unobserve removes el from the measured set and forgets its baseline.
func (e *Engine) Unobserve(el *Element) {
	if el == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.observed[el] {
		return
	}
	delete(e.observed, el)
	delete(e.baseline, el)
	for i, o := range e.order {
		if o == el {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Reset clears delivery baselines. The next Evaluate re-reports every
// observed element.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline = make(map[*Element]float64)
}

// Disconnect stops measurement permanently and drops all state.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected = true
	e.layouts = make(map[*Element]Rect)
	e.observed = make(map[*Element]bool)
	e.order = nil
	e.baseline = make(map[*Element]float64)
}

// SetViewport records the viewport box used as the root when Options.Root
// is nil.
func (e *Engine) SetViewport(r Rect) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewport = r
}

// SetRootBounds records the layout box of the configured root element.
// Ignored when Options.Root is nil.
func (e *Engine) SetRootBounds(r Rect) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rootRect = r
}

// SetLayout records el's layout box. Layout is kept for unobserved elements
// too, so observe/layout arrival order does not matter.
func (e *Engine) SetLayout(el *Element, r Rect) {
	if el == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disconnected {
		return
	}
	e.layouts[el] = r
}

// Evaluate recomputes every observed element against the current root box
// and delivers a single batch with those due. Returns the number delivered.
func (e *Engine) Evaluate() int {
	e.mu.Lock()
	if e.disconnected {
		e.mu.Unlock()
		return 0
	}
	now := e.clk.Now()
	root := e.viewport
	if e.opts.Root != nil {
		root = e.rootRect
	}
	root = e.opts.RootMargin.Expand(root)

	var batch []Sample
	for _, el := range e.order {
		rect := e.layouts[el]
		inter := Intersection(rect, root)
		ratio := 0.0
		if a := rect.Area(); a > 0 {
			ratio = inter.Area() / a
		}
		prev, seen := e.baseline[el]
		if seen && !crossed(prev, ratio, e.opts.Ratios) {
			continue
		}
		e.baseline[el] = ratio
		batch = append(batch, Sample{
			Ratio:              ratio,
			Time:               now,
			RootBounds:         root,
			BoundingClientRect: rect,
			IntersectionRect:   inter,
			Target:             el,
		})
	}
	sink := e.sink
	e.mu.Unlock()

	if len(batch) > 0 {
		sink(batch)
	}
	return len(batch)
}

// crossed reports whether any boundary's satisfaction (boundary-inclusive)
// differs between prev and cur.
func crossed(prev, cur float64, ratios []float64) bool {
	for _, t := range ratios {
		if (prev >= t) != (cur >= t) {
			return true
		}
	}
	return false
}
