// Package viewability turns raw intersection samples into debounced,
// time-qualified visibility events. For every (element, threshold) pair it
// decides when a visible period truly begins and ends: rising ratio edges
// open a candidate entry, optional dwell timers confirm it, falling edges
// and page-hide force exits with accurate durations.
package viewability

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/viewability.report/internal/identity"
	"github.com/banshee-data/viewability.report/internal/intersect"
	"github.com/banshee-data/viewability.report/internal/monitoring"
	"github.com/banshee-data/viewability.report/internal/pagevis"
	"github.com/banshee-data/viewability.report/internal/timeutil"
)

// Observer tracks elements against the configured thresholds and delivers
// confirmed entries to its callback. All state is guarded by one mutex;
// the callback always runs with the lock released.
type Observer struct {
	cb     Callback
	source intersect.Source
	clock  timeutil.Clock
	sched  timeutil.Scheduler
	ids    identity.Source

	mu           sync.Mutex
	thresholds   []Threshold
	tokens       map[*intersect.Element]string
	records      map[string]*record
	order        []string
	queue        entryQueue
	paused       bool
	disconnected bool
	unsubscribe  func()
}

// New validates cfg, builds the intersection source through deps.NewSource
// and, when cfg.PageContext is set, subscribes to deps.Visibility. Invalid
// configuration is fatal here rather than silently defaulted.
func New(cfg Config, deps Deps, cb Callback) (*Observer, error) {
	if cb == nil {
		return nil, errors.New("viewability: nil callback")
	}
	ths, margin, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	deps, err = deps.withDefaults()
	if err != nil {
		return nil, err
	}
	if cfg.PageContext && deps.Visibility == nil {
		return nil, errors.New("viewability: page context requires a visibility source")
	}

	o := &Observer{
		cb:         cb,
		clock:      deps.Clock,
		sched:      deps.Scheduler,
		ids:        deps.Identity,
		thresholds: ths,
		tokens:     make(map[*intersect.Element]string),
		records:    make(map[string]*record),
	}
	src, err := deps.NewSource(intersect.Options{
		Root:       cfg.Root,
		RootMargin: margin,
		Ratios:     ratioList(ths),
	}, o.onBatch)
	if err != nil {
		return nil, err
	}
	o.source = src
	if cfg.PageContext {
		o.unsubscribe = deps.Visibility.Subscribe(o.onSignal)
	}
	return o, nil
}

// Observe starts tracking el and returns its identity token. Tokens are
// assigned once per element: observing again after Unobserve reuses the
// original token with a fresh record. Observing an element that already
// has a live record is a caller error.
func (o *Observer) Observe(el *intersect.Element, payload any) (string, error) {
	if el == nil {
		return "", errors.New("viewability: nil element")
	}
	o.mu.Lock()
	if o.disconnected {
		o.mu.Unlock()
		return "", ErrDisconnected
	}
	token, ok := o.tokens[el]
	if !ok {
		token = o.ids.Token()
		o.tokens[el] = token
	}
	if _, live := o.records[token]; live {
		o.mu.Unlock()
		return "", ErrAlreadyObserved
	}
	o.records[token] = newRecord(token, el, payload, o.thresholds)
	o.order = append(o.order, token)
	o.mu.Unlock()

	o.source.Observe(el)
	return token, nil
}

// Unobserve stops tracking el. The record is removed immediately and no
// further samples are processed for it; forced-exit events for thresholds
// that were confirmed visible are synthesized on a later turn through the
// scheduler and flushed as one batch. Unknown elements are a no-op.
func (o *Observer) Unobserve(el *intersect.Element) {
	o.mu.Lock()
	if o.disconnected {
		o.mu.Unlock()
		return
	}
	token, ok := o.tokens[el]
	if !ok {
		o.mu.Unlock()
		return
	}
	rec, live := o.records[token]
	if !live {
		o.mu.Unlock()
		return
	}
	delete(o.records, token)
	o.dropOrder(token)
	o.mu.Unlock()

	o.source.Unobserve(el)
	o.sched.Defer(func() {
		o.mu.Lock()
		if o.disconnected {
			o.mu.Unlock()
			return
		}
		o.forceExitRecord(rec, o.clock.Now())
		out := o.queue.drain()
		o.mu.Unlock()
		o.deliver(out)
	})
}

// Disconnect forces exit on every tracked element, flushes the resulting
// batch, disconnects the intersection source and clears all state. The
// observer is terminal afterward: Observe returns ErrDisconnected, all
// other operations are no-ops.
func (o *Observer) Disconnect() {
	o.mu.Lock()
	if o.disconnected {
		o.mu.Unlock()
		return
	}
	o.disconnected = true
	now := o.clock.Now()
	for _, token := range o.order {
		o.forceExitRecord(o.records[token], now)
	}
	o.tokens = make(map[*intersect.Element]string)
	o.records = make(map[string]*record)
	o.order = nil
	unsub := o.unsubscribe
	o.unsubscribe = nil
	out := o.queue.drain()
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	o.deliver(out)
	o.source.Disconnect()
	monitoring.Debugf("viewability: observer disconnected, %d forced exits", len(out))
}

// Records returns point-in-time snapshots of every live record in
// observation order.
func (o *Observer) Records() []RecordSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RecordSnapshot, 0, len(o.order))
	for _, token := range o.order {
		out = append(out, o.records[token].snapshot())
	}
	return out
}

// onBatch is the sample sink handed to the intersection source. Batches
// arriving while paused are dropped whole.
func (o *Observer) onBatch(batch []intersect.Sample) {
	o.mu.Lock()
	if o.paused || o.disconnected {
		o.mu.Unlock()
		return
	}
	for _, s := range batch {
		token, ok := o.tokens[s.Target]
		if !ok {
			continue
		}
		rec, live := o.records[token]
		if !live {
			continue
		}
		o.processSample(rec, s)
	}
	out := o.queue.drain()
	o.mu.Unlock()
	o.deliver(out)
}

// processSample runs every threshold state of rec against one raw sample,
// then records the sample on the record.
func (o *Observer) processSample(rec *record, s intersect.Sample) {
	for _, st := range rec.states {
		o.processThreshold(rec, st, s)
	}
	sample := s
	rec.lastSample = &sample
}

// processThreshold is the per-(element, threshold) transition. Rising
// edges open a candidate entry (queued immediately or parked behind a
// dwell timer); falling edges run the exit procedure; steady states emit
// nothing. lastEntry and lastSatisfied update unconditionally afterward.
func (o *Observer) processThreshold(rec *record, st *thresholdState, s intersect.Sample) {
	satisfied := s.Ratio >= st.threshold.Ratio
	switch {
	case satisfied && !st.lastSatisfied:
		entry := newEntry(rec, st.threshold, s)
		st.lastVisible = s.Time
		if st.threshold.Time > 0 {
			o.scheduleDwell(rec, st, entry)
		} else {
			st.visible = true
			o.queue.push(entry)
		}
	case !satisfied:
		o.handleExit(st, newEntry(rec, st.threshold, s))
	}
	sample := s
	st.lastEntry = &sample
	st.lastSatisfied = satisfied
}

// handleExit cancels any pending dwell timer, then emits an exit entry
// only if the threshold had actually reached confirmed-visible status. A
// ratio satisfied only momentarily, never surviving its dwell, exits
// silently.
func (o *Observer) handleExit(st *thresholdState, e Entry) {
	if st.pending != nil {
		st.pending.Stop()
		st.pending = nil
		st.pendingEntry = nil
	}
	if st.lastSatisfied && (st.threshold.Time == 0 || st.visible) {
		e.Duration = e.Time.Sub(st.lastVisible)
		e.Entering = false
		st.visible = false
		o.queue.push(e)
	}
}

// forceExitRecord synthesizes an exit candidate per threshold (sentinel
// geometry, ratio -1) and runs the exit procedure, then clears the state
// cell whether or not an event was emitted.
func (o *Observer) forceExitRecord(rec *record, now time.Time) {
	for _, st := range rec.states {
		o.handleExit(st, Entry{
			Ratio:   -1,
			Time:    now,
			Target:  rec.target,
			Label:   st.threshold.Label,
			Payload: rec.payload,
		})
		st.lastSatisfied = false
		st.visible = false
		st.lastEntry = nil
	}
}

// scheduleDwell parks the candidate entry behind a confirmation timer. The
// generation counter makes a stale fire that lost the race to a
// cancel-and-reschedule harmless.
func (o *Observer) scheduleDwell(rec *record, st *thresholdState, e Entry) {
	st.pendingGen++
	gen := st.pendingGen
	st.pendingEntry = &e
	st.pending = o.clock.AfterFunc(st.threshold.Time, func() {
		o.confirmDwell(rec, st, gen)
	})
}

// confirmDwell fires when a dwell timer elapses. It emits the parked entry
// as a standalone single-entry callback, bypassing the batch queue, unless
// the record was removed or the timer was superseded in the meantime.
func (o *Observer) confirmDwell(rec *record, st *thresholdState, gen uint64) {
	o.mu.Lock()
	if o.disconnected || o.records[rec.token] != rec || st.pending == nil || st.pendingGen != gen {
		o.mu.Unlock()
		return
	}
	st.pending = nil
	entry := *st.pendingEntry
	st.pendingEntry = nil
	st.visible = true
	now := o.clock.Now()
	entry.Duration = now.Sub(st.lastVisible)
	// Exit durations measure time spent confirmed-visible, so the visible
	// period starts here, not at the rising edge.
	st.lastVisible = now
	o.mu.Unlock()

	o.cb([]Entry{entry})
}

// onSignal is the page lifecycle handler. Hidden and unload both pause;
// shown resumes.
func (o *Observer) onSignal(sig pagevis.Signal) {
	switch sig {
	case pagevis.SignalHidden, pagevis.SignalUnload:
		o.pause()
	case pagevis.SignalShown:
		o.resume()
	}
}

// pause force-exits every record, flushes the batch, and tells the source
// to re-baseline so stale geometry is not replayed once tracking resumes.
// Samples arriving while paused are dropped.
func (o *Observer) pause() {
	o.mu.Lock()
	if o.disconnected || o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = true
	now := o.clock.Now()
	for _, token := range o.order {
		o.forceExitRecord(o.records[token], now)
	}
	out := o.queue.drain()
	o.mu.Unlock()

	monitoring.Debugf("viewability: paused, forced %d exits", len(out))
	o.deliver(out)
	o.source.Reset()
}

// resume re-evaluates every record against its last known sample,
// re-stamped to now, so a still-intersecting element re-enters (and
// restarts its dwell timer) without waiting for fresh geometry.
func (o *Observer) resume() {
	o.mu.Lock()
	if o.disconnected || !o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = false
	now := o.clock.Now()
	for _, token := range o.order {
		rec := o.records[token]
		if rec.lastSample == nil {
			continue
		}
		s := *rec.lastSample
		s.Time = now
		o.processSample(rec, s)
	}
	out := o.queue.drain()
	o.mu.Unlock()

	monitoring.Debugf("viewability: resumed, %d re-entries", len(out))
	o.deliver(out)
}

func (o *Observer) deliver(entries []Entry) {
	if len(entries) > 0 {
		o.cb(entries)
	}
}

func (o *Observer) dropOrder(token string) {
	for i, t := range o.order {
		if t == token {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

// newEntry builds an entering candidate from a raw sample. Exit paths
// reuse it and overwrite Entering and Duration.
func newEntry(rec *record, th Threshold, s intersect.Sample) Entry {
	return Entry{
		Ratio:              s.Ratio,
		Time:               s.Time,
		RootBounds:         s.RootBounds,
		BoundingClientRect: s.BoundingClientRect,
		IntersectionRect:   s.IntersectionRect,
		Target:             rec.target,
		Entering:           true,
		Label:              th.Label,
		Payload:            rec.payload,
	}
}
