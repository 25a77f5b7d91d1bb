// Package pagevis distributes page lifecycle signals (tab hidden, tab
// shown, page unload) to subscribers. The viewability observer uses these
// to gate processing and to force exits before the page goes away.
package pagevis

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Signal is a page lifecycle transition.
type Signal string

const (
	// SignalHidden fires when the page stops being rendered (tab switch,
	// minimize).
	SignalHidden Signal = "hidden"

	// SignalShown fires when the page is rendered again.
	SignalShown Signal = "shown"

	// SignalUnload fires when the page is being torn down. No further
	// signals follow.
	SignalUnload Signal = "unload"
)

// Handler receives one signal. Handlers run synchronously on the emitter's
// goroutine.
type Handler func(sig Signal)

// Source is a subscribable stream of page lifecycle signals.
type Source interface {
	// Subscribe registers h and returns a cancel function. Cancel is
	// idempotent and safe to call from inside a handler.
	Subscribe(h Handler) (cancel func())
}

// Feed is a fan-out Source driven by Emit.
type Feed struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewFeed returns an empty Feed.
func NewFeed() *Feed {
	return &Feed{handlers: make(map[string]Handler)}
}

func randomID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// Subscribe registers h for all future signals.
func (f *Feed) Subscribe(h Handler) (cancel func()) {
	id := randomID()
	f.mu.Lock()
	f.handlers[id] = h
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
		})
	}
}

// Emit delivers sig to every current subscriber on the caller's goroutine.
// The subscriber set is snapshotted first, so handlers may subscribe or
// cancel without deadlocking; handlers added during delivery miss sig.
func (f *Feed) Emit(sig Signal) {
	f.mu.Lock()
	hs := make([]Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(sig)
	}
}

// Subscribers returns the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}
