package session

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity. One ingest batch
// can confirm several thresholds at once, so lines arrive in bursts; the
// buffer absorbs a burst while a stalled subscriber only ever loses its own
// lines.
const subscriberBuffer = 16

// Broadcaster fans confirmed entry lines out to live subscribers (the SSE
// feed). Sends never block: a subscriber that stops draining misses lines
// rather than stalling ingest.
type Broadcaster struct {
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closed       bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving published lines. The
// channel ID is used to identify the unique channel when unsubscribing.
// Subscribing to a closed Broadcaster returns an already-closed channel.
func (b *Broadcaster) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers line to every current subscriber without blocking.
func (b *Broadcaster) Publish(line string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so as not to block ingest
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Publish and Subscribe are no-ops
// afterward.
func (b *Broadcaster) Close() {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
