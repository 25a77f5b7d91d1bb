package viewability

// entryQueue batches entries produced synchronously within one sample batch
// or one forced-exit pass, so the callback sees a single invocation per
// batch. Dwell-timer confirmations bypass it entirely.
type entryQueue struct {
	entries []Entry
}

func (q *entryQueue) push(e Entry) {
	q.entries = append(q.entries, e)
}

// drain returns the accumulated entries and resets the queue. Callers
// invoke the callback with the result after releasing the observer lock.
func (q *entryQueue) drain() []Entry {
	out := q.entries
	q.entries = nil
	return out
}
