// Package ring implements the bounded per-session event buffer. The ring
// is the authoritative recent history for a session: the session appends,
// catch-up queries read, and eviction raises the floor as capacity is hit.
package ring

import (
	"sync"

	"github.com/sebastianm/wormhole/internal/protocol"
)

// DefaultCapacity is the number of events retained per session.
const DefaultCapacity = 1000

// Ring is a fixed-capacity FIFO of events with dense sequence numbers
// starting at 1. One goroutine appends; any number of goroutines read.
// Readers observe either the pre- or post-append state, never a torn event.
type Ring struct {
	mu      sync.RWMutex
	buf     []protocol.Event
	start   int   // index of the oldest event
	count   int   // number of events currently stored
	nextSeq int64 // sequence assigned to the next append
}

// New creates a ring with the given capacity. Capacity values below 1 fall
// back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:     make([]protocol.Event, capacity),
		nextSeq: 1,
	}
}

// Append stores an event, assigns it the next sequence number, and returns
// that sequence. The oldest event is evicted when the ring is full.
func (r *Ring) Append(session string, timestamp protocol.Timestamp, message map[string]any) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++

	event := protocol.Event{
		Session:   session,
		Sequence:  seq,
		Timestamp: timestamp,
		Message:   message,
	}

	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = event
		r.count++
	} else {
		r.buf[r.start] = event
		r.start = (r.start + 1) % len(r.buf)
	}
	return seq
}

// Range returns the sequence numbers of the oldest and newest events still
// stored. An empty ring reports (0, 0).
func (r *Ring) Range() (minSeq, maxSeq int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rangeLocked()
}

func (r *Ring) rangeLocked() (minSeq, maxSeq int64) {
	if r.count == 0 {
		return 0, 0
	}
	maxSeq = r.nextSeq - 1
	minSeq = maxSeq - int64(r.count) + 1
	return minSeq, maxSeq
}

// EventsSince returns a copy of every stored event with sequence greater
// than afterSeq, in sequence order. truncated is true when events after
// afterSeq have already been evicted, i.e. the caller cannot recover a
// gapless history from this ring.
func (r *Ring) EventsSince(afterSeq int64) (events []protocol.Event, truncated bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	minSeq, maxSeq := r.rangeLocked()
	if r.count == 0 {
		// Events may have existed and been evicted before this query.
		return nil, afterSeq < r.nextSeq-1
	}
	if afterSeq >= maxSeq {
		return nil, false
	}

	truncated = afterSeq < minSeq-1
	from := afterSeq + 1
	if from < minSeq {
		from = minSeq
	}

	events = make([]protocol.Event, 0, maxSeq-from+1)
	for seq := from; seq <= maxSeq; seq++ {
		idx := (r.start + int(seq-minSeq)) % len(r.buf)
		events = append(events, r.buf[idx])
	}
	return events, truncated
}

// Len returns the number of events currently stored.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
