// ABOUTME: Bounded sequence-indexed ring buffer for per-run event retention.
// ABOUTME: Fixed capacity with FIFO eviction; evicted offsets fail replay with a gap error.

package event

import (
	"errors"
	"fmt"
)

// ErrGapDetected indicates a replay offset older than the retained window.
// Replay never silently resumes past evicted events.
var ErrGapDetected = errors.New("gap detected: requested offset evicted from retention window")

// ring is a bounded buffer indexed by sequence number. The slot for sequence
// s is s modulo capacity, so offset-to-slot mapping survives eviction.
type ring struct {
	slots []Event
	next  uint64 // next sequence number to assign
	count int    // retained events, <= len(slots)
}

func newRing(capacity int) *ring {
	return &ring{slots: make([]Event, capacity)}
}

// append assigns the next sequence number and stores the event, evicting the
// oldest retained event when full. Returns the stored event.
func (r *ring) append(e Event) Event {
	e.Seq = r.next
	r.slots[e.Seq%uint64(len(r.slots))] = e
	r.next++
	if r.count < len(r.slots) {
		r.count++
	}
	return e
}

// oldest returns the sequence number of the oldest retained event.
// Equal to next when the ring is empty.
func (r *ring) oldest() uint64 {
	return r.next - uint64(r.count)
}

// from returns all retained events with sequence >= seq, in order.
// Returns ErrGapDetected if seq is older than the retained window.
func (r *ring) from(seq uint64) ([]Event, error) {
	if seq < r.oldest() {
		return nil, fmt.Errorf("%w: have %d, oldest retained %d", ErrGapDetected, seq, r.oldest())
	}
	if seq >= r.next {
		return nil, nil
	}
	out := make([]Event, 0, r.next-seq)
	for s := seq; s < r.next; s++ {
		out = append(out, r.slots[s%uint64(len(r.slots))])
	}
	return out, nil
}
