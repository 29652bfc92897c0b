// ABOUTME: Per-run fan-out broadcaster delivering ordered events to subscribers.
// ABOUTME: Supports replay-from-offset, stream sealing on terminal events, and heartbeats.

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ErrRunUnknown indicates the run has no registered event stream.
var ErrRunUnknown = errors.New("run has no event stream")

// ErrStreamSealed indicates a publish after the run's terminal event.
var ErrStreamSealed = errors.New("event stream sealed by terminal event")

// Broadcaster provides per-run ordered pub/sub with bounded retention.
// Each run's buffer has a single writer (the orchestrator goroutine executing
// the run) and any number of subscribers. Subscribers observe events in
// strictly increasing sequence order with no gaps and no duplicates.
type Broadcaster struct {
	mu       sync.RWMutex
	streams  map[string]*stream
	capacity int
	interval time.Duration // heartbeat interval, 0 disables
	logger   *slog.Logger
}

// stream holds one run's buffer, subscribers, and heartbeat timer.
type stream struct {
	mu        sync.Mutex
	ring      *ring
	sealed    bool
	subs      map[string]chan struct{} // subID -> wake signal
	heartbeat *time.Timer
}

// NewBroadcaster creates a broadcaster with the given per-run retention
// capacity and heartbeat interval (0 disables heartbeats). Pass nil logger
// for default.
func NewBroadcaster(capacity int, heartbeatInterval time.Duration, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		streams:  make(map[string]*stream),
		capacity: capacity,
		interval: heartbeatInterval,
		logger:   logger.With("component", "broadcaster"),
	}
}

// Register creates the event stream for a run. Idempotent.
func (b *Broadcaster) Register(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[runID]; ok {
		return
	}

	st := &stream{
		ring: newRing(b.capacity),
		subs: make(map[string]chan struct{}),
	}
	b.streams[runID] = st

	if b.interval > 0 {
		st.heartbeat = time.AfterFunc(b.interval, func() {
			b.publishHeartbeat(runID)
		})
	}
}

// Publish appends an event to the run's retention buffer, assigns the next
// sequence number, and wakes blocked subscribers. A terminal kind seals the
// stream; publishing after that returns ErrStreamSealed.
func (b *Broadcaster) Publish(runID string, kind Kind, payload json.RawMessage) (Event, error) {
	b.mu.RLock()
	st, ok := b.streams[runID]
	b.mu.RUnlock()
	if !ok {
		return Event{}, ErrRunUnknown
	}

	st.mu.Lock()
	if st.sealed {
		st.mu.Unlock()
		return Event{}, ErrStreamSealed
	}

	e := st.ring.append(Event{
		RunID:     runID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})

	if kind.Terminal() {
		st.sealed = true
		if st.heartbeat != nil {
			st.heartbeat.Stop()
		}
	} else if st.heartbeat != nil {
		st.heartbeat.Reset(b.interval)
	}

	wakes := make([]chan struct{}, 0, len(st.subs))
	for _, w := range st.subs {
		wakes = append(wakes, w)
	}
	st.mu.Unlock()

	for _, w := range wakes {
		select {
		case w <- struct{}{}:
		default:
			// Subscriber already has a pending wake
		}
	}

	return e, nil
}

// publishHeartbeat emits a synthetic heartbeat so idle long-running streams
// are not mistaken for dead connections. No-op once the stream is sealed.
func (b *Broadcaster) publishHeartbeat(runID string) {
	if _, err := b.Publish(runID, KindHeartbeat, nil); err == nil {
		b.logger.Debug("heartbeat emitted", "run_id", runID)
	}
}

// Subscribe delivers the run's events from sequence fromSeq onward, in order.
// Fails with ErrGapDetected if fromSeq is older than the retained window and
// ErrRunUnknown if the run has no stream. If the run is already terminal, the
// channel yields the remaining buffered events through the terminal event and
// closes without blocking. Otherwise it stays open, delivering live events
// until the terminal event or ctx cancellation.
func (b *Broadcaster) Subscribe(ctx context.Context, runID string, fromSeq uint64) (<-chan Event, error) {
	b.mu.RLock()
	st, ok := b.streams[runID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrRunUnknown
	}

	st.mu.Lock()
	// Validate the offset up front so callers get a synchronous error
	// instead of a silently truncated stream.
	if fromSeq < st.ring.oldest() {
		oldest := st.ring.oldest()
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: have %d, oldest retained %d", ErrGapDetected, fromSeq, oldest)
	}

	subID := uuid.New().String()
	wake := make(chan struct{}, 1)
	st.subs[subID] = wake
	st.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	go b.pump(ctx, runID, st, subID, wake, ch, fromSeq)

	return ch, nil
}

// pump copies events from the ring to the subscriber channel, blocking when
// caught up until woken by a publish. Exits after the terminal event, on
// context cancellation, or if the cursor falls out of the retention window.
func (b *Broadcaster) pump(ctx context.Context, runID string, st *stream, subID string, wake chan struct{}, ch chan Event, cursor uint64) {
	defer close(ch)
	defer func() {
		st.mu.Lock()
		delete(st.subs, subID)
		st.mu.Unlock()
	}()

	for {
		st.mu.Lock()
		batch, err := st.ring.from(cursor)
		sealed := st.sealed
		st.mu.Unlock()

		if err != nil {
			// Subscriber fell behind the retention window mid-stream. Deliver
			// an in-band terminal error so the consumer is not left to infer
			// the gap from a bare stream closure.
			b.logger.Warn("subscriber lost events to eviction",
				"run_id", runID,
				"sub_id", subID,
				"cursor", cursor)
			payload, _ := json.Marshal(map[string]string{
				"kind":    "gap_detected",
				"message": ErrGapDetected.Error(),
			})
			select {
			case ch <- Event{RunID: runID, Seq: cursor, Kind: KindError, Payload: payload, Timestamp: time.Now().UTC()}:
			case <-ctx.Done():
			}
			return
		}

		for _, e := range batch {
			select {
			case ch <- e:
				cursor = e.Seq + 1
			case <-ctx.Done():
				return
			}
			if e.Kind.Terminal() {
				return
			}
		}

		if sealed {
			// Terminal event already delivered by an earlier batch.
			return
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}

// Sealed reports whether the run's stream has received its terminal event.
func (b *Broadcaster) Sealed(runID string) bool {
	b.mu.RLock()
	st, ok := b.streams[runID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sealed
}

// Remove drops a run's stream and wakes its subscribers so they drain and exit.
func (b *Broadcaster) Remove(runID string) {
	b.mu.Lock()
	st, ok := b.streams[runID]
	delete(b.streams, runID)
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.heartbeat != nil {
		st.heartbeat.Stop()
	}
	st.sealed = true
	wakes := make([]chan struct{}, 0, len(st.subs))
	for _, w := range st.subs {
		wakes = append(wakes, w)
	}
	st.mu.Unlock()

	for _, w := range wakes {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// Close stops all heartbeat timers and releases every stream.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	streams := b.streams
	b.streams = make(map[string]*stream)
	b.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		if st.heartbeat != nil {
			st.heartbeat.Stop()
		}
		st.sealed = true
		for _, w := range st.subs {
			select {
			case w <- struct{}{}:
			default:
			}
		}
		st.mu.Unlock()
	}

	b.logger.Debug("broadcaster closed")
}
