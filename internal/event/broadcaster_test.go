// ABOUTME: Tests for the per-run event broadcaster.
// ABOUTME: Covers replay, live delivery, sealing, heartbeats, and subscriber gap handling.

package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for range n {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "channel closed after %d events, wanted %d", len(out), n)
			out = append(out, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events, wanted %d", len(out), n)
		}
	}
	return out
}

func requireClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.False(t, ok, "expected closed channel, got event seq=%d kind=%s", e.Seq, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBroadcaster_PublishAssignsSequence(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	e0, err := b.Publish("run-1", KindProgress, nil)
	require.NoError(t, err)
	e1, err := b.Publish("run-1", KindOutput, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), e0.Seq)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, "run-1", e1.RunID)
	assert.False(t, e1.Timestamp.IsZero())
}

func TestBroadcaster_PublishUnknownRun(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)

	_, err := b.Publish("nope", KindOutput, nil)
	require.ErrorIs(t, err, ErrRunUnknown)
}

func TestBroadcaster_SubscribeUnknownRun(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)

	_, err := b.Subscribe(t.Context(), "nope", 0)
	require.ErrorIs(t, err, ErrRunUnknown)
}

func TestBroadcaster_LiveDeliveryInOrder(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	ch, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)

	for range 3 {
		_, err := b.Publish("run-1", KindOutput, nil)
		require.NoError(t, err)
	}
	_, err = b.Publish("run-1", KindResult, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	got := collect(t, ch, 4)
	for i, e := range got {
		assert.Equal(t, uint64(i), e.Seq)
	}
	assert.Equal(t, KindResult, got[3].Kind)
	requireClosed(t, ch)
}

func TestBroadcaster_ReplayFromOffset(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	for range 5 {
		_, err := b.Publish("run-1", KindOutput, nil)
		require.NoError(t, err)
	}
	_, err := b.Publish("run-1", KindResult, nil)
	require.NoError(t, err)

	ch, err := b.Subscribe(t.Context(), "run-1", 3)
	require.NoError(t, err)

	got := collect(t, ch, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(5), got[2].Seq)
	assert.Equal(t, KindResult, got[2].Kind)
	requireClosed(t, ch)
}

func TestBroadcaster_SubscribeEvictedOffsetFails(t *testing.T) {
	b := NewBroadcaster(4, 0, nil)
	b.Register("run-1")

	for range 10 {
		_, err := b.Publish("run-1", KindOutput, nil)
		require.NoError(t, err)
	}

	_, err := b.Subscribe(t.Context(), "run-1", 1)
	require.ErrorIs(t, err, ErrGapDetected)

	// Oldest retained offset still works.
	ch, err := b.Subscribe(t.Context(), "run-1", 6)
	require.NoError(t, err)
	got := collect(t, ch, 4)
	assert.Equal(t, uint64(6), got[0].Seq)
}

func TestBroadcaster_TerminalSealsStream(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	_, err := b.Publish("run-1", KindError, json.RawMessage(`{"message":"boom"}`))
	require.NoError(t, err)
	assert.True(t, b.Sealed("run-1"))

	_, err = b.Publish("run-1", KindOutput, nil)
	require.ErrorIs(t, err, ErrStreamSealed)
}

func TestBroadcaster_SubscribeAfterTerminalDrainsAndCloses(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	_, err := b.Publish("run-1", KindOutput, nil)
	require.NoError(t, err)
	_, err = b.Publish("run-1", KindResult, nil)
	require.NoError(t, err)

	ch, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)

	got := collect(t, ch, 2)
	assert.Equal(t, KindResult, got[1].Kind)
	requireClosed(t, ch)
}

func TestBroadcaster_SlowSubscriberLagGetsGapErrorEvent(t *testing.T) {
	b := NewBroadcaster(2, 0, nil)
	b.Register("run-1")

	ch, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)

	// Publish more events than the subscriber buffer plus the retention
	// window can hold before anything is read, so the subscriber's cursor is
	// evicted mid-stream.
	for range 80 {
		_, err := b.Publish("run-1", KindOutput, nil)
		require.NoError(t, err)
	}

	var got []Event
	for open := true; open; {
		select {
		case e, ok := <-ch:
			if !ok {
				open = false
				break
			}
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, KindError, last.Kind)
	assert.Contains(t, string(last.Payload), "gap")

	// Everything delivered before the gap error is still gapless and ordered.
	for i := 1; i < len(got)-1; i++ {
		assert.Equal(t, got[i-1].Seq+1, got[i].Seq)
	}
}

func TestBroadcaster_RegisterIdempotent(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	_, err := b.Publish("run-1", KindOutput, nil)
	require.NoError(t, err)

	// Re-register must not reset the sequence counter.
	b.Register("run-1")
	e, err := b.Publish("run-1", KindOutput, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Seq)
}

func TestBroadcaster_HeartbeatOccupiesSequence(t *testing.T) {
	b := NewBroadcaster(16, 20*time.Millisecond, nil)
	b.Register("run-1")

	ch, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)

	got := collect(t, ch, 1)
	assert.Equal(t, KindHeartbeat, got[0].Kind)
	assert.Equal(t, uint64(0), got[0].Seq)

	// Publishing resets the timer; the next event continues the sequence.
	e, err := b.Publish("run-1", KindResult, nil)
	require.NoError(t, err)
	assert.Greater(t, e.Seq, got[0].Seq)
}

func TestBroadcaster_NoHeartbeatAfterTerminal(t *testing.T) {
	b := NewBroadcaster(16, 10*time.Millisecond, nil)
	b.Register("run-1")

	_, err := b.Publish("run-1", KindResult, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.Sealed("run-1"))

	ch, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)
	got := collect(t, ch, 1)
	assert.Equal(t, KindResult, got[0].Kind)
	requireClosed(t, ch)
}

func TestBroadcaster_ContextCancelStopsSubscriber(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	ctx, cancel := context.WithCancel(t.Context())
	ch, err := b.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)

	cancel()
	requireClosed(t, ch)
}

func TestBroadcaster_RemoveWakesSubscribers(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")

	ch, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)

	b.Remove("run-1")
	requireClosed(t, ch)

	_, err = b.Publish("run-1", KindOutput, nil)
	require.ErrorIs(t, err, ErrRunUnknown)
}

func TestBroadcaster_CloseWakesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(16, 0, nil)
	b.Register("run-1")
	b.Register("run-2")

	ch1, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)
	ch2, err := b.Subscribe(t.Context(), "run-2", 0)
	require.NoError(t, err)

	b.Close()
	requireClosed(t, ch1)
	requireClosed(t, ch2)
}

func TestBroadcaster_MultipleSubscribersSeeSameOrder(t *testing.T) {
	b := NewBroadcaster(64, 0, nil)
	b.Register("run-1")

	ch1, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)
	ch2, err := b.Subscribe(t.Context(), "run-1", 0)
	require.NoError(t, err)

	for range 9 {
		_, err := b.Publish("run-1", KindOutput, nil)
		require.NoError(t, err)
	}
	_, err = b.Publish("run-1", KindResult, nil)
	require.NoError(t, err)

	got1 := collect(t, ch1, 10)
	got2 := collect(t, ch2, 10)
	for i := range 10 {
		assert.Equal(t, uint64(i), got1[i].Seq)
		assert.Equal(t, uint64(i), got2[i].Seq)
	}
}
