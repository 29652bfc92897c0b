// ABOUTME: Tests for the sequence-indexed ring buffer.
// ABOUTME: Covers sequence assignment, FIFO eviction, and gap detection on evicted offsets.

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_AssignsGaplessSequences(t *testing.T) {
	r := newRing(8)

	for i := range 5 {
		e := r.append(Event{Kind: KindOutput})
		assert.Equal(t, uint64(i), e.Seq)
	}

	got, err := r.from(0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, uint64(i), e.Seq)
	}
}

func TestRing_EvictsOldestBeyondCapacity(t *testing.T) {
	r := newRing(4)

	for range 10 {
		r.append(Event{Kind: KindOutput})
	}

	assert.Equal(t, uint64(6), r.oldest())

	got, err := r.from(6)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(6), got[0].Seq)
	assert.Equal(t, uint64(9), got[3].Seq)
}

func TestRing_FromEvictedOffsetFailsWithGap(t *testing.T) {
	r := newRing(4)

	for range 10 {
		r.append(Event{Kind: KindOutput})
	}

	_, err := r.from(2)
	require.ErrorIs(t, err, ErrGapDetected)
}

func TestRing_FromFutureOffsetYieldsNothing(t *testing.T) {
	r := newRing(4)
	r.append(Event{Kind: KindOutput})

	got, err := r.from(5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRing_EmptyFromZero(t *testing.T) {
	r := newRing(4)

	got, err := r.from(0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, uint64(0), r.oldest())
}
