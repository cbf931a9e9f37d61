package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckit/synckit/clock"
)

func TestPNCounterLocalIncrementDecrement(t *testing.T) {
	counter := NewPNCounter("counter-1", newTestIssuer(clock.NewClientID(), nil))
	_, err := counter.Increment(5)
	require.NoError(t, err)
	_, err = counter.Decrement(2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counter.Value())
}

func TestPNCounterMergeIsCommutativeAndIdempotent(t *testing.T) {
	a := NewPNCounter("counter-1", newTestIssuer(clock.NewClientID(), nil))
	deltaA, err := a.Increment(10)
	require.NoError(t, err)

	b := NewPNCounter("counter-1", newTestIssuer(clock.NewClientID(), nil))
	deltaB, err := b.Decrement(3)
	require.NoError(t, err)

	replica1 := NewPNCounter("counter-1", newTestIssuer(clock.NewClientID(), nil))
	_, err = replica1.ApplyRemote(deltaA)
	require.NoError(t, err)
	_, err = replica1.ApplyRemote(deltaB)
	require.NoError(t, err)

	replica2 := NewPNCounter("counter-1", newTestIssuer(clock.NewClientID(), nil))
	_, err = replica2.ApplyRemote(deltaB)
	require.NoError(t, err)
	_, err = replica2.ApplyRemote(deltaA)
	require.NoError(t, err)

	assert.Equal(t, int64(7), replica1.Value())
	assert.Equal(t, replica1.Value(), replica2.Value())

	// Re-delivering a delta must not double-count.
	changed, err := replica1.ApplyRemote(deltaA)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(7), replica1.Value())
}

func TestPNCounterSnapshotRoundTrip(t *testing.T) {
	counter := NewPNCounter("counter-1", newTestIssuer(clock.NewClientID(), nil))
	_, err := counter.Increment(4)
	require.NoError(t, err)
	_, err = counter.Decrement(1)
	require.NoError(t, err)

	snap, err := counter.Snapshot()
	require.NoError(t, err)

	restored := NewPNCounter("counter-1", newTestIssuer(clock.NewClientID(), nil))
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, counter.Value(), restored.Value())
}
