package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckit/synckit/clock"
)

func TestORSetAddAndRemove(t *testing.T) {
	set := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	_, err := set.Add("apple")
	require.NoError(t, err)
	assert.True(t, set.Contains("apple"))

	_, err = set.Remove("apple")
	require.NoError(t, err)
	assert.False(t, set.Contains("apple"))
}

func TestORSetAddWinsOverConcurrentRemove(t *testing.T) {
	seed := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	addDelta, err := seed.Add("apple")
	require.NoError(t, err)

	replicaA := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	_, err = replicaA.ApplyRemote(addDelta)
	require.NoError(t, err)
	removeDelta, err := replicaA.Remove("apple")
	require.NoError(t, err)

	// A concurrent replica adds the SAME element again with a fresh tag
	// that the remove above never observed.
	replicaB := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	_, err = replicaB.ApplyRemote(addDelta)
	require.NoError(t, err)
	secondAddDelta, err := replicaB.Add("apple")
	require.NoError(t, err)

	merged := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	_, err = merged.ApplyRemote(addDelta)
	require.NoError(t, err)
	_, err = merged.ApplyRemote(removeDelta)
	require.NoError(t, err)
	_, err = merged.ApplyRemote(secondAddDelta)
	require.NoError(t, err)

	// The concurrent second add survives the remove that never saw it.
	assert.True(t, merged.Contains("apple"))
}

func TestORSetApplyRemoteIsOrderIndependent(t *testing.T) {
	seed := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	addDelta, err := seed.Add("banana")
	require.NoError(t, err)
	removeDelta, err := seed.Remove("banana")
	require.NoError(t, err)

	forward := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	_, err = forward.ApplyRemote(addDelta)
	require.NoError(t, err)
	_, err = forward.ApplyRemote(removeDelta)
	require.NoError(t, err)

	backward := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	_, err = backward.ApplyRemote(removeDelta)
	require.NoError(t, err)
	_, err = backward.ApplyRemote(addDelta)
	require.NoError(t, err)

	assert.Equal(t, forward.Contains("banana"), backward.Contains("banana"))
	assert.False(t, forward.Contains("banana"))
}

func TestORSetSnapshotRoundTrip(t *testing.T) {
	set := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	_, err := set.Add("apple")
	require.NoError(t, err)
	_, err = set.Add("banana")
	require.NoError(t, err)

	snap, err := set.Snapshot()
	require.NoError(t, err)

	restored := NewORSet("set-1", newTestIssuer(clock.NewClientID(), nil))
	require.NoError(t, restored.Restore(snap))
	assert.ElementsMatch(t, set.Values(), restored.Values())
}
