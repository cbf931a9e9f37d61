package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorClockMergeIsPointwiseMax(t *testing.T) {
	a := NewClientID()
	b := NewClientID()

	v1 := VectorClock{a: 3, b: 1}
	v2 := VectorClock{a: 1, b: 5}

	merged := v1.Merge(v2)
	assert.Equal(t, LogicalClock(3), merged[a])
	assert.Equal(t, LogicalClock(5), merged[b])

	// Inputs are untouched.
	assert.Equal(t, LogicalClock(3), v1[a])
	assert.Equal(t, LogicalClock(1), v2[a])
}

func TestVectorClockCompare(t *testing.T) {
	a := NewClientID()
	b := NewClientID()

	same := VectorClock{a: 2, b: 2}
	assert.Equal(t, Equal, Compare(same, same.Clone()))

	ancestor := VectorClock{a: 1, b: 2}
	descendant := VectorClock{a: 2, b: 2}
	assert.Equal(t, Less, Compare(ancestor, descendant))
	assert.Equal(t, Greater, Compare(descendant, ancestor))

	concurrent1 := VectorClock{a: 2, b: 0}
	concurrent2 := VectorClock{a: 0, b: 2}
	assert.Equal(t, Concurrent, Compare(concurrent1, concurrent2))
	assert.True(t, ConcurrentWith(concurrent1, concurrent2))
}

func TestVectorClockTickDoesNotMutateReceiver(t *testing.T) {
	a := NewClientID()
	v := VectorClock{a: 1}
	next, val := v.Tick(a)
	assert.Equal(t, LogicalClock(2), val)
	assert.Equal(t, LogicalClock(2), next[a])
	assert.Equal(t, LogicalClock(1), v[a])
}

func TestHybridTimestampTotalOrder(t *testing.T) {
	low := NewClientID()
	high := low
	high[15]++ // guarantee high > low lexicographically, ties broken correctly below
	if !low.Less(high) {
		low, high = high, low
	}

	earlier := HybridTimestamp{WallMs: 1000, ClientID: high}
	later := HybridTimestamp{WallMs: 1001, ClientID: low}
	assert.True(t, earlier.Less(later))
	assert.True(t, later.Dominates(earlier))

	tieLow := HybridTimestamp{WallMs: 1000, ClientID: low}
	tieHigh := HybridTimestamp{WallMs: 1000, ClientID: high}
	assert.True(t, tieLow.Less(tieHigh))
	assert.True(t, tieHigh.Dominates(tieLow))
}

func TestIssuerMonotonicAcrossBackwardsClockJump(t *testing.T) {
	id := NewClientID()
	wallValues := []int64{1000, 500, 500, 2000}
	i := 0
	issuer := NewIssuer(id, func() int64 {
		v := wallValues[i]
		if i < len(wallValues)-1 {
			i++
		}
		return v
	})

	first := issuer.IssueTimestamp()
	second := issuer.IssueTimestamp()
	third := issuer.IssueTimestamp()
	fourth := issuer.IssueTimestamp()

	require.True(t, first.Less(second))
	require.True(t, second.Less(third))
	require.True(t, third.Less(fourth))
	assert.Equal(t, int64(1000), first.WallMs)
	assert.Equal(t, int64(1001), second.WallMs) // bumped past the backward jump to 500
	assert.Equal(t, int64(1002), third.WallMs)   // still bumped, wall stuck at 500
	assert.Equal(t, int64(2000), fourth.WallMs)  // wall caught back up and overtook
}

func TestIssuerTickIncrements(t *testing.T) {
	issuer := NewIssuer(NewClientID(), nil)
	assert.Equal(t, LogicalClock(1), issuer.Tick())
	assert.Equal(t, LogicalClock(2), issuer.Tick())
	assert.Equal(t, LogicalClock(2), issuer.Counter())
}
