package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckit/synckit/clock"
)

func TestSetLocalStateIncrementsClock(t *testing.T) {
	self := clock.NewClientID()
	p := New(self, func() int64 { return 1000 }, 0)

	e1, err := p.SetLocalState(map[string]string{"name": "a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.AwareClock)

	e2, err := p.SetLocalState(map[string]string{"name": "b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.AwareClock)
}

func TestApplyUpdateDropsStaleClock(t *testing.T) {
	self := clock.NewClientID()
	peer := clock.NewClientID()
	p := New(self, func() int64 { return 1000 }, 0)

	assert.True(t, p.ApplyUpdate(Entry{ClientID: peer, AwareClock: 5, LastSeenMs: 1000}))
	assert.False(t, p.ApplyUpdate(Entry{ClientID: peer, AwareClock: 3, LastSeenMs: 1000}))
	assert.True(t, p.ApplyUpdate(Entry{ClientID: peer, AwareClock: 6, LastSeenMs: 1000}))
}

func TestGetStatesExcludesGoneEntries(t *testing.T) {
	self := clock.NewClientID()
	peer := clock.NewClientID()
	p := New(self, func() int64 { return 1000 }, 0)

	p.ApplyUpdate(Entry{ClientID: peer, AwareClock: 1, LastSeenMs: 1000})
	assert.Len(t, p.GetStates(), 1)

	p.ApplyUpdate(Entry{ClientID: peer, AwareClock: LeaveClock, LastSeenMs: 1000})
	assert.Len(t, p.GetStates(), 0)
}

func TestCreateLeaveUpdateUsesSentinelClock(t *testing.T) {
	self := clock.NewClientID()
	p := New(self, func() int64 { return 1000 }, 0)
	_, _ = p.SetLocalState(map[string]string{"a": "b"})

	leave := p.CreateLeaveUpdate()
	assert.Equal(t, LeaveClock, leave.AwareClock)
	assert.Len(t, p.GetStates(), 0)
}

func TestEvictExpiredRemovesStaleEntries(t *testing.T) {
	self := clock.NewClientID()
	peer := clock.NewClientID()
	now := int64(1000)
	p := New(self, func() int64 { return now }, 30*time.Second)

	p.ApplyUpdate(Entry{ClientID: peer, AwareClock: 1, LastSeenMs: now})
	now += 31_000
	evicted := p.EvictExpired()
	require.Len(t, evicted, 1)
	assert.Equal(t, peer, evicted[0])
	assert.Len(t, p.GetStates(), 0)
}

func TestCursorStateRoundTrip(t *testing.T) {
	raw, err := EncodeCursor(CursorState{DocumentID: "doc-1", Anchor: 3, Head: 7})
	require.NoError(t, err)

	cursor, err := DecodeCursor(raw)
	require.NoError(t, err)
	assert.Equal(t, CursorState{DocumentID: "doc-1", Anchor: 3, Head: 7}, cursor)
}
