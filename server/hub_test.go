package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckit/synckit/awareness"
	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
	"github.com/synckit/synckit/replication"
	"github.com/synckit/synckit/storage"
	"github.com/synckit/synckit/transport"
)

func awarenessEntry(id clock.ClientID, awareClock uint64) awareness.Entry {
	return awareness.Entry{ClientID: id, AwareClock: awareClock}
}

// fakeHandle gives each simulated connection its own ConnectionHandle,
// as two real sockets would have.
type fakeHandle struct{ id string }

func (fakeHandle) Close(reason string) error { return nil }

// fakeConn is an in-process transportSender double: one per accepted
// connection, recording every frame sent to it and letting the test
// drive inbound frames directly.
type fakeConn struct {
	mu      sync.Mutex
	handle  fakeHandle
	sent    []replication.Message
	onMsg   func([]byte)
	onClose func(error)
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{handle: fakeHandle{id: id}}
}

func (f *fakeConn) Send(handle transport.ConnectionHandle, b []byte) error {
	msg, err := replication.Decode(b)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) OnMessage(handle transport.ConnectionHandle, fn func(b []byte)) { f.onMsg = fn }
func (f *fakeConn) OnClose(handle transport.ConnectionHandle, fn func(reason error)) {
	f.onClose = fn
}

func (f *fakeConn) deliver(t *testing.T, msg replication.Message) {
	t.Helper()
	b, err := replication.Encode(msg)
	require.NoError(t, err)
	f.onMsg(b)
}

func (f *fakeConn) last(t *testing.T) replication.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) kinds() []replication.MessageKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]replication.MessageKind, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Kind
	}
	return out
}

func deltaMsg(t *testing.T, docID, opID string, d crdt.Delta) replication.Message {
	t.Helper()
	return replication.Message{Kind: replication.KindDelta, DocID: docID, Delta: replication.DeltaEnvelope{OpID: opID, Delta: d}}
}

func TestKindFromDocID(t *testing.T) {
	assert.Equal(t, crdt.KindText, KindFromDocID("text:room-1"))
	assert.Equal(t, crdt.KindRichText, KindFromDocID("richText:notes"))
	assert.Equal(t, crdt.KindCounter, KindFromDocID("counter:likes"))
	assert.Equal(t, crdt.KindSet, KindFromDocID("set:tags"))
	assert.Equal(t, crdt.KindDocument, KindFromDocID("profile-42"))
	assert.Equal(t, crdt.KindDocument, KindFromDocID("bogus:xyz"))
}

func TestHubSubscribeSendsSyncResponse(t *testing.T) {
	h := New(nil, storage.NewMemory(), nil)
	c := newFakeConn("a")
	h.Accept(c.handle, c, clock.NewClientID())

	c.deliver(t, replication.Message{Kind: replication.KindSubscribe, DocID: "counter:score"})

	msg := c.last(t)
	assert.Equal(t, replication.KindSyncResponse, msg.Kind)
	assert.Equal(t, crdt.KindCounter, msg.SnapshotKind)
	assert.NotNil(t, msg.Snapshot)
}

func TestHubFansOutDeltaToOtherSubscribersOnly(t *testing.T) {
	h := New(nil, storage.NewMemory(), nil)
	a := newFakeConn("a")
	b := newFakeConn("b")
	h.Accept(a.handle, a, clock.NewClientID())
	h.Accept(b.handle, b, clock.NewClientID())

	a.deliver(t, replication.Message{Kind: replication.KindSubscribe, DocID: "counter:score"})
	b.deliver(t, replication.Message{Kind: replication.KindSubscribe, DocID: "counter:score"})

	issuer := clock.NewIssuer(clock.NewClientID(), nil)
	counter := crdt.NewPNCounter("counter:score", issuer)
	delta, err := counter.Increment(1)
	require.NoError(t, err)

	a.deliver(t, deltaMsg(t, "counter:score", "op-1", delta))

	// a gets only its own Ack; b gets the fanned-out Delta.
	assert.Equal(t, []replication.MessageKind{replication.KindSyncResponse, replication.KindAck}, a.kinds())
	bKinds := b.kinds()
	require.Len(t, bKinds, 2)
	assert.Equal(t, replication.KindDelta, bKinds[1])
}

func TestHubPersistsAppliedDeltas(t *testing.T) {
	store := storage.NewMemory()
	h := New(nil, store, nil)
	c := newFakeConn("a")
	h.Accept(c.handle, c, clock.NewClientID())
	c.deliver(t, replication.Message{Kind: replication.KindSubscribe, DocID: "counter:score"})

	issuer := clock.NewIssuer(clock.NewClientID(), nil)
	counter := crdt.NewPNCounter("counter:score", issuer)
	delta, err := counter.Increment(3)
	require.NoError(t, err)
	c.deliver(t, deltaMsg(t, "counter:score", "op-1", delta))

	_, found, err := store.Get(storage.DocKey("counter:score"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestHubRejectsMalformedDeltaWithError(t *testing.T) {
	h := New(nil, storage.NewMemory(), nil)
	c := newFakeConn("a")
	h.Accept(c.handle, c, clock.NewClientID())
	c.deliver(t, replication.Message{Kind: replication.KindSubscribe, DocID: "set:tags"})

	bad := deltaMsg(t, "set:tags", "op-bad", crdt.Delta{DocID: "set:tags", Kind: crdt.KindSet, Op: "not-a-real-op"})
	c.deliver(t, bad)

	kinds := c.kinds()
	assert.Equal(t, replication.KindError, kinds[len(kinds)-1])
}

func TestHubAwarenessSubscribeAndUpdate(t *testing.T) {
	h := New(nil, storage.NewMemory(), nil)
	a := newFakeConn("a")
	b := newFakeConn("b")
	h.Accept(a.handle, a, clock.NewClientID())
	h.Accept(b.handle, b, clock.NewClientID())

	a.deliver(t, replication.Message{Kind: replication.KindAwarenessSubscribe, DocID: "doc-1"})
	b.deliver(t, replication.Message{Kind: replication.KindAwarenessSubscribe, DocID: "doc-1"})

	aID := clock.NewClientID()
	entry := awarenessEntry(aID, 1)
	a.deliver(t, replication.Message{Kind: replication.KindAwarenessUpdate, DocID: "doc-1", Awareness: &entry})

	bKinds := b.kinds()
	require.Len(t, bKinds, 2)
	assert.Equal(t, replication.KindAwarenessState, bKinds[0])
	assert.Equal(t, replication.KindAwarenessUpdate, bKinds[1])
}

func TestHubDisconnectSynthesizesLeave(t *testing.T) {
	h := New(nil, storage.NewMemory(), nil)
	a := newFakeConn("a")
	b := newFakeConn("b")
	aClientID := clock.NewClientID()
	h.Accept(a.handle, a, aClientID)
	h.Accept(b.handle, b, clock.NewClientID())

	a.deliver(t, replication.Message{Kind: replication.KindAwarenessSubscribe, DocID: "doc-1"})
	b.deliver(t, replication.Message{Kind: replication.KindAwarenessSubscribe, DocID: "doc-1"})

	entry := awarenessEntry(aClientID, 1)
	a.deliver(t, replication.Message{Kind: replication.KindAwarenessUpdate, DocID: "doc-1", Awareness: &entry})

	a.onClose(nil)

	bKinds := b.kinds()
	last := bKinds[len(bKinds)-1]
	assert.Equal(t, replication.KindAwarenessUpdate, last)
}
