package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckit/synckit/awareness"
	"github.com/synckit/synckit/broadcast"
	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
	"github.com/synckit/synckit/replication"
	"github.com/synckit/synckit/storage"
	"github.com/synckit/synckit/transport"
)

type fakeHandle struct{ id string }

func (fakeHandle) Close(reason string) error { return nil }

// fakeTransport is an in-process transport.Port double: Connect always
// succeeds and Send records the encoded frame; tests drive inbound
// traffic directly via deliver instead of a real socket.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	onMsg   func([]byte)
	onClose func(error)
}

func (f *fakeTransport) Connect(ctx context.Context, serverURL string, creds transport.Credentials) (transport.ConnectionHandle, error) {
	return fakeHandle{id: serverURL}, nil
}

func (f *fakeTransport) Send(handle transport.ConnectionHandle, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) OnMessage(handle transport.ConnectionHandle, fn func(b []byte)) {
	f.onMsg = fn
}

func (f *fakeTransport) OnClose(handle transport.ConnectionHandle, fn func(reason error)) {
	f.onClose = fn
}

func (f *fakeTransport) deliver(t *testing.T, msg replication.Message) {
	t.Helper()
	b, err := replication.Encode(msg)
	require.NoError(t, err)
	f.onMsg(b)
}

func (f *fakeTransport) lastSent(t *testing.T) replication.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	msg, err := replication.Decode(f.sent[len(f.sent)-1])
	require.NoError(t, err)
	return msg
}

func newTestEngine(t *testing.T) (*SyncEngine, *fakeTransport, storage.Store) {
	t.Helper()
	ft := &fakeTransport{}
	hub := broadcast.NewInProcess()
	store := storage.NewMemory()
	eng, err := New(DefaultConfig(), clock.NewClientID(), store, ft, hub.Handle(), nil, slog.Default())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background(), "ws://test", nil))
	return eng, ft, store
}

func TestOpenDocumentSubscribesAndAppliesLocalMutation(t *testing.T) {
	eng, ft, _ := newTestEngine(t)
	doc, err := eng.OpenDocument("doc-1", crdt.KindCounter)
	require.NoError(t, err)
	assert.Equal(t, replication.KindSubscribe, ft.lastSent(t).Kind)

	ft.deliver(t, replication.Message{Kind: replication.KindSyncResponse, DocID: "doc-1"})

	counter := doc.(*crdt.PNCounter)
	delta, err := counter.Increment(1)
	require.NoError(t, err)
	opID, err := eng.ApplyLocal("doc-1", delta)
	require.NoError(t, err)
	assert.NotEmpty(t, opID)
	assert.Equal(t, replication.KindDelta, ft.lastSent(t).Kind)
}

func TestApplyLocalPersistsDocumentSnapshotAndFrontier(t *testing.T) {
	eng, _, store := newTestEngine(t)
	doc, err := eng.OpenDocument("doc-1", crdt.KindCounter)
	require.NoError(t, err)

	counter := doc.(*crdt.PNCounter)
	delta, err := counter.Increment(7)
	require.NoError(t, err)
	_, err = eng.ApplyLocal("doc-1", delta)
	require.NoError(t, err)

	_, ok, err := store.Get(storage.DocKey("doc-1"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Get(storage.FrontierKey("doc-1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyLocalRejectedOnUnopenedDocument(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.ApplyLocal("doc-1", crdt.Delta{})
	assert.Error(t, err)
}

func TestCrossTabBroadcastAppliesSiblingTabsDelta(t *testing.T) {
	hub := broadcast.NewInProcess()
	store := storage.NewMemory()

	engA, err := New(DefaultConfig(), clock.NewClientID(), store, &fakeTransport{}, hub.Handle(), nil, slog.Default())
	require.NoError(t, err)
	require.NoError(t, engA.Start(context.Background(), "ws://a", nil))
	docA, err := engA.OpenDocument("doc-1", crdt.KindCounter)
	require.NoError(t, err)

	engB, err := New(DefaultConfig(), clock.NewClientID(), store, &fakeTransport{}, hub.Handle(), nil, slog.Default())
	require.NoError(t, err)
	require.NoError(t, engB.Start(context.Background(), "ws://b", nil))
	docB, err := engB.OpenDocument("doc-1", crdt.KindCounter)
	require.NoError(t, err)

	var changedDoc string
	engB.OnDocumentChanged(func(docID string) { changedDoc = docID })

	counterA := docA.(*crdt.PNCounter)
	delta, err := counterA.Increment(5)
	require.NoError(t, err)
	_, err = engA.ApplyLocal("doc-1", delta)
	require.NoError(t, err)

	assert.Equal(t, "doc-1", changedDoc)
	counterB := docB.(*crdt.PNCounter)
	assert.Equal(t, int64(5), counterB.Value())
}

func TestAwarenessRoundTrip(t *testing.T) {
	eng, ft, _ := newTestEngine(t)
	_, err := eng.OpenDocument("doc-1", crdt.KindCounter)
	require.NoError(t, err)

	require.NoError(t, eng.SetLocalAwareness("doc-1", map[string]int{"cursor": 3}))
	assert.Equal(t, replication.KindAwarenessUpdate, ft.lastSent(t).Kind)

	remote := clock.NewClientID()
	entry := awareness.Entry{ClientID: remote, AwareClock: 1, State: json.RawMessage(`{"x":1}`), LastSeenMs: time.Now().UnixMilli()}
	ft.deliver(t, replication.Message{Kind: replication.KindAwarenessUpdate, DocID: "doc-1", Awareness: &entry})

	states := eng.AwarenessStates("doc-1")
	assert.Len(t, states, 2)
}

func TestCloseSendsLeaveAwarenessAndClosesConnection(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.OpenDocument("doc-1", crdt.KindCounter)
	require.NoError(t, err)
	require.NoError(t, eng.SetLocalAwareness("doc-1", map[string]int{"cursor": 1}))
	require.Len(t, eng.AwarenessStates("doc-1"), 1)

	require.NoError(t, eng.Close("shutdown"))

	assert.Empty(t, eng.AwarenessStates("doc-1"), "leave update marks the local entry gone")
}

func TestLoadOrCreateClientIDPersistsAcrossCalls(t *testing.T) {
	store := storage.NewMemory()
	first, err := LoadOrCreateClientID(store)
	require.NoError(t, err)

	second, err := LoadOrCreateClientID(store)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
