// Package engine assembles the registry, replication, queue, awareness,
// broadcast, storage, transport, and metrics packages into one
// SyncEngine per replica: a single-threaded cooperative executor.
// Rather than routing WebSocket frames directly to a single in-memory
// document, SyncEngine routes them through the full causal/offline/
// cross-tab pipeline this module implements.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/synckit/synckit/awareness"
	"github.com/synckit/synckit/broadcast"
	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
	"github.com/synckit/synckit/metrics"
	"github.com/synckit/synckit/queue"
	"github.com/synckit/synckit/registry"
	"github.com/synckit/synckit/replication"
	"github.com/synckit/synckit/storage"
	"github.com/synckit/synckit/transport"
)

// SyncEngine is the single per-replica coordinator. Every exported
// method runs synchronously on the caller's goroutine, touching shared
// state only under mu — there is no internal scheduler or goroutine pool
// of its own. This mirrors "single-threaded cooperative
// executor": the host (a test, or a future UI binding)
// supplies the event loop that calls into SyncEngine; the engine
// supplies the ordering guarantees once it's called.
type SyncEngine struct {
	mu       sync.Mutex
	log      *slog.Logger
	cfg      Config
	clientID clock.ClientID
	issuer   *clock.Issuer

	store   storage.Store
	reg     *registry.Registry
	queue   *queue.Queue
	repl    *replication.Engine
	metrics *metrics.Registry

	transportPort transport.Port
	conn          transport.ConnectionHandle
	reconnector   *queue.Reconnector

	broadcastPort  broadcast.Port
	dedup          *broadcast.Dedup
	broadcastUnsub map[string]func()

	presence map[string]*awareness.Presence

	onDocChanged func(docID string)
	onAwareness  func(docID string, entries []awareness.Entry)
	onRejected   func(docID, opID, code, message string)
}

// New assembles a SyncEngine from its ports. transportPort and
// broadcastPort are caller-supplied so tests can use in-memory adapters
// and a networked host can use the gorilla/websocket and Redis ones; store
// is likewise whichever of storage.Memory / storage.BuntStore the host
// chose. metricsReg and log may be nil.
func New(cfg Config, clientID clock.ClientID, store storage.Store, transportPort transport.Port, broadcastPort broadcast.Port, metricsReg *metrics.Registry, log *slog.Logger) (*SyncEngine, error) {
	if log == nil {
		log = slog.Default()
	}
	issuer := clock.NewIssuer(clientID, nil)
	reg := registry.New(issuer)
	q := queue.New(store, cfg.QueueCap)

	dedup, err := broadcast.NewDedup(broadcastPort, clientID, cfg.FingerprintLRUSize)
	if err != nil {
		return nil, err
	}

	e := &SyncEngine{
		log: log, cfg: cfg, clientID: clientID, issuer: issuer,
		store: store, reg: reg, queue: q, metrics: metricsReg,
		transportPort:  transportPort,
		reconnector:    queue.NewReconnector(cfg.Backoff, nil),
		broadcastPort:  broadcastPort,
		dedup:          dedup,
		broadcastUnsub: make(map[string]func()),
		presence:       make(map[string]*awareness.Presence),
	}
	e.repl = replication.New(log, reg, q, wireSender{e}, e.handleDocChanged, e.handleRejected)
	return e, nil
}

// ClientID returns this replica's identity.
func (e *SyncEngine) ClientID() clock.ClientID { return e.clientID }

// Registry exposes the underlying document registry for callers that
// need to invoke CRDT mutator methods directly (Set, Insert, Increment,
// ...) before routing the resulting Delta through ApplyLocal.
func (e *SyncEngine) Registry() *registry.Registry { return e.reg }

// Metrics exposes the Prometheus registry bundle, or nil if none was
// supplied to New.
func (e *SyncEngine) Metrics() *metrics.Registry { return e.metrics }

// LoadOrCreateClientID loads the replica identity persisted under
// storage's fixed meta/clientId key, creating and persisting a
// new one on first run.
func LoadOrCreateClientID(store storage.Store) (clock.ClientID, error) {
	raw, ok, err := store.Get(storage.ClientIDKey)
	if err != nil {
		return clock.ClientID{}, errors.Wrap(err, "engine: load client id")
	}
	if ok {
		var id clock.ClientID
		if err := id.UnmarshalText(raw); err != nil {
			return clock.ClientID{}, errors.Wrap(err, "engine: decode client id")
		}
		return id, nil
	}
	id := clock.NewClientID()
	text, err := id.MarshalText()
	if err != nil {
		return clock.ClientID{}, errors.Wrap(err, "engine: encode client id")
	}
	if err := store.Put(storage.ClientIDKey, text); err != nil {
		return clock.ClientID{}, errors.Wrap(err, "engine: persist client id")
	}
	return id, nil
}

// wireSender adapts SyncEngine to replication.Sender, routing outgoing
// protocol messages onto whatever transport connection is currently
// live.
type wireSender struct{ e *SyncEngine }

func (w wireSender) Send(b []byte) error {
	w.e.mu.Lock()
	conn, port := w.e.conn, w.e.transportPort
	w.e.mu.Unlock()
	if conn == nil {
		return errors.New("engine: send attempted while disconnected")
	}
	return port.Send(conn, b)
}

// Start loads the durable pending-op queue from storage and performs the
// initial transport connect, wiring OnMessage/OnClose before returning
// so no inbound frame can be missed between connect and registration.
func (e *SyncEngine) Start(ctx context.Context, serverURL string, creds transport.Credentials) error {
	if err := e.queue.Load(); err != nil {
		return err
	}
	return e.connect(ctx, serverURL, creds)
}

func (e *SyncEngine) connect(ctx context.Context, serverURL string, creds transport.Credentials) error {
	conn, err := e.transportPort.Connect(ctx, serverURL, creds)
	if err != nil {
		return errors.Wrap(err, "engine: connect")
	}
	e.transportPort.OnMessage(conn, e.handleWireMessage)
	e.transportPort.OnClose(conn, e.handleDisconnect)

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	e.reconnector.Reset()
	// Re-subscribes any document left Disconnected by a prior drop; a
	// no-op on the very first connect, since nothing is tracked yet.
	return e.repl.Reconnect()
}

func (e *SyncEngine) handleDisconnect(reason error) {
	e.log.Warn("engine: transport connection closed", "reason", reason)
	e.repl.Disconnect()
	e.mu.Lock()
	e.conn = nil
	e.mu.Unlock()
}

// ReconnectLoop blocks, retrying connect with the configured exponential
// backoff, until a connection succeeds or ctx is cancelled. The host
// spawns this once Start's connection (or a previous ReconnectLoop call)
// has dropped, per "Disconnected -reconnect-> Resyncing"
// transition.
func (e *SyncEngine) ReconnectLoop(ctx context.Context, serverURL string, creds transport.Credentials) error {
	for {
		if err := e.reconnector.Wait(ctx); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.ReconnectAttempts.Inc()
		}
		if err := e.connect(ctx, serverURL, creds); err != nil {
			e.log.Warn("engine: reconnect attempt failed", "attempt", e.reconnector.Attempt(), "err", err)
			continue
		}
		return nil
	}
}

// handleWireMessage decodes one inbound transport frame and routes it:
// awareness and heartbeat kinds are handled here (outside the
// replication package's document-protocol state machine), everything
// else goes to the replication engine.
func (e *SyncEngine) handleWireMessage(b []byte) {
	msg, err := replication.Decode(b)
	if err != nil {
		e.log.Warn("engine: discarding malformed wire message", "err", err)
		return
	}
	switch msg.Kind {
	case replication.KindAwarenessUpdate:
		e.handleAwarenessUpdate(msg)
	case replication.KindAwarenessState:
		e.handleAwarenessState(msg)
	case replication.KindPing:
		e.sendPong()
	case replication.KindPong:
		// heartbeat ack; liveness only, nothing further to do.
	default:
		if err := e.repl.HandleIncoming(msg); err != nil {
			e.log.Warn("engine: handling incoming message", "kind", msg.Kind, "err", err)
		}
	}
}

func (e *SyncEngine) sendPong() {
	b, err := replication.Encode(replication.Message{Kind: replication.KindPong})
	if err != nil {
		return
	}
	if err := (wireSender{e}).Send(b); err != nil {
		e.log.Warn("engine: sending pong", "err", err)
	}
}

// SendHeartbeat sends a Ping on an idle connection (
// "heartbeats on an idle interval (~30s)"). The host is responsible for
// calling this on its own timer — HeartbeatInterval in Config documents
// the recommended cadence but the engine runs no timers itself.
func (e *SyncEngine) SendHeartbeat() error {
	b, err := replication.Encode(replication.Message{Kind: replication.KindPing})
	if err != nil {
		return errors.Wrap(err, "engine: encode ping")
	}
	return (wireSender{e}).Send(b)
}

// OnDocumentChanged registers fn to be called whenever a document's
// observable state changes as a result of a remote delta, a sync
// response, or a cross-tab notice.
func (e *SyncEngine) OnDocumentChanged(fn func(docID string)) { e.onDocChanged = fn }

// OnAwareness registers fn to be called whenever a document's awareness
// entry set changes.
func (e *SyncEngine) OnAwareness(fn func(docID string, entries []awareness.Entry)) {
	e.onAwareness = fn
}

// OnRejected registers fn to be called when the server rejects a
// PendingOp (class 3: authorization/quota, never retried).
func (e *SyncEngine) OnRejected(fn func(docID, opID, code, message string)) { e.onRejected = fn }

// OpenDocument subscribes docID at kind (creating it in the registry if
// new) and begins consuming its cross-tab broadcast channel, so sibling
// tabs' local writes reach this replica without a round trip through the
// server.
func (e *SyncEngine) OpenDocument(docID string, kind crdt.Kind) (crdt.Document, error) {
	doc, err := e.repl.Subscribe(docID, kind)
	if err != nil {
		return nil, err
	}

	channel := e.broadcastChannel(docID)
	unsub, err := e.dedup.Subscribe(channel, e.handleBroadcastNotice)
	if err != nil {
		return nil, errors.Wrap(err, "engine: subscribe broadcast channel")
	}
	e.mu.Lock()
	e.broadcastUnsub[docID] = unsub
	e.mu.Unlock()
	return doc, nil
}

// CloseDocument decrements the registry refcount for docID and, once the
// last local subscriber has detached, unsubscribes from the server and
// the cross-tab channel.
func (e *SyncEngine) CloseDocument(docID string) error {
	err := e.repl.Unsubscribe(docID)
	if e.reg.RefCount(docID) > 0 {
		return err
	}
	e.mu.Lock()
	if unsub, ok := e.broadcastUnsub[docID]; ok {
		unsub()
		delete(e.broadcastUnsub, docID)
	}
	e.mu.Unlock()
	return err
}

func (e *SyncEngine) broadcastChannel(docID string) string {
	return e.cfg.BroadcastChannelPrefix + docID
}

// ApplyLocal routes a Delta just produced by a local CRDT mutation: the
// host calls a mutator method on the Document returned by OpenDocument
// (Set, Insert, Increment, Format, ...), then passes the resulting Delta
// here. ApplyLocal persists the document's new snapshot and frontier and
// enqueues a durable PendingOp before returning — persisted before the
// corresponding mutation is acknowledged to the application — sends it
// immediately if the document is Synced, and fans it out to sibling
// tabs.
func (e *SyncEngine) ApplyLocal(docID string, delta crdt.Delta) (opID string, err error) {
	doc, ok := e.reg.Lookup(docID)
	if !ok {
		return "", errors.Errorf("engine: ApplyLocal for unopened document %q", docID)
	}

	if err := e.persistDocument(doc); err != nil {
		return "", err
	}

	opID = uuid.New().String()
	if err := e.repl.LocalMutation(docID, opID, delta); err != nil {
		if errors.Is(err, queue.ErrQueueFull) && e.metrics != nil {
			e.metrics.QueueOverflow.WithLabelValues(docID).Inc()
		}
		return "", err
	}
	if e.metrics != nil {
		e.metrics.QueueDepth.WithLabelValues(docID).Set(float64(e.queue.Depth(docID)))
	}
	if err := e.dedup.PublishLocal(e.broadcastChannel(docID), docID, opID); err != nil {
		e.log.Warn("engine: cross-tab publish failed", "doc", docID, "err", err)
	}
	return opID, nil
}

func (e *SyncEngine) persistDocument(doc crdt.Document) error {
	snap, err := doc.Snapshot()
	if err != nil {
		return errors.Wrap(err, "engine: snapshot document")
	}
	if err := e.store.Put(storage.DocKey(doc.ID()), snap); err != nil {
		return errors.Wrap(err, "engine: persist document snapshot")
	}
	frontier, err := json.Marshal(doc.Frontier())
	if err != nil {
		return errors.Wrap(err, "engine: marshal frontier")
	}
	return e.store.Put(storage.FrontierKey(doc.ID()), frontier)
}

// handleDocChanged is the replication.Notifier: fired after a remote
// delta, a batched SyncResponse, or a snapshot restore changed a
// document's observable state.
func (e *SyncEngine) handleDocChanged(docID string) {
	if doc, ok := e.reg.Lookup(docID); ok {
		if err := e.persistDocument(doc); err != nil {
			e.log.Warn("engine: persisting document after remote change", "doc", docID, "err", err)
		}
		if e.metrics != nil {
			e.metrics.DeltasApplied.WithLabelValues(string(doc.Kind())).Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.QueueDepth.WithLabelValues(docID).Set(float64(e.queue.Depth(docID)))
	}
	if e.onDocChanged != nil {
		e.onDocChanged(docID)
	}
}

func (e *SyncEngine) handleRejected(docID, opID, code, message string) {
	e.log.Warn("engine: pending op rejected", "doc", docID, "op", opID, "code", code, "message", message)
	if e.onRejected != nil {
		e.onRejected(docID, opID, code, message)
	}
}

// handleBroadcastNotice applies a sibling tab's committed delta: it
// looks the delta up in the still-pending-op storage namespace by opId
// and applies it directly, or — if the op is no longer pending (already
// acked and GC'd on the origin tab, or the notice represents a batched
// change) — re-reads the document's persisted snapshot wholesale, per
// "load the delta from storage by opId (or re-read the
// document state if the delta is not found)".
func (e *SyncEngine) handleBroadcastNotice(n broadcast.Notice) {
	doc, ok := e.reg.Lookup(n.DocID)
	if !ok {
		return // not open in this tab; nothing to apply
	}

	raw, found, err := e.store.Get(storage.PendingKey(n.DocID, n.Fingerprint.OpID))
	if err == nil && found {
		var op queue.PendingOp
		if err := json.Unmarshal(raw, &op); err == nil {
			changed, applyErr := doc.ApplyRemote(op.EncodedDelta)
			if applyErr != nil {
				e.log.Warn("engine: applying cross-tab delta", "doc", n.DocID, "err", applyErr)
				return
			}
			if changed && e.onDocChanged != nil {
				e.onDocChanged(n.DocID)
			}
			return
		}
	}

	raw, found, err = e.store.Get(storage.DocKey(n.DocID))
	if err != nil || !found {
		return
	}
	if err := doc.Restore(raw); err != nil {
		e.log.Warn("engine: restoring document from cross-tab notice", "doc", n.DocID, "err", err)
		return
	}
	if e.onDocChanged != nil {
		e.onDocChanged(n.DocID)
	}
}

// SetLocalAwareness records a new local presence state for docID and
// broadcasts it on the wire (setLocalState).
func (e *SyncEngine) SetLocalAwareness(docID string, state any) error {
	entry, err := e.presenceFor(docID).SetLocalState(state)
	if err != nil {
		return err
	}
	return e.sendAwarenessUpdate(docID, entry)
}

// LeaveAwareness broadcasts the sentinel leave update for docID createLeaveUpdate, called on clean document close or shutdown.
func (e *SyncEngine) LeaveAwareness(docID string) error {
	entry := e.presenceFor(docID).CreateLeaveUpdate()
	return e.sendAwarenessUpdate(docID, entry)
}

func (e *SyncEngine) sendAwarenessUpdate(docID string, entry awareness.Entry) error {
	b, err := replication.Encode(replication.Message{Kind: replication.KindAwarenessUpdate, DocID: docID, Awareness: &entry})
	if err != nil {
		return errors.Wrap(err, "engine: encode awareness update")
	}
	return (wireSender{e}).Send(b)
}

// AwarenessStates returns every non-expired presence entry for docID.
func (e *SyncEngine) AwarenessStates(docID string) []awareness.Entry {
	return e.presenceFor(docID).GetStates()
}

// EvictExpiredAwareness removes presence entries past their TTL for
// docID and reports which ClientIDs were evicted, so the host can
// broadcast synthetic leave updates for them.
func (e *SyncEngine) EvictExpiredAwareness(docID string) []clock.ClientID {
	evicted := e.presenceFor(docID).EvictExpired()
	if e.metrics != nil && len(evicted) > 0 {
		e.metrics.AwarenessEvicted.WithLabelValues(docID).Add(float64(len(evicted)))
	}
	return evicted
}

func (e *SyncEngine) presenceFor(docID string) *awareness.Presence {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.presence[docID]
	if !ok {
		p = awareness.New(e.clientID, nil, e.cfg.AwarenessTTL)
		e.presence[docID] = p
	}
	return p
}

// Close tears the engine down: sends a leave awareness update for every
// still-open document, unsubscribes every cross-tab broadcast handle,
// and closes the transport connection. The pending-op queue is left as
// it is in storage — "closing the engine cancels all outstanding
// retries and drains the queue to storage; no op is lost, but none are
// sent".
func (e *SyncEngine) Close(reason string) error {
	for _, docID := range e.reg.IDs() {
		if err := e.LeaveAwareness(docID); err != nil {
			e.log.Warn("engine: sending leave awareness on close", "doc", docID, "err", err)
		}
	}

	e.mu.Lock()
	for docID, unsub := range e.broadcastUnsub {
		unsub()
		delete(e.broadcastUnsub, docID)
	}
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		return conn.Close(reason)
	}
	return nil
}
