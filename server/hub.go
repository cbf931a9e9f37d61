// Package server implements the relay side of the replication
// protocol: the counterpart a replica's replication.Engine talks to.
// Rather than routing WebSocket frames directly between sessions
// sharing one in-memory document, Hub routes the full wire vocabulary
// (Subscribe, SyncRequest, Delta, Ack, AwarenessSubscribe,
// AwarenessUpdate, Ping) across any number of documents and the five
// CRDT kinds, applying every inbound delta to a canonical server-side
// document before fanning it out to every other subscriber.
//
// Correctness does not depend on this package: says the core's
// guarantees hold "regardless" of server merge authority, and every
// operation here is the same idempotent, commutative CRDT machinery a
// replica itself runs. Hub exists so cmd/synckitd has something to
// serve.
package server

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/synckit/synckit/awareness"
	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
	"github.com/synckit/synckit/metrics"
	"github.com/synckit/synckit/registry"
	"github.com/synckit/synckit/replication"
	"github.com/synckit/synckit/storage"
	"github.com/synckit/synckit/transport"
)

// transportSender is the subset of transport.Port (or transport.WSServer,
// which doesn't implement Connect) the hub needs to drive one accepted
// connection: send bytes, register the inbound callback, register the
// close callback.
type transportSender interface {
	Send(handle transport.ConnectionHandle, b []byte) error
	OnMessage(handle transport.ConnectionHandle, fn func(b []byte))
	OnClose(handle transport.ConnectionHandle, fn func(reason error))
}

// conn is one accepted replica connection.
type conn struct {
	id       string
	clientID clock.ClientID
	handle   transport.ConnectionHandle
	send     transportSender
	log      *slog.Logger

	mu            sync.Mutex
	docs          map[string]bool // document ids this connection is subscribed to
	awarenessDocs map[string]bool // document ids this connection receives awareness for
}

func (c *conn) sendMsg(m replication.Message) {
	b, err := replication.Encode(m)
	if err != nil {
		c.log.Warn("server: encode outgoing message", "kind", m.Kind, "err", err)
		return
	}
	if err := c.send.Send(c.handle, b); err != nil {
		c.log.Warn("server: send failed", "conn", c.id, "kind", m.Kind, "err", err)
	}
}

// Hub is the central router for every connected replica and every
// document they subscribe to. One Hub serves one synckitd process (or
// one shard of a horizontally scaled fleet, each with its own storage
// and, optionally, a broadcast.Redis instance fanning deltas across
// shards — not wired here, since a single Hub is already the unit this
// package's tests exercise).
type Hub struct {
	log     *slog.Logger
	reg     *registry.Registry
	store   storage.Store
	metrics *metrics.Registry

	mu            sync.Mutex
	conns         map[string]*conn              // connID -> conn
	subscribers   map[string]map[string]*conn   // docID -> connID -> conn
	awarenessSubs map[string]map[string]*conn   // docID -> connID -> conn
	presence      map[string]*awareness.Presence // docID -> aggregate presence
}

// New creates a Hub. log and metricsReg may be nil.
func New(log *slog.Logger, store storage.Store, metricsReg *metrics.Registry) *Hub {
	if log == nil {
		log = slog.Default()
	}
	// The hub's own Issuer identity is never used to tick a local
	// mutation (Hub only ever calls ApplyRemote), so any fixed ClientID
	// serves; NewIssuer still requires one because registry.New threads
	// it through to every document constructor.
	issuer := clock.NewIssuer(clock.NewClientID(), nil)
	return &Hub{
		log:           log,
		reg:           registry.New(issuer),
		store:         store,
		metrics:       metricsReg,
		conns:         make(map[string]*conn),
		subscribers:   make(map[string]map[string]*conn),
		awarenessSubs: make(map[string]map[string]*conn),
		presence:      make(map[string]*awareness.Presence),
	}
}

// Accept registers a newly upgraded connection, wiring its inbound
// message and close callbacks, and returns the connection id assigned.
// clientID identifies the pre-validated principal behind this connection
// (authentication is external to the core; the caller — e.g.
// cmd/synckitd's header parsing — has already resolved it).
func (h *Hub) Accept(handle transport.ConnectionHandle, send transportSender, clientID clock.ClientID) string {
	c := &conn{
		id:            uuid.New().String(),
		clientID:      clientID,
		handle:        handle,
		send:          send,
		log:           h.log,
		docs:          make(map[string]bool),
		awarenessDocs: make(map[string]bool),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	send.OnMessage(handle, func(b []byte) { h.handleMessage(c, b) })
	send.OnClose(handle, func(reason error) { h.handleDisconnect(c, reason) })
	return c.id
}

func (h *Hub) handleMessage(c *conn, b []byte) {
	msg, err := replication.Decode(b)
	if err != nil {
		h.log.Warn("server: discarding malformed wire message", "conn", c.id, "err", err)
		return
	}
	switch msg.Kind {
	case replication.KindSubscribe:
		h.handleSubscribe(c, msg.DocID)
	case replication.KindUnsubscribe:
		h.handleUnsubscribe(c, msg.DocID)
	case replication.KindSyncRequest:
		h.sendSyncResponse(c, msg.DocID)
	case replication.KindDelta:
		h.handleDelta(c, msg)
	case replication.KindAwarenessSubscribe:
		h.handleAwarenessSubscribe(c, msg.DocID)
	case replication.KindAwarenessUpdate:
		h.handleAwarenessUpdate(c, msg)
	case replication.KindPing:
		c.sendMsg(replication.Message{Kind: replication.KindPong})
	case replication.KindPong, replication.KindAck:
		// heartbeat/ack traffic the server doesn't originate meaningfully.
	default:
		h.log.Warn("server: unknown incoming message kind", "conn", c.id, "kind", msg.Kind)
	}
}

// KindFromDocID infers a document's CRDT kind from a "<kind>:<name>"
// docId convention (design note: "a typed implementation
// should use ... documents created via a registry that matches id
// prefix"), defaulting to KindDocument for an unprefixed id so a demo
// client can address plain LWW documents without decorating every id.
func KindFromDocID(docID string) crdt.Kind {
	prefix, _, ok := strings.Cut(docID, ":")
	if !ok {
		return crdt.KindDocument
	}
	switch crdt.Kind(prefix) {
	case crdt.KindText, crdt.KindRichText, crdt.KindCounter, crdt.KindSet:
		return crdt.Kind(prefix)
	default:
		return crdt.KindDocument
	}
}

func (h *Hub) handleSubscribe(c *conn, docID string) {
	doc, err := h.reg.Open(docID, KindFromDocID(docID))
	if err != nil {
		c.sendMsg(replication.Message{Kind: replication.KindError, Code: "bad_subscribe", Message: err.Error()})
		return
	}
	h.restoreFromStorage(doc)

	h.mu.Lock()
	if h.subscribers[docID] == nil {
		h.subscribers[docID] = make(map[string]*conn)
	}
	h.subscribers[docID][c.id] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.docs[docID] = true
	c.mu.Unlock()

	h.sendSyncResponse(c, docID)
}

func (h *Hub) handleUnsubscribe(c *conn, docID string) {
	h.mu.Lock()
	if subs, ok := h.subscribers[docID]; ok {
		delete(subs, c.id)
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.docs, docID)
	c.mu.Unlock()

	h.reg.Close(docID)
}

// sendSyncResponse answers a Subscribe or SyncRequest with the server's
// full current state for docID as a Snapshot delta, rather than
// reconstructing a delta log the hub never retains — strictly simpler
// and, because every CRDT Restore/ApplyRemote is idempotent, exactly as
// correct as replaying individual deltas would be.
func (h *Hub) sendSyncResponse(c *conn, docID string) {
	doc, ok := h.reg.Lookup(docID)
	if !ok {
		c.sendMsg(replication.Message{Kind: replication.KindError, Code: "unknown_document", Message: docID})
		return
	}
	snap, err := doc.Snapshot()
	if err != nil {
		h.log.Warn("server: snapshot document for sync response", "doc", docID, "err", err)
		return
	}
	c.sendMsg(replication.Message{
		Kind:           replication.KindSyncResponse,
		DocID:          docID,
		Snapshot:       snap,
		SnapshotKind:   doc.Kind(),
		ServerFrontier: doc.Frontier(),
	})
}

func (h *Hub) handleDelta(c *conn, msg replication.Message) {
	doc, ok := h.reg.Lookup(msg.DocID)
	if !ok {
		c.sendMsg(replication.Message{Kind: replication.KindError, OpID: msg.Delta.OpID, Code: "unknown_document", Message: msg.DocID})
		return
	}

	_, err := doc.ApplyRemote(msg.Delta.Delta)
	if err != nil {
		h.log.Warn("server: discarding malformed delta", "doc", msg.DocID, "op", msg.Delta.OpID, "err", err)
		if h.metrics != nil {
			h.metrics.DeltasDiscarded.WithLabelValues(string(doc.Kind())).Inc()
		}
		c.sendMsg(replication.Message{Kind: replication.KindError, OpID: msg.Delta.OpID, Code: "protocol", Message: err.Error()})
		return
	}

	h.persist(doc)
	if h.metrics != nil {
		h.metrics.DeltasApplied.WithLabelValues(string(doc.Kind())).Inc()
	}
	c.sendMsg(replication.Message{Kind: replication.KindAck, OpID: msg.Delta.OpID})
	h.broadcastDelta(msg.DocID, c.id, msg)
}

// broadcastDelta fans msg out to every subscriber of docID except the
// originating connection ("server fan-out"). Per-replica
// issuance order is preserved because each connection's reads are
// serialized by its own transport read loop and broadcastDelta is
// called synchronously from that loop.
func (h *Hub) broadcastDelta(docID, originConnID string, msg replication.Message) {
	h.mu.Lock()
	subs := h.subscribers[docID]
	targets := make([]*conn, 0, len(subs))
	for id, c := range subs {
		if id == originConnID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.sendMsg(msg)
	}
}

func (h *Hub) handleAwarenessSubscribe(c *conn, docID string) {
	h.mu.Lock()
	if h.awarenessSubs[docID] == nil {
		h.awarenessSubs[docID] = make(map[string]*conn)
	}
	h.awarenessSubs[docID][c.id] = c
	p := h.presenceForLocked(docID)
	h.mu.Unlock()

	c.mu.Lock()
	c.awarenessDocs[docID] = true
	c.mu.Unlock()

	c.sendMsg(replication.Message{Kind: replication.KindAwarenessState, DocID: docID, AwarenessEntries: p.GetStates()})
}

func (h *Hub) handleAwarenessUpdate(c *conn, msg replication.Message) {
	if msg.Awareness == nil {
		return
	}
	h.mu.Lock()
	p := h.presenceForLocked(msg.DocID)
	h.mu.Unlock()

	if !p.ApplyUpdate(*msg.Awareness) {
		return // stale clock; drop silently
	}
	if h.metrics != nil {
		h.metrics.AwarenessEntries.WithLabelValues(msg.DocID).Set(float64(len(p.GetStates())))
	}
	h.broadcastAwareness(msg.DocID, c.id, msg)
}

func (h *Hub) broadcastAwareness(docID, originConnID string, msg replication.Message) {
	h.mu.Lock()
	subs := h.awarenessSubs[docID]
	targets := make([]*conn, 0, len(subs))
	for id, c := range subs {
		if id == originConnID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.sendMsg(msg)
	}
}

func (h *Hub) presenceForLocked(docID string) *awareness.Presence {
	p, ok := h.presence[docID]
	if !ok {
		p = awareness.New(clock.ClientID{}, nil, 0) // TTL 0: entries never expire here; they end only by a leave update or a disconnect
		h.presence[docID] = p
	}
	return p
}

func (h *Hub) handleDisconnect(c *conn, reason error) {
	h.log.Info("server: connection closed", "conn", c.id, "reason", reason)

	c.mu.Lock()
	docIDs := make([]string, 0, len(c.docs))
	for id := range c.docs {
		docIDs = append(docIDs, id)
	}
	awareIDs := make(map[string]bool, len(c.docs)+len(c.awarenessDocs))
	for id := range c.docs {
		awareIDs[id] = true
	}
	for id := range c.awarenessDocs {
		awareIDs[id] = true
	}
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.conns, c.id)
	for _, docID := range docIDs {
		if subs, ok := h.subscribers[docID]; ok {
			delete(subs, c.id)
		}
	}
	for docID := range awareIDs {
		if subs, ok := h.awarenessSubs[docID]; ok {
			delete(subs, c.id)
		}
	}
	h.mu.Unlock()

	for _, docID := range docIDs {
		h.reg.Close(docID)
	}
	for docID := range awareIDs {
		h.synthesizeLeave(docID, c.id, c.clientID)
	}
}

// synthesizeLeave emits a leave AwarenessUpdate for clientID on docID,
// per "On transport disconnect the server synthesises leave
// updates for that replica to peers."
func (h *Hub) synthesizeLeave(docID, originConnID string, clientID clock.ClientID) {
	h.mu.Lock()
	p, ok := h.presence[docID]
	h.mu.Unlock()
	if !ok {
		return
	}
	leave, had := p.OnDisconnect(clientID)
	if !had {
		return
	}
	h.broadcastAwareness(docID, originConnID, replication.Message{Kind: replication.KindAwarenessUpdate, DocID: docID, Awareness: &leave})
}

func (h *Hub) restoreFromStorage(doc crdt.Document) {
	if h.store == nil {
		return
	}
	raw, found, err := h.store.Get(storage.DocKey(doc.ID()))
	if err != nil || !found {
		return
	}
	if err := doc.Restore(raw); err != nil {
		h.log.Warn("server: restoring document from storage", "doc", doc.ID(), "err", errors.Cause(err))
	}
}

func (h *Hub) persist(doc crdt.Document) {
	if h.store == nil {
		return
	}
	snap, err := doc.Snapshot()
	if err != nil {
		h.log.Warn("server: snapshot document for persistence", "doc", doc.ID(), "err", err)
		return
	}
	if err := h.store.Put(storage.DocKey(doc.ID()), snap); err != nil {
		h.log.Warn("server: persist document snapshot", "doc", doc.ID(), "err", err)
		return
	}
	frontier, err := json.Marshal(doc.Frontier())
	if err != nil {
		return
	}
	if err := h.store.Put(storage.FrontierKey(doc.ID()), frontier); err != nil {
		h.log.Warn("server: persist document frontier", "doc", doc.ID(), "err", err)
	}
}

// ConnectionCount reports the number of currently accepted connections,
// for health/metrics endpoints.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
