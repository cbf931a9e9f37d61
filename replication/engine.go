package replication

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/crdt"
	"github.com/synckit/synckit/queue"
	"github.com/synckit/synckit/registry"
)

// Sender abstracts the transport port's outgoing side: the
// engine hands it already-encoded bytes and never touches a socket
// itself.
type Sender interface {
	Send(b []byte) error
}

// Notifier is invoked whenever a document's observable state changed as
// a result of one or more applied deltas, so subscribers downstream of
// the engine can re-render. Called at most once per ApplyBatch, and once
// per single ApplyRemote, per the batching supplement in
// type Notifier func(docID string)

// ErrorNotifier is invoked when the application needs to see a class-3
// (authorization) protocol error surfaced.
type ErrorNotifier func(docID, opID string, code, message string)

// Engine drives per-document protocol state machine: local
// mutations are queued and sent when Synced; remote messages update
// document state and the local frontier; disconnect/reconnect transitions
// every tracked document and replays the pending-op log in issuance
// order before new local writes reach the wire.
type Engine struct {
	mu     sync.Mutex
	log    *slog.Logger
	reg    *registry.Registry
	queue  *queue.Queue
	send   Sender
	notify Notifier
	onErr  ErrorNotifier

	states map[string]DocState
	kinds  map[string]crdt.Kind

	// snapshotThreshold is the delta-count threshold above which a
	// server's SyncResponse is expected to prefer a Snapshot over a
	// delta log ; the engine itself only consumes
	// whichever the server sent, it does not request one.
	snapshotThreshold int
}

// New creates an Engine. notify and onErr may be nil.
func New(log *slog.Logger, reg *registry.Registry, q *queue.Queue, send Sender, notify Notifier, onErr ErrorNotifier) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log: log, reg: reg, queue: q, send: send, notify: notify, onErr: onErr,
		states: make(map[string]DocState),
		kinds:  make(map[string]crdt.Kind),
	}
}

func (e *Engine) stateLocked(docID string) DocState {
	if s, ok := e.states[docID]; ok {
		return s
	}
	return NotTracked
}

// Subscribe opens (or reopens) docID at the given kind in the registry
// and sends a Subscribe message, transitioning NotTracked -> Subscribing.
func (e *Engine) Subscribe(docID string, kind crdt.Kind) (crdt.Document, error) {
	doc, err := e.reg.Open(docID, kind)
	if err != nil {
		return nil, err
	}
	if text, isText := doc.(*crdt.FugueText); isText {
		text.OnBufferOverflow(func() {
			if err := e.requestFullSync(docID); err != nil {
				e.log.Warn("replication: requesting full sync after buffer overflow", "doc", docID, "err", err)
			}
		})
	}

	e.mu.Lock()
	next, ok := Transition(e.stateLocked(docID), "subscribe")
	if ok {
		e.states[docID] = next
		e.kinds[docID] = kind
	}
	e.mu.Unlock()

	if !ok {
		return doc, nil // already subscribing/synced: idempotent
	}
	return doc, e.sendMsg(Message{Kind: KindSubscribe, DocID: docID})
}

// Unsubscribe decrements the registry refcount and, if this was the last
// local subscriber, sends Unsubscribe and drops protocol tracking.
func (e *Engine) Unsubscribe(docID string) error {
	if last := e.reg.Close(docID); !last {
		return nil
	}
	e.mu.Lock()
	delete(e.states, docID)
	delete(e.kinds, docID)
	e.mu.Unlock()
	return e.sendMsg(Message{Kind: KindUnsubscribe, DocID: docID})
}

// LocalMutation is called by the host application immediately after a
// CRDT engine method (Set, Insert, Increment, ...) produces a delta: it
// persists a PendingOp durably (before acknowledging the
// mutation to the application) and, if the document is Synced, sends the
// Delta onto the wire right away.
func (e *Engine) LocalMutation(docID, opID string, delta crdt.Delta) error {
	op := queue.PendingOp{
		OpID:               opID,
		DocumentID:         docID,
		EncodedDelta:       delta,
		VectorClockAtIssue: delta.VectorClock,
	}
	if err := e.queue.Enqueue(op); err != nil {
		return err
	}

	e.mu.Lock()
	synced := e.stateLocked(docID) == Synced
	e.mu.Unlock()
	if !synced {
		return nil // queued; will flush on reconnect/resync
	}
	return e.sendDelta(docID, opID, delta)
}

func (e *Engine) sendDelta(docID, opID string, delta crdt.Delta) error {
	return e.sendMsg(Message{Kind: KindDelta, DocID: docID, Delta: DeltaEnvelope{OpID: opID, Delta: delta}})
}

// HandleIncoming dispatches one decoded transport message.
func (e *Engine) HandleIncoming(msg Message) error {
	switch msg.Kind {
	case KindSyncResponse:
		return e.handleSyncResponse(msg)
	case KindDelta:
		return e.handleRemoteDelta(msg)
	case KindAck:
		return e.queue.Ack(msg.OpID)
	case KindError:
		return e.handleError(msg)
	default:
		e.log.Warn("replication: unknown incoming message kind", "kind", msg.Kind)
		return nil
	}
}

// handleSyncResponse applies every delta in a SyncResponse (in the order
// given; correctness doesn't depend on order per ), supersedes
// any PendingOps the server frontier already reflects, transitions the
// document to Synced, and fires exactly one Notifier call for the whole
// batch (the cold-start batching supplement, ).
func (e *Engine) handleSyncResponse(msg Message) error {
	doc, ok := e.reg.Lookup(msg.DocID)
	if !ok {
		return errors.Errorf("replication: SyncResponse for untracked document %q", msg.DocID)
	}

	changed := false
	if msg.Snapshot != nil {
		if err := doc.Restore(msg.Snapshot); err != nil {
			return errors.Wrap(err, "replication: restore snapshot")
		}
		changed = true
	} else if len(msg.Deltas) > 0 {
		c, err := e.applyBatchLocked(msg.DocID, doc, msg.Deltas)
		if err != nil {
			return err
		}
		changed = c
	}

	for _, op := range e.queue.Pending(msg.DocID) {
		if op.VectorClockAtIssue.LessEq(msg.ServerFrontier) {
			_ = e.queue.Supersede(op.OpID)
		}
	}

	e.mu.Lock()
	from := e.stateLocked(msg.DocID)
	next, ok := Transition(from, "syncResponse")
	if ok {
		e.states[msg.DocID] = next
	}
	e.mu.Unlock()

	if changed && e.notify != nil {
		e.notify(msg.DocID)
	}
	return e.flushPending(msg.DocID)
}

func (e *Engine) pendingOpIDs(docID string) []string {
	ops := e.queue.Pending(docID)
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.OpID
	}
	return ids
}

// applyBatchLocked applies deltas to doc without notifying; handleSyncResponse
// uses it so the whole SyncResponse (snapshot or delta log, plus
// supersede bookkeeping) fires exactly one Notifier call.
func (e *Engine) applyBatchLocked(docID string, doc crdt.Document, deltas []DeltaEnvelope) (bool, error) {
	changed := false
	for _, env := range deltas {
		c, err := doc.ApplyRemote(env.Delta)
		if err != nil {
			e.log.Warn("replication: discarding malformed delta in batch", "doc", docID, "err", err)
			continue
		}
		changed = changed || c
	}
	return changed, nil
}

// ApplyBatch applies a batch of remote deltas to docID in one pass and
// fires at most one Notifier call for the whole batch — the cold-start
// batching supplement  exposed standalone for callers
// applying a delta log outside of a SyncResponse, e.g. a paged resync
// cursor.
func (e *Engine) ApplyBatch(docID string, deltas []DeltaEnvelope) (bool, error) {
	doc, ok := e.reg.Lookup(docID)
	if !ok {
		return false, errors.Errorf("replication: ApplyBatch for untracked document %q", docID)
	}
	changed, err := e.applyBatchLocked(docID, doc, deltas)
	if err != nil {
		return changed, err
	}
	if changed && e.notify != nil {
		e.notify(docID)
	}
	return changed, nil
}

// handleRemoteDelta applies a single out-of-band Delta message (not part
// of a SyncResponse) — the steady-state "Synced -remote Delta-> Synced"
// self-loop.
func (e *Engine) handleRemoteDelta(msg Message) error {
	doc, ok := e.reg.Lookup(msg.DocID)
	if !ok {
		return errors.Errorf("replication: Delta for untracked document %q", msg.DocID)
	}
	changed, err := doc.ApplyRemote(msg.Delta.Delta)
	if err != nil {
		e.log.Warn("replication: discarding malformed delta, requesting full sync", "doc", msg.DocID, "err", err)
		return e.requestFullSync(msg.DocID)
	}
	if changed && e.notify != nil {
		e.notify(msg.DocID)
	}
	return nil
}

// handleError processes an Error message per class 3: move the
// op to the rejected list (never retried) and surface it to the
// application; an opId-less Error is a protocol-level complaint logged
// and otherwise ignored.
func (e *Engine) handleError(msg Message) error {
	if msg.OpID == "" {
		e.log.Warn("replication: server error", "code", msg.Code, "message", msg.Message)
		return nil
	}
	op, err := e.queue.Reject(msg.OpID, errors.Errorf("%s: %s", msg.Code, msg.Message))
	if err != nil {
		return err
	}
	if e.onErr != nil {
		e.onErr(op.DocumentID, msg.OpID, msg.Code, msg.Message)
	}
	return nil
}

// requestFullSync sends a SyncRequest carrying the document's current
// frontier — the protocol-error recovery path of class 2.
func (e *Engine) requestFullSync(docID string) error {
	doc, ok := e.reg.Lookup(docID)
	if !ok {
		return nil
	}
	return e.sendMsg(Message{Kind: KindSyncRequest, DocID: docID, VectorClock: doc.Frontier()})
}

// Disconnect transitions every Synced document to Disconnected. The
// pending-op queue is untouched: no data is lost.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for docID, state := range e.states {
		if next, ok := Transition(state, "disconnect"); ok {
			e.states[docID] = next
		}
	}
}

// Reconnect re-subscribes every document that was Synced (now
// Disconnected) before the drop, sends a SyncRequest carrying each
// document's local vector clock, and — once each SyncResponse arrives —
// handleSyncResponse flushes that document's pending-op log in order
// before any new local write reaches the wire ((i)-(iv)).
func (e *Engine) Reconnect() error {
	e.mu.Lock()
	toResync := make([]string, 0, len(e.states))
	for docID, state := range e.states {
		if next, ok := Transition(state, "reconnect"); ok {
			e.states[docID] = next
			toResync = append(toResync, docID)
		}
	}
	e.mu.Unlock()

	for _, docID := range toResync {
		doc, ok := e.reg.Lookup(docID)
		if !ok {
			continue
		}
		if err := e.sendMsg(Message{Kind: KindSubscribe, DocID: docID}); err != nil {
			return err
		}
		if err := e.sendMsg(Message{Kind: KindSyncRequest, DocID: docID, VectorClock: doc.Frontier()}); err != nil {
			return err
		}
	}
	return nil
}

// flushPending re-sends every still-pending op for docID, in FIFO order,
// onto the wire. Called once a SyncResponse has brought the document back
// to Synced — the window described in local writes may still
// be appended to the queue during resync, but nothing new reaches the
// wire ahead of the replayed ops because flushPending runs to completion
// synchronously within handleSyncResponse before any later LocalMutation
// call can observe Synced state... the engine's single-threaded executor
// model makes this ordering guarantee hold without extra
// locking here.
func (e *Engine) flushPending(docID string) error {
	for _, op := range e.queue.Pending(docID) {
		if err := e.queue.MarkAttempt(op.OpID); err != nil {
			return err
		}
		if err := e.sendDelta(docID, op.OpID, op.EncodedDelta); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendMsg(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return errors.Wrap(err, "replication: encode message")
	}
	return e.send.Send(b)
}

// State returns the current protocol state of docID (NotTracked if never
// subscribed).
func (e *Engine) State(docID string) DocState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(docID)
}
