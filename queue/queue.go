// Package queue implements the durable offline-operation log and the
// exponential-backoff reconnect engine of a bounded,
// per-document FIFO of PendingOps that survives disconnects and replays
// in original issuance order on reconnect.
package queue

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
)

// Sentinel errors surfaced per taxonomy.
var (
	// ErrQueueFull is returned at the API boundary when a document's
	// bounded pending-op cap has been reached.
	ErrQueueFull = errors.New("queue: pending-op cap reached")
	ErrNotFound  = errors.New("queue: no such pending op")
)

// PendingOp is the durable record describes: one not-yet-
// acknowledged local delta, persisted before the mutation that produced
// it is acknowledged to the application.
type PendingOp struct {
	OpID             string            `json:"opId"`
	DocumentID       string            `json:"documentId"`
	EncodedDelta     crdt.Delta        `json:"encodedDelta"`
	VectorClockAtIssue clock.VectorClock `json:"vectorClockAtIssue"`
	EnqueuedAtMs     int64             `json:"enqueuedAtMs"`
	Attempts         int               `json:"attempts"`

	// Seq is a per-Queue, strictly monotonic issuance counter assigned by
	// Enqueue and persisted alongside the op. EnqueuedAtMs alone can't
	// break ties between ops enqueued in the same millisecond, and
	// Store.ListPrefix returns its entries in Go's randomized map
	// iteration order, so Seq is what Load uses to restore the original
	// per-document FIFO order after a restart.
	Seq uint64 `json:"seq"`
}

// Store is the durable persistence the queue writes through to before any
// op is considered enqueued — the storage port's `pending/<docId>/<opId>`
// namespace. Defined here (rather than importing the storage
// package) to keep queue free of a dependency on a concrete adapter
// implementation; the storage package's adapters satisfy it directly.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	ListPrefix(prefix string) (map[string][]byte, error)
}

// Key returns the storage key a PendingOp is persisted under.
func Key(docID, opID string) string {
	return "pending/" + docID + "/" + opID
}

// Queue is a bounded, durable, per-document FIFO of PendingOps. One Queue
// instance serves every document for a single replica; ops are kept in
// per-document order but the backing store is shared.
type Queue struct {
	mu       sync.Mutex
	store    Store
	cap      int // per-document cap; 0 means unbounded
	byDoc    map[string][]*PendingOp
	byOpID   map[string]*PendingOp
	rejected map[string]*PendingOp
	nextSeq  uint64
}

// New creates a Queue backed by store with the given per-document
// capacity (0 = unbounded, not recommended per "bounded"
// invariant but permitted for tests).
func New(store Store, cap int) *Queue {
	return &Queue{
		store:    store,
		cap:      cap,
		byDoc:    make(map[string][]*PendingOp),
		byOpID:   make(map[string]*PendingOp),
		rejected: make(map[string]*PendingOp),
	}
}

// Load rehydrates the queue from storage at startup by listing every key
// under the `pending/` namespace, then restores each document's FIFO
// order by (EnqueuedAtMs, Seq) — ListPrefix hands back a map, so the
// iteration order here carries no meaning on its own.
func (q *Queue) Load() error {
	entries, err := q.store.ListPrefix("pending/")
	if err != nil {
		return errors.Wrap(err, "queue: list pending ops")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, raw := range entries {
		var op PendingOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return errors.Wrap(err, "queue: decode pending op")
		}
		stored := op
		q.byDoc[op.DocumentID] = append(q.byDoc[op.DocumentID], &stored)
		q.byOpID[op.OpID] = &stored
		if op.Seq >= q.nextSeq {
			q.nextSeq = op.Seq + 1
		}
	}
	for docID, ops := range q.byDoc {
		sort.Slice(ops, func(i, j int) bool {
			if ops[i].EnqueuedAtMs != ops[j].EnqueuedAtMs {
				return ops[i].EnqueuedAtMs < ops[j].EnqueuedAtMs
			}
			return ops[i].Seq < ops[j].Seq
		})
		q.byDoc[docID] = ops
	}
	return nil
}

// Enqueue persists op before returning, per "durable
// (persisted before the corresponding mutation is acknowledged to the
// application)". If the document's queue is at capacity, the op is
// rejected with ErrQueueFull and nothing is written — already-queued ops
// are unaffected and continue to drain (class 6).
func (q *Queue) Enqueue(op PendingOp) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cap > 0 && len(q.byDoc[op.DocumentID]) >= q.cap {
		return ErrQueueFull
	}

	op.Seq = q.nextSeq
	q.nextSeq++

	raw, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(err, "queue: marshal pending op")
	}
	if err := q.store.Put(Key(op.DocumentID, op.OpID), raw); err != nil {
		return errors.Wrap(err, "queue: persist pending op")
	}

	stored := op
	q.byDoc[op.DocumentID] = append(q.byDoc[op.DocumentID], &stored)
	q.byOpID[op.OpID] = &stored
	return nil
}

// Pending returns the document's pending ops in original issuance order
// (FIFO), the order they must be re-sent in on reconnect.
func (q *Queue) Pending(docID string) []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.byDoc[docID]
	out := make([]PendingOp, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

// MarkAttempt bumps attempts for opID, persisting the updated record —
// used by the reconnect engine when it re-sends a PendingOp so a restart
// mid-flight doesn't lose attempt history.
func (q *Queue) MarkAttempt(opID string) error {
	q.mu.Lock()
	op, ok := q.byOpID[opID]
	if !ok {
		q.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "opId %q", opID)
	}
	op.Attempts++
	cp := *op
	q.mu.Unlock()

	raw, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "queue: marshal pending op")
	}
	return q.store.Put(Key(cp.DocumentID, cp.OpID), raw)
}

// Ack removes opID from the queue (both the in-memory index and durable
// storage), per "On Ack(opId), remove the matching
// PendingOp". Duplicate acks are tolerated as a no-op.
func (q *Queue) Ack(opID string) error {
	q.mu.Lock()
	op, ok := q.byOpID[opID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.byOpID, opID)
	q.byDoc[op.DocumentID] = removeOp(q.byDoc[op.DocumentID], opID)
	docID := op.DocumentID
	q.mu.Unlock()

	return q.store.Delete(Key(docID, opID))
}

// Supersede removes opID because a SyncResponse's server frontier already
// reflects it, without treating it as rejected. Same effect as Ack but
// named separately for log/metric clarity (PendingOp invariant
// (iii): "removed only after the server acknowledges it or a
// sync-response supersedes it").
func (q *Queue) Supersede(opID string) error {
	return q.Ack(opID)
}

// Reject moves opID to the rejected list (authorization/quota failure,
// class 3) instead of retrying it. The op is removed from the
// active per-document FIFO and durable storage, but kept in memory so the
// application can inspect why.
func (q *Queue) Reject(opID string, reason error) (*PendingOp, error) {
	q.mu.Lock()
	op, ok := q.byOpID[opID]
	if !ok {
		q.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "opId %q", opID)
	}
	delete(q.byOpID, opID)
	q.byDoc[op.DocumentID] = removeOp(q.byDoc[op.DocumentID], opID)
	cp := *op
	q.rejected[opID] = &cp
	docID := op.DocumentID
	q.mu.Unlock()

	if err := q.store.Delete(Key(docID, opID)); err != nil {
		return &cp, errors.Wrap(err, "queue: delete rejected op from storage")
	}
	return &cp, nil
}

// Rejected returns the op previously moved aside by Reject, if any.
func (q *Queue) Rejected(opID string) (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.rejected[opID]
	if !ok {
		return PendingOp{}, false
	}
	return *op, true
}

// Depth returns the number of pending ops currently queued for docID.
func (q *Queue) Depth(docID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byDoc[docID])
}

// Documents returns every document id with at least one pending op.
func (q *Queue) Documents() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.byDoc))
	for id, ops := range q.byDoc {
		if len(ops) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func removeOp(ops []*PendingOp, opID string) []*PendingOp {
	out := ops[:0]
	for _, op := range ops {
		if op.OpID != opID {
			out = append(out, op)
		}
	}
	return out
}
