// Package crdt implements the five replicated data types SyncKit documents
// are built from: an LWW field register, a Fugue-ordered text sequence, a
// Peritext range-attribute overlay, a PN-Counter, and an OR-Set. Every type
// here is commutative, associative, and idempotent under Merge/ApplyRemote,
// which is what lets the replication engine apply deltas in any order, any
// number of times, and still converge.
package crdt

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
)

// Kind identifies which of the five CRDT engines a Document wraps. The
// registry package uses this to route construction and decoding; it
// replaces the source's dynamic, string-keyed document map with a typed
// sum-type over a fixed, closed set of kinds.
type Kind string

const (
	KindDocument Kind = "document" // LWW field register
	KindText     Kind = "text"     // Fugue sequence, plain
	KindRichText Kind = "richText" // Fugue + Peritext overlay
	KindCounter  Kind = "counter"  // PN-Counter
	KindSet      Kind = "set"      // OR-Set
)

// Sentinel errors surfaced to callers per the taxonomy in 
var (
	ErrUnknownKind      = errors.New("crdt: unknown document kind")
	ErrStaleWrite       = errors.New("crdt: write superseded by a dominating timestamp")
	ErrClockRegression  = errors.New("crdt: vector clock regression detected")
	ErrOriginUnresolved = errors.New("crdt: referenced origin not yet visible locally")
	ErrUnknownOp        = errors.New("crdt: unrecognized delta operation")
)

// Delta is the wire-agnostic unit of replication: one committed mutation
// to one document, carrying everything a remote replica needs to apply it
// idempotently and out of order ("emits a delta").
type Delta struct {
	DocID         string          `json:"docId"`
	Kind          Kind            `json:"kind"`
	Op            string          `json:"op"`
	Payload       json.RawMessage `json:"payload"`
	VectorClock   clock.VectorClock `json:"vectorClock"`
	IssuingClient clock.ClientID  `json:"issuingClient"`
	Timestamp     clock.HybridTimestamp `json:"timestamp"`
}

// Document is the common interface every CRDT engine satisfies once
// wrapped for the replication layer: identity, causal frontier, remote
// application, and (de)serialization for storage and fast resync.
type Document interface {
	ID() string
	Kind() Kind
	Frontier() clock.VectorClock
	MergeFrontier(remote clock.VectorClock)
	ApplyRemote(d Delta) (changed bool, err error)
	Snapshot() (json.RawMessage, error)
	Restore(data json.RawMessage) error
}

// frontier is embedded by every concrete document type; it owns the
// vector clock that tracks what this replica has observed for this
// document, independent of the CRDT payload itself.
type frontier struct {
	vc clock.VectorClock
}

func (f *frontier) Frontier() clock.VectorClock {
	if f.vc == nil {
		return clock.VectorClock{}
	}
	return f.vc.Clone()
}

func (f *frontier) MergeFrontier(remote clock.VectorClock) {
	if f.vc == nil {
		f.vc = remote.Clone()
		return
	}
	f.vc = f.vc.Merge(remote)
}

// CausalMonotonicityError reports an observed regression in a document's
// own frontier — an internal invariant violation (class 5) that
// should never happen in a correct engine but is checked defensively at
// the point ApplyRemote installs a new frontier.
func CausalMonotonicityError(before, after, deltaVC clock.VectorClock) error {
	if !deltaVC.LessEq(after) {
		return errors.Wrapf(ErrClockRegression, "frontier %v does not dominate delta %v", after, deltaVC)
	}
	_ = before
	return nil
}
