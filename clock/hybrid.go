package clock

import (
	"fmt"
	"sync"
	"time"
)

// HybridTimestamp is a (wallMs, clientId) pair providing a total,
// deterministic order: lexicographic on (WallMs, ClientID). It backs LWW
// registers and every other place that needs a deterministic tie-break.
type HybridTimestamp struct {
	WallMs   int64
	ClientID ClientID
}

// Less reports whether h sorts strictly before other.
func (h HybridTimestamp) Less(other HybridTimestamp) bool {
	if h.WallMs != other.WallMs {
		return h.WallMs < other.WallMs
	}
	return h.ClientID.Less(other.ClientID)
}

// Dominates reports whether h strictly exceeds other under the total
// order — the exact test the LWW document engine uses before installing a
// field ("install iff the remote strictly exceeds local").
func (h HybridTimestamp) Dominates(other HybridTimestamp) bool {
	return other.Less(h)
}

func (h HybridTimestamp) String() string {
	return fmt.Sprintf("%d@%s", h.WallMs, h.ClientID.String())
}

// WallClock abstracts the source of wall-clock milliseconds so tests can
// inject a deterministic or adversarial (backwards-jumping) source.
type WallClock func() int64

// SystemWallClock reads the real wall clock.
func SystemWallClock() int64 {
	return time.Now().UnixMilli()
}

// Issuer owns one replica's logical clock and hybrid-timestamp issuance.
// It is the sole implementation of causality & identity
// contract: tick, issueTimestamp, and the monotonicity guarantees around
// both.
type Issuer struct {
	mu         sync.Mutex
	clientID   ClientID
	wall       WallClock
	counter    LogicalClock
	lastIssued HybridTimestamp
}

// NewIssuer creates an Issuer for the given replica identity. wall may be
// nil, in which case SystemWallClock is used.
func NewIssuer(id ClientID, wall WallClock) *Issuer {
	if wall == nil {
		wall = SystemWallClock
	}
	return &Issuer{clientID: id, wall: wall}
}

// ClientID returns the owning replica's identifier.
func (iss *Issuer) ClientID() ClientID {
	return iss.clientID
}

// Tick increments and returns the local logical counter. It is invoked
// exactly once per local mutation, before the mutation is applied; no
// suspension may occur between Tick and the subsequent state mutation.
func (iss *Issuer) Tick() LogicalClock {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.counter++
	return iss.counter
}

// IssueTimestamp returns (max(wallMs, lastIssued.WallMs+1), clientId) and
// records the issued value, so per-replica timestamps are monotonic
// non-decreasing even across a backwards jump of the physical clock.
func (iss *Issuer) IssueTimestamp() HybridTimestamp {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	wallMs := iss.wall()
	if wallMs <= iss.lastIssued.WallMs {
		wallMs = iss.lastIssued.WallMs + 1
	}
	ts := HybridTimestamp{WallMs: wallMs, ClientID: iss.clientID}
	iss.lastIssued = ts
	return ts
}

// Counter returns the current logical clock value without incrementing it.
func (iss *Issuer) Counter() LogicalClock {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.counter
}

// ObserveRemote folds a remote logical clock value into the local counter
// so that a subsequent local Tick always produces a value higher than any
// logical clock observed from elsewhere for this same replica id context
// (used when restoring a replica's own prior operations from storage).
func (iss *Issuer) ObserveRemote(seen LogicalClock) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if seen > iss.counter {
		iss.counter = seen
	}
}
