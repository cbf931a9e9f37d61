// Package awareness implements the ephemeral presence protocol:
// per-replica state synchronized outside the CRDT storage path, ordered
// by a logical clock (not wall time) so clock skew never causes
// flapping, and expired on TTL or explicit leave.
package awareness

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/synckit/synckit/clock"
)

// LeaveClock is the sentinel clock value a leave update carries; any
// regular update's clock is always strictly less than this, so a leave
// always wins over whatever state preceded it for that replica, and an
// awareness clock can never roll past it.
const LeaveClock = ^uint64(0)

// Entry is one replica's ephemeral presence record (
// "AwarenessEntry").
type Entry struct {
	ClientID   clock.ClientID  `json:"clientId"`
	State      json.RawMessage `json:"state"`
	AwareClock uint64          `json:"clock"`
	LastSeenMs int64           `json:"lastSeenMs"`
}

func (e Entry) gone() bool { return e.AwareClock == LeaveClock }

// CursorState is a typed convenience payload for the common pattern of
// piggybacking cursor/selection position on awareness state rather than
// leaving the shape purely to application convention.
type CursorState struct {
	DocumentID string `json:"documentId"`
	Anchor     int    `json:"anchor"`
	Head       int    `json:"head"`
}

// EncodeCursor marshals a CursorState for embedding as an Entry.State
// value under an application-chosen key (e.g. {"cursor": ...} alongside
// other presence fields); callers compose the full state map themselves.
func EncodeCursor(c CursorState) (json.RawMessage, error) {
	return json.Marshal(c)
}

// DecodeCursor unmarshals a value previously produced by EncodeCursor.
func DecodeCursor(raw json.RawMessage) (CursorState, error) {
	var c CursorState
	err := json.Unmarshal(raw, &c)
	return c, err
}

// Clock abstracts wall-time for TTL eviction so tests can control it.
type Clock func() int64

// Presence tracks every known replica's Entry for one document. It is
// per-replica single-writer on its own slot ("concurrent
// updates from different replicas never conflict because each replica
// owns its slot").
type Presence struct {
	mu       sync.RWMutex
	self     clock.ClientID
	now      Clock
	ttl      time.Duration
	entries  map[clock.ClientID]Entry
	localClk uint64
}

// New creates a Presence tracker for the local replica self. now may be
// nil (defaults to time.Now in ms). ttl is the eviction horizon (30-120s).
func New(self clock.ClientID, now Clock, ttl time.Duration) *Presence {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Presence{self: self, now: now, ttl: ttl, entries: make(map[clock.ClientID]Entry)}
}

// SetLocalState records a new local state, increments the local
// awareness clock, and returns the Entry to broadcast.
func (p *Presence) SetLocalState(state any) (Entry, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return Entry{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localClk++
	entry := Entry{ClientID: p.self, State: raw, AwareClock: p.localClk, LastSeenMs: p.now()}
	p.entries[p.self] = entry
	return entry, nil
}

// CreateLeaveUpdate returns an update with the sentinel "gone" clock, to
// be sent on clean shutdown.
func (p *Presence) CreateLeaveUpdate() Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := Entry{ClientID: p.self, AwareClock: LeaveClock, LastSeenMs: p.now()}
	p.entries[p.self] = entry
	return entry
}

// ApplyUpdate installs entry iff entry.AwareClock strictly exceeds the
// locally known clock for that ClientID; otherwise it is discarded as
// stale, per Returns whether the entry was installed.
func (p *Presence) ApplyUpdate(entry Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, had := p.entries[entry.ClientID]
	if had && entry.AwareClock <= existing.AwareClock {
		return false
	}
	p.entries[entry.ClientID] = entry
	return true
}

// GetStates returns every non-expired, non-gone entry.
func (p *Presence) GetStates() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.now()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.gone() {
			continue
		}
		if p.ttl > 0 && now-e.LastSeenMs > p.ttl.Milliseconds() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// EvictExpired removes every entry whose LastSeenMs is beyond the TTL
// horizon (server-side responsibility per "entries with stale
// lastSeenMs beyond a TTL are evicted server-side and removal
// broadcast"), returning the ClientIDs evicted so the caller can
// broadcast synthetic leave updates for them.
func (p *Presence) EvictExpired() []clock.ClientID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ttl <= 0 {
		return nil
	}
	now := p.now()
	var evicted []clock.ClientID
	for id, e := range p.entries {
		if e.gone() {
			continue
		}
		if now-e.LastSeenMs > p.ttl.Milliseconds() {
			evicted = append(evicted, id)
			delete(p.entries, id)
		}
	}
	return evicted
}

// Touch refreshes LastSeenMs for clientID without changing its clock or
// state — used when a heartbeat ("emits heartbeats well under
// the TTL") confirms liveness without a state change.
func (p *Presence) Touch(clientID clock.ClientID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[clientID]; ok {
		e.LastSeenMs = p.now()
		p.entries[clientID] = e
	}
}

// OnDisconnect synthesizes a leave update for clientID's entry (reporting
// false if it has none or has already left) when the transport connection
// for that remote peer drops server-side ("On transport disconnect the server
// synthesises leave updates for that replica to peers").
func (p *Presence) OnDisconnect(clientID clock.ClientID) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, had := p.entries[clientID]
	if !had || existing.gone() {
		return Entry{}, false
	}
	leave := Entry{ClientID: clientID, AwareClock: LeaveClock, LastSeenMs: p.now()}
	p.entries[clientID] = leave
	return leave, true
}
