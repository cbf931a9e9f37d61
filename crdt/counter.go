package crdt

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
)

// CounterDeltaPayload carries one replica's current positive/negative
// totals — a PN-Counter delta is simply "here is what I know about
// myself", which merges by pointwise max exactly like the full state
// would.
type CounterDeltaPayload struct {
	ClientID clock.ClientID `json:"clientId"`
	Positive uint64         `json:"positive"`
	Negative uint64         `json:"negative"`
}

// PNCounter is a convergent counter supporting increment and decrement
// without coordination: two per-replica monotone maps whose difference is
// the observed value.
type PNCounter struct {
	frontier
	mu       sync.RWMutex
	id       string
	issuer   *clock.Issuer
	positive map[clock.ClientID]uint64
	negative map[clock.ClientID]uint64
}

// NewPNCounter creates a zeroed PN-Counter.
func NewPNCounter(id string, issuer *clock.Issuer) *PNCounter {
	return &PNCounter{
		id:       id,
		issuer:   issuer,
		positive: make(map[clock.ClientID]uint64),
		negative: make(map[clock.ClientID]uint64),
	}
}

func (c *PNCounter) ID() string { return c.id }
func (c *PNCounter) Kind() Kind { return KindCounter }

// Increment adds n to this replica's positive total and emits a delta.
func (c *PNCounter) Increment(n uint64) (Delta, error) {
	return c.adjust(n, true)
}

// Decrement adds n to this replica's negative total and emits a delta.
func (c *PNCounter) Decrement(n uint64) (Delta, error) {
	return c.adjust(n, false)
}

func (c *PNCounter) adjust(n uint64, positive bool) (Delta, error) {
	ts := c.issuer.IssueTimestamp()
	c.mu.Lock()
	defer c.mu.Unlock()
	self := c.issuer.ClientID()
	if positive {
		c.positive[self] += n
	} else {
		c.negative[self] += n
	}

	next, _ := c.vc.Tick(self)
	c.vc = next

	payload, err := json.Marshal(CounterDeltaPayload{ClientID: self, Positive: c.positive[self], Negative: c.negative[self]})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal counter delta")
	}
	op := "counter.increment"
	if !positive {
		op = "counter.decrement"
	}
	return Delta{
		DocID: c.id, Kind: KindCounter, Op: op, Payload: payload,
		VectorClock: c.vc.Clone(), IssuingClient: self, Timestamp: ts,
	}, nil
}

// Value returns Σ positive − Σ negative across all replicas.
func (c *PNCounter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var pos, neg int64
	for _, v := range c.positive {
		pos += int64(v)
	}
	for _, v := range c.negative {
		neg += int64(v)
	}
	return pos - neg
}

// ApplyRemote merges a remote replica's reported totals in by taking the
// max per map per client — idempotent, commutative, associative.
func (c *PNCounter) ApplyRemote(delta Delta) (bool, error) {
	if delta.Op != "counter.increment" && delta.Op != "counter.decrement" {
		return false, errors.Wrapf(ErrUnknownOp, "counter document received op %q", delta.Op)
	}
	var payload CounterDeltaPayload
	if err := json.Unmarshal(delta.Payload, &payload); err != nil {
		return false, errors.Wrap(err, "crdt: unmarshal counter delta")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	if payload.Positive > c.positive[payload.ClientID] {
		c.positive[payload.ClientID] = payload.Positive
		changed = true
	}
	if payload.Negative > c.negative[payload.ClientID] {
		c.negative[payload.ClientID] = payload.Negative
		changed = true
	}

	before := c.vc
	c.vc = c.vc.Merge(delta.VectorClock)
	if err := CausalMonotonicityError(before, c.vc, delta.VectorClock); err != nil {
		return changed, err
	}
	return changed, nil
}

// Snapshot serializes both per-replica maps and the frontier.
func (c *PNCounter) Snapshot() (json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(struct {
		Positive map[clock.ClientID]uint64 `json:"positive"`
		Negative map[clock.ClientID]uint64 `json:"negative"`
		Frontier clock.VectorClock         `json:"frontier"`
	}{Positive: c.positive, Negative: c.negative, Frontier: c.vc})
}

// Restore replaces the counter's state wholesale from a prior Snapshot.
func (c *PNCounter) Restore(data json.RawMessage) error {
	var s struct {
		Positive map[clock.ClientID]uint64 `json:"positive"`
		Negative map[clock.ClientID]uint64 `json:"negative"`
		Frontier clock.VectorClock         `json:"frontier"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "crdt: restore counter")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Positive == nil {
		s.Positive = make(map[clock.ClientID]uint64)
	}
	if s.Negative == nil {
		s.Negative = make(map[clock.ClientID]uint64)
	}
	c.positive, c.negative, c.vc = s.Positive, s.Negative, s.Frontier
	return nil
}
