package crdt

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
)

// Field is one named slot of an LWWDocument: a value stamped with the
// HybridTimestamp and ClientID that last won it. A tombstoned
// field (Deleted true) is kept, never physically removed, since this core
// performs no cross-replica GC consensus.
type Field struct {
	Value     json.RawMessage     `json:"value,omitempty"`
	Timestamp clock.HybridTimestamp `json:"timestamp"`
	ClientID  clock.ClientID      `json:"clientId"`
	Deleted   bool                `json:"deleted,omitempty"`
}

// dominatedBy reports whether candidate strictly exceeds f under the
// HybridTimestamp's (wallMs, clientId) lexicographic order — the sole
// tie-break rule for field installation (invariant (i)). The
// HybridTimestamp itself already carries the ClientID tie-break, so no
// separate comparison is needed.
func (f Field) dominatedBy(candidate Field) bool {
	return candidate.Timestamp.Dominates(f.Timestamp)
}

// FieldSetPayload is the wire payload for the "lww.set" delta op.
type FieldSetPayload struct {
	Field string `json:"field"`
	Value Field  `json:"value"`
}

// LWWDocument is a field-level last-writer-wins register map: a
// "Field" data model plus a set/delete/get/applyRemote contract.
type LWWDocument struct {
	frontier
	mu     sync.RWMutex
	id     string
	issuer *clock.Issuer
	fields map[string]Field
}

// NewLWWDocument creates an empty LWW document owned by issuer's replica.
func NewLWWDocument(id string, issuer *clock.Issuer) *LWWDocument {
	return &LWWDocument{id: id, issuer: issuer, fields: make(map[string]Field)}
}

func (d *LWWDocument) ID() string { return d.id }
func (d *LWWDocument) Kind() Kind { return KindDocument }

// Set assigns field a new value under a freshly issued HybridTimestamp,
// ticks the document's own vector-clock entry, and returns the delta to
// enqueue for replication.
func (d *LWWDocument) Set(field string, value any) (Delta, error) {
	return d.setField(field, value, false)
}

// Delete installs a tombstone Field for field — semantically identical to
// Set with value ⊥.
func (d *LWWDocument) Delete(field string) (Delta, error) {
	return d.setField(field, nil, true)
}

// SetMany assigns several fields under one shared HybridTimestamp edge case: "partial-field updates ... share one issueTimestamp
// call"), returning one delta per field — each still merges independently
// downstream.
func (d *LWWDocument) SetMany(values map[string]any) ([]Delta, error) {
	ts := d.issuer.IssueTimestamp()
	deltas := make([]Delta, 0, len(values))
	d.mu.Lock()
	for name, v := range values {
		delta, err := d.installLocked(name, v, false, ts)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		deltas = append(deltas, delta)
	}
	d.mu.Unlock()
	return deltas, nil
}

func (d *LWWDocument) setField(field string, value any, deleted bool) (Delta, error) {
	ts := d.issuer.IssueTimestamp()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installLocked(field, value, deleted, ts)
}

func (d *LWWDocument) installLocked(field string, value any, deleted bool, ts clock.HybridTimestamp) (Delta, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal field value")
	}
	if deleted {
		raw = nil
	}
	f := Field{Value: raw, Timestamp: ts, ClientID: d.issuer.ClientID(), Deleted: deleted}
	d.fields[field] = f

	next, _ := d.vc.Tick(d.issuer.ClientID())
	d.vc = next

	payload, err := json.Marshal(FieldSetPayload{Field: field, Value: f})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal delta payload")
	}
	return Delta{
		DocID:         d.id,
		Kind:          KindDocument,
		Op:            "lww.set",
		Payload:       payload,
		VectorClock:   d.vc.Clone(),
		IssuingClient: d.issuer.ClientID(),
		Timestamp:     ts,
	}, nil
}

// Get returns the current value of field and whether it is present (a
// tombstoned or never-set field reports ok=false).
func (d *LWWDocument) Get(field string) (value json.RawMessage, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, exists := d.fields[field]
	if !exists || f.Deleted {
		return nil, false
	}
	return f.Value, true
}

// Keys returns every field name ever set on this document, including
// tombstoned ones.
func (d *LWWDocument) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.fields))
	for k := range d.fields {
		keys = append(keys, k)
	}
	return keys
}

// ApplyRemote merges one remote delta into the document per 's
// four-step algorithm: install-if-absent, compare-and-install on
// domination, merge the frontier, report whether anything visible
// changed.
func (d *LWWDocument) ApplyRemote(delta Delta) (bool, error) {
	if delta.Op != "lww.set" {
		return false, errors.Wrapf(ErrUnknownOp, "lww document received op %q", delta.Op)
	}
	var payload FieldSetPayload
	if err := json.Unmarshal(delta.Payload, &payload); err != nil {
		return false, errors.Wrap(err, "crdt: unmarshal lww.set payload")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, had := d.fields[payload.Field]
	changed := false
	switch {
	case !had:
		d.fields[payload.Field] = payload.Value
		changed = true
	case existing.dominatedBy(payload.Value):
		d.fields[payload.Field] = payload.Value
		changed = !jsonEqual(existing.Value, payload.Value.Value) || existing.Deleted != payload.Value.Deleted
	default:
		// Remote delta is stale or a duplicate: idempotent no-op.
	}

	before := d.vc
	d.vc = d.vc.Merge(delta.VectorClock)
	if err := CausalMonotonicityError(before, d.vc, delta.VectorClock); err != nil {
		return changed, err
	}
	return changed, nil
}

// Snapshot serializes the full field map for storage or fast resync.
func (d *LWWDocument) Snapshot() (json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(struct {
		Fields   map[string]Field  `json:"fields"`
		Frontier clock.VectorClock `json:"frontier"`
	}{Fields: d.fields, Frontier: d.vc})
}

// Restore replaces the document's state wholesale from a prior Snapshot —
// used on cold start from storage or on a server-sent full-state resync.
func (d *LWWDocument) Restore(data json.RawMessage) error {
	var s struct {
		Fields   map[string]Field  `json:"fields"`
		Frontier clock.VectorClock `json:"frontier"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "crdt: restore lww document")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Fields == nil {
		s.Fields = make(map[string]Field)
	}
	d.fields = s.Fields
	d.vc = s.Frontier
	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
