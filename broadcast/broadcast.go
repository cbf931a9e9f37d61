// Package broadcast implements the cross-tab fan-out port: same-origin,
// best-effort delivery of {docId, opId} fingerprints to
// sibling tabs, with loop prevention via an LRU of recently-seen local
// op ids, plus a single-writer-per-tab election for network ownership.
package broadcast

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
)

// Fingerprint identifies one committed delta for cross-tab dedup (clientId, opId).
type Fingerprint struct {
	ClientID clock.ClientID `json:"clientId"`
	OpID     string         `json:"opId"`
}

// Notice is the payload published on every committed local or remote
// delta.
type Notice struct {
	DocID       string      `json:"docId"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Port is the broadcast port the core consumes: best-effort,
// same-origin publish/subscribe. Implementations must not block Publish
// on slow consumers and must tolerate dropped messages — it is
// explicit that "the broadcast channel is lossy: consumers must be able
// to recover state by re-reading storage".
type Port interface {
	Publish(channel string, notice Notice) error
	Subscribe(channel string, handler func(Notice)) (unsubscribe func(), err error)
}

// minLRUSize is the floor sets: "An LRU of at least 1024 entries
// MUST be maintained per tab."
const minLRUSize = 1024

// Dedup wraps a Port with the per-tab loop-prevention LRU: a tab ignores
// its own opIds, and any fingerprint already recorded, arriving back
// through the broadcast channel (having already applied them locally).
// The LRU filters broadcast-channel notices only; deltas that arrive
// through the server fan-out are not checked against it.
type Dedup struct {
	port     Port
	self     clock.ClientID
	seen     *lru.Cache[string, struct{}]
}

// NewDedup wraps port with a local-op LRU of at least 1024 entries;
// size below that floor is raised automatically.
func NewDedup(port Port, self clock.ClientID, size int) (*Dedup, error) {
	if size < minLRUSize {
		size = minLRUSize
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, errors.Wrap(err, "broadcast: create fingerprint lru")
	}
	return &Dedup{port: port, self: self, seen: cache}, nil
}

// key renders a Fingerprint to the LRU's string key space.
func key(fp Fingerprint) string {
	return fp.ClientID.String() + "/" + fp.OpID
}

// PublishLocal records the fingerprint as locally originated (so its own
// echo through the broadcast channel is ignored) and publishes it on
// channel.
func (d *Dedup) PublishLocal(channel, docID string, opID string) error {
	fp := Fingerprint{ClientID: d.self, OpID: opID}
	d.seen.Add(key(fp), struct{}{})
	return d.port.Publish(channel, Notice{DocID: docID, Fingerprint: fp})
}

// MarkSeen records a fingerprint observed through the server fan-out
// path (not itself a broadcast channel message) so a later echo back
// through the broadcast channel is still deduped the same way.
func (d *Dedup) MarkSeen(fp Fingerprint) {
	d.seen.Add(key(fp), struct{}{})
}

// Subscribe installs handler for notices on channel, skipping any whose
// fingerprint was already seen (own local ops, or ops already applied via
// the server fan-out).
func (d *Dedup) Subscribe(channel string, handler func(Notice)) (func(), error) {
	return d.port.Subscribe(channel, func(n Notice) {
		k := key(n.Fingerprint)
		if _, dup := d.seen.Get(k); dup {
			return
		}
		d.seen.Add(k, struct{}{})
		handler(n)
	})
}
