// Package registry provides a typed, refcounted document registry,
// replacing the source's dynamic string-keyed document map (
// "dynamic subscription maps → explicit registry") with a sum-type over
// the five CRDT kinds plus reference counting for subscription lifetime
//.
package registry

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
)

// entry bundles a live document with its refcount and (for rich text)
// the underlying FugueText the Peritext overlay anchors to.
type entry struct {
	doc      crdt.Document
	text     *crdt.FugueText // non-nil only for KindRichText
	refCount int
}

// Registry owns every live document for one replica, keyed by document
// id, and tracks how many local subscribers currently hold each one open
// so the engine knows when it is safe to unsubscribe from the server.
type Registry struct {
	mu      sync.Mutex
	issuer  *clock.Issuer
	entries map[string]*entry
}

// New creates an empty registry for the replica owning issuer.
func New(issuer *clock.Issuer) *Registry {
	return &Registry{issuer: issuer, entries: make(map[string]*entry)}
}

// Open returns the document with id, creating it as kind if it doesn't
// exist yet, and increments its subscriber refcount. Callers must call
// Close exactly once per successful Open.
func (r *Registry) Open(id string, kind crdt.Kind) (crdt.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		if e.doc.Kind() != kind {
			return nil, errors.Errorf("registry: document %q already open as kind %q, requested %q", id, e.doc.Kind(), kind)
		}
		e.refCount++
		return e.doc, nil
	}

	e, err := r.createLocked(id, kind)
	if err != nil {
		return nil, err
	}
	e.refCount = 1
	r.entries[id] = e
	return e.doc, nil
}

func (r *Registry) createLocked(id string, kind crdt.Kind) (*entry, error) {
	switch kind {
	case crdt.KindDocument:
		return &entry{doc: crdt.NewLWWDocument(id, r.issuer)}, nil
	case crdt.KindText:
		return &entry{doc: crdt.NewFugueText(id, r.issuer)}, nil
	case crdt.KindRichText:
		text := crdt.NewFugueText(id, r.issuer)
		return &entry{doc: crdt.NewPeritext(id, r.issuer, text), text: text}, nil
	case crdt.KindCounter:
		return &entry{doc: crdt.NewPNCounter(id, r.issuer)}, nil
	case crdt.KindSet:
		return &entry{doc: crdt.NewORSet(id, r.issuer)}, nil
	default:
		return nil, errors.Wrapf(crdt.ErrUnknownKind, "registry: kind %q", kind)
	}
}

// Lookup returns the document with id without affecting its refcount, for
// call sites (the replication engine applying a remote delta) that do not
// themselves hold a subscription.
func (r *Registry) Lookup(id string) (crdt.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.doc, true
}

// UnderlyingText returns the FugueText a KindRichText document's Peritext
// overlay anchors to, so a replication or storage layer restoring both
// documents from a snapshot can restore the text before the overlay.
func (r *Registry) UnderlyingText(id string) (*crdt.FugueText, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.text == nil {
		return nil, false
	}
	return e.text, true
}

// Close decrements id's refcount. It returns true if this was the last
// subscriber (refcount reached zero) — the engine's cue to unsubscribe
// from the server — though the document itself remains registered (and
// addressable via Lookup) until explicitly Evicted.
func (r *Registry) Close(id string) (lastSubscriber bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if e.refCount > 0 {
		e.refCount--
	}
	return e.refCount == 0
}

// RefCount reports the current number of open subscribers for id.
func (r *Registry) RefCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refCount
	}
	return 0
}

// Evict removes id from the registry entirely, e.g. once the engine has
// confirmed the server-side unsubscribe completed. A subsequent Open
// recreates it from scratch (callers are expected to Restore from
// storage first if they want to keep history).
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// IDs returns every document id currently tracked, regardless of
// refcount — used on shutdown to send a leave awareness update per
// document.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
