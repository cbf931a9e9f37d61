package crdt

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
)

// ItemID globally and uniquely identifies one inserted character: the
// (ClientID, LogicalClock) pair assigned by its author at insertion time
// ("TextItem").
type ItemID struct {
	Client clock.ClientID   `json:"client"`
	Seq    clock.LogicalClock `json:"seq"`
}

// rootID is the sentinel "no item" origin: inserting at the very start or
// end of the sequence uses it for originLeft/originRight respectively.
var rootID = ItemID{}

func (id ItemID) isRoot() bool { return id == rootID }

// TextItem is one character in the Fugue sequence (a batched insert
// becomes a left-chained run of single-character items). Order is derived from origins at merge time, never
// stored directly (invariant).
type TextItem struct {
	ID          ItemID `json:"id"`
	OriginLeft  ItemID `json:"originLeft"`
	OriginRight ItemID `json:"originRight"`
	Content     string `json:"content"`
	Deleted     bool   `json:"deleted"`
}

// InsertPayload is the wire payload for a "text.insert" delta: one or
// more left-chained single-rune items produced by a single Insert call.
type InsertPayload struct {
	Items []TextItem `json:"items"`
}

// DeletePayload is the wire payload for a "text.delete" delta: the set of
// item ids marked deleted by this operation.
type DeletePayload struct {
	IDs []ItemID `json:"ids"`
}

// FugueText is an interleaving-free list CRDT for collaborative plain
// text, implementing the ordering algorithm of among items
// that share the same originLeft, an item whose originRight sits further
// left sorts first; ties break on the author-preferred side by
// (ClientID desc, LogicalClock asc).
type FugueText struct {
	frontier
	mu     sync.RWMutex
	id     string
	issuer *clock.Issuer

	items map[ItemID]*TextItem
	order []ItemID // the current total order, visible and tombstoned alike

	// pending holds remote items whose origin(s) are not yet visible
	// locally, keyed by the missing origin id, awaiting it (
	// failure model: "buffered pending their predecessors").
	pending       map[ItemID][]TextItem
	pendingCount  int
	pendingBound  int
	onBufferOverflow func() // hook the replication layer sets to request a full sync
}

const defaultPendingBound = 4096

// NewFugueText creates an empty Fugue text document.
func NewFugueText(id string, issuer *clock.Issuer) *FugueText {
	return &FugueText{
		id:           id,
		issuer:       issuer,
		items:        make(map[ItemID]*TextItem),
		pending:      make(map[ItemID][]TextItem),
		pendingBound: defaultPendingBound,
	}
}

func (t *FugueText) ID() string { return t.id }
func (t *FugueText) Kind() Kind { return KindText }

// OnBufferOverflow registers a callback invoked when the unresolved-origin
// buffer exceeds its bound; replication.Engine.Subscribe uses this to
// request a full sync for the document (failure model).
func (t *FugueText) OnBufferOverflow(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBufferOverflow = fn
}

// Insert places content as one new item per rune at visible position
// index: immediately after the visible character at index-1 (or at the
// very start if index is 0) and before the visible character currently at
// index (or at the end if index is the current length).
// Every index-based accessor on FugueText (Len, ItemIDAtVisibleIndex,
// Delete) counts one item per visible position, so a batched insert is
// represented as a left-chained run of single-rune items rather than one
// multi-rune item — this is what lets Peritext anchor formatting to an
// individual character in the middle of a run typed in one call.
func (t *FugueText) Insert(index int, content string) (Delta, error) {
	if content == "" {
		return Delta{}, errors.New("crdt: empty insert content")
	}
	ts := t.issuer.IssueTimestamp()
	t.mu.Lock()
	defer t.mu.Unlock()

	left, right := t.visibleNeighbours(index)
	items := make([]TextItem, 0, len(content))
	for _, r := range content {
		seq := t.issuer.Tick()
		item := TextItem{
			ID:          ItemID{Client: t.issuer.ClientID(), Seq: seq},
			OriginLeft:  left,
			OriginRight: right,
			Content:     string(r),
		}
		t.insertItemLocked(item)
		items = append(items, item)
		left = item.ID
	}

	next, _ := t.vc.Tick(t.issuer.ClientID())
	t.vc = next

	payload, err := json.Marshal(InsertPayload{Items: items})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal insert payload")
	}
	return Delta{
		DocID: t.id, Kind: KindText, Op: "text.insert", Payload: payload,
		VectorClock: t.vc.Clone(), IssuingClient: t.issuer.ClientID(), Timestamp: ts,
	}, nil
}

// Delete tombstones the `length` consecutive visible items starting at
// visible index.
func (t *FugueText) Delete(index, length int) (Delta, error) {
	if length <= 0 {
		return Delta{}, errors.New("crdt: non-positive delete length")
	}
	ts := t.issuer.IssueTimestamp()
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]ItemID, 0, length)
	visible := 0
	for _, id := range t.order {
		item := t.items[id]
		if item.Deleted {
			continue
		}
		if visible >= index && len(ids) < length {
			item.Deleted = true
			ids = append(ids, id)
		}
		visible++
		if len(ids) == length {
			break
		}
	}
	if len(ids) == 0 {
		return Delta{}, errors.New("crdt: delete range out of bounds")
	}

	next, _ := t.vc.Tick(t.issuer.ClientID())
	t.vc = next

	payload, err := json.Marshal(DeletePayload{IDs: ids})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal delete payload")
	}
	return Delta{
		DocID: t.id, Kind: KindText, Op: "text.delete", Payload: payload,
		VectorClock: t.vc.Clone(), IssuingClient: t.issuer.ClientID(), Timestamp: ts,
	}, nil
}

// Text returns the in-order concatenation of all non-deleted content.
func (t *FugueText) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	for _, id := range t.order {
		item := t.items[id]
		if !item.Deleted {
			b.WriteString(item.Content)
		}
	}
	return b.String()
}

// Len returns the number of currently visible characters.
func (t *FugueText) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, id := range t.order {
		if !t.items[id].Deleted {
			n++
		}
	}
	return n
}

// visibleNeighbours returns the item ids immediately left and right of
// visible position index, as they currently stand (root for either end
// of the document).
func (t *FugueText) visibleNeighbours(index int) (left, right ItemID) {
	left, right = rootID, rootID
	visible := 0
	for _, id := range t.order {
		item := t.items[id]
		if item.Deleted {
			continue
		}
		if visible == index {
			right = id
			break
		}
		left = id
		visible++
	}
	return left, right
}

// ApplyRemote installs a remote item (idempotent on ID) or applies a
// remote deletion. If an item's origins are not yet visible locally, it
// is buffered until they arrive (failure model).
func (t *FugueText) ApplyRemote(delta Delta) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed bool
	switch delta.Op {
	case "text.insert":
		var payload InsertPayload
		if e := json.Unmarshal(delta.Payload, &payload); e != nil {
			return false, errors.Wrap(e, "crdt: unmarshal insert payload")
		}
		for _, item := range payload.Items {
			itemChanged, e := t.applyInsertLocked(item)
			if e != nil {
				return changed, e
			}
			changed = changed || itemChanged
		}
	case "text.delete":
		var payload DeletePayload
		if e := json.Unmarshal(delta.Payload, &payload); e != nil {
			return false, errors.Wrap(e, "crdt: unmarshal delete payload")
		}
		for _, id := range payload.IDs {
			if item, ok := t.items[id]; ok && !item.Deleted {
				item.Deleted = true
				changed = true
			}
		}
	default:
		return false, errors.Wrapf(ErrUnknownOp, "text document received op %q", delta.Op)
	}

	before := t.vc
	t.vc = t.vc.Merge(delta.VectorClock)
	if cerr := CausalMonotonicityError(before, t.vc, delta.VectorClock); cerr != nil {
		return changed, cerr
	}
	return changed, nil
}

// applyInsertLocked installs item if both its origins are already
// visible; otherwise it is buffered under whichever origin is missing.
// Returns whether the visible text changed as a result (transitively,
// since resolving a buffered item can cascade).
func (t *FugueText) applyInsertLocked(item TextItem) (bool, error) {
	if _, exists := t.items[item.ID]; exists {
		return false, nil // idempotent: already applied
	}
	if !t.originsResolved(item) {
		t.buffer(item)
		return false, nil
	}
	t.insertItemLocked(item)
	t.drainPendingLocked(item.ID)
	return true, nil
}

func (t *FugueText) originsResolved(item TextItem) bool {
	if !item.OriginLeft.isRoot() {
		if _, ok := t.items[item.OriginLeft]; !ok {
			return false
		}
	}
	if !item.OriginRight.isRoot() {
		if _, ok := t.items[item.OriginRight]; !ok {
			return false
		}
	}
	return true
}

func (t *FugueText) buffer(item TextItem) {
	missing := item.OriginLeft
	if _, ok := t.items[missing]; ok || missing.isRoot() {
		missing = item.OriginRight
	}
	t.pending[missing] = append(t.pending[missing], item)
	t.pendingCount++
	if t.pendingCount > t.pendingBound && t.onBufferOverflow != nil {
		t.onBufferOverflow()
	}
}

func (t *FugueText) drainPendingLocked(resolvedID ItemID) {
	waiting, ok := t.pending[resolvedID]
	if !ok {
		return
	}
	delete(t.pending, resolvedID)
	t.pendingCount -= len(waiting)
	for _, item := range waiting {
		if t.originsResolved(item) {
			t.insertItemLocked(item)
			t.drainPendingLocked(item.ID)
		} else {
			t.buffer(item)
		}
	}
}

// insertItemLocked places item into t.order using the Fugue sibling tie-
// break rule: among items sharing originLeft, the one whose
// originRight is further left comes first; among those with identical
// origins, higher ClientID (author-preferred side) comes first, then
// lower LogicalClock. The scan below is the YATA/Yjs integrate loop:
// it walks right from originLeft and, on every candidate, compares the
// candidate's own left-origin position against item's. A candidate
// whose left-origin sits strictly before item's belongs to a different
// branch entirely and ends the scan. A candidate whose left-origin
// equals item's is a true sibling, resolved by siblingSortsBefore. A
// candidate whose left-origin sits after item's is a descendant of some
// earlier-sorting sibling's subtree and must be skipped whole — walking
// past only the immediate sibling (and stopping at its first child,
// which shares the sibling's position as its own left-origin) is what
// let a concurrent contiguous run get spliced into the middle of an
// earlier one instead of staying contiguous.
func (t *FugueText) insertItemLocked(item TextItem) {
	stored := item
	t.items[item.ID] = &stored

	leftPos := t.leftRank(item.OriginLeft)
	insertAt := leftPos + 1
	for insertAt < len(t.order) {
		candidate := t.items[t.order[insertAt]]
		candidateLeftPos := t.leftRank(candidate.OriginLeft)
		if candidateLeftPos < leftPos {
			break
		}
		if candidateLeftPos == leftPos && !t.siblingSortsBefore(*candidate, item) {
			break
		}
		insertAt++
	}

	t.order = append(t.order, rootID)
	copy(t.order[insertAt+1:], t.order[insertAt:])
	t.order[insertAt] = item.ID
}

// leftRank returns a position proxy for an originLeft id: root sorts as
// position -1 (before the start of the sequence) so an item inserted at
// the very start of the document still scans correctly against other
// root-left items.
func (t *FugueText) leftRank(id ItemID) int {
	if id.isRoot() {
		return -1
	}
	return t.indexOf(id)
}

// siblingSortsBefore reports whether existing sorts before candidate among
// items sharing the same originLeft, per the rule above.
func (t *FugueText) siblingSortsBefore(existing, candidate TextItem) bool {
	existingRightPos := t.rightRank(existing.OriginRight)
	candidateRightPos := t.rightRank(candidate.OriginRight)
	if existingRightPos != candidateRightPos {
		// A further-left originRight (smaller rank) sorts first: this is
		// the rule that prevents interleaving of concurrent runs.
		return existingRightPos < candidateRightPos
	}
	if existing.ID.Client != candidate.ID.Client {
		return candidate.ID.Client.Less(existing.ID.Client)
	}
	return existing.ID.Seq < candidate.ID.Seq
}

// rightRank returns a position proxy for an originRight id: root sorts as
// "infinitely right" (end of sequence) so items whose originRight is root
// sort after items with a concrete, earlier originRight. Both siblings
// being compared must already have their origins resolved before
// insertItemLocked runs them through siblingSortsBefore, so a concrete
// originRight is always already present in t.order; its relative order
// against any other already-placed item never changes once established,
// only new items are spliced in between, so this stays a total order
// regardless of arrival order.
func (t *FugueText) rightRank(id ItemID) int {
	if id.isRoot() {
		return len(t.order) + 1
	}
	return t.indexOf(id)
}

func (t *FugueText) indexOf(id ItemID) int {
	for i, existing := range t.order {
		if existing == id {
			return i
		}
	}
	return -1
}

// FullOrderIndex returns id's position in the tombstone-inclusive total
// order — the position space Peritext anchors are expressed in — and
// whether id currently resolves to an item at all.
func (t *FugueText) FullOrderIndex(id ItemID) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.indexOf(id)
	if idx < 0 {
		return 0, false
	}
	return idx, true
}


// Snapshot serializes every item (including tombstones) and the frontier.
func (t *FugueText) Snapshot() (json.RawMessage, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := make([]TextItem, 0, len(t.order))
	for _, id := range t.order {
		items = append(items, *t.items[id])
	}
	return json.Marshal(struct {
		Items    []TextItem        `json:"items"`
		Frontier clock.VectorClock `json:"frontier"`
	}{Items: items, Frontier: t.vc})
}

// Restore rebuilds item set and order from a snapshot taken by Snapshot.
func (t *FugueText) Restore(data json.RawMessage) error {
	var s struct {
		Items    []TextItem        `json:"items"`
		Frontier clock.VectorClock `json:"frontier"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "crdt: restore text document")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[ItemID]*TextItem, len(s.Items))
	t.order = nil
	t.pending = make(map[ItemID][]TextItem)
	t.pendingCount = 0
	for _, item := range s.Items {
		stored := item
		t.items[item.ID] = &stored
		t.order = append(t.order, item.ID)
	}
	t.vc = s.Frontier
	return nil
}

// ItemIDAtVisibleIndex returns the ItemID of the visible character at
// index — used by the Peritext overlay to bind format anchors to item
// identities rather than positions.
func (t *FugueText) ItemIDAtVisibleIndex(index int) (ItemID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	visible := 0
	for _, id := range t.order {
		item := t.items[id]
		if item.Deleted {
			continue
		}
		if visible == index {
			return id, true
		}
		visible++
	}
	return ItemID{}, false
}

// VisibleSequence returns the ordered, non-deleted item ids — the walk
// Peritext's linearization uses.
func (t *FugueText) VisibleSequence() []ItemID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ItemID, 0, len(t.order))
	for _, id := range t.order {
		if !t.items[id].Deleted {
			out = append(out, id)
		}
	}
	return out
}

// ItemContent returns the content of item id, if present.
func (t *FugueText) ItemContent(id ItemID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[id]
	if !ok {
		return "", false
	}
	return item.Content, true
}
