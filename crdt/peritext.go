package crdt

import (
	"encoding/json"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
)

// BoundaryKind determines which side of an anchored item a format
// boundary sits on, which in turn determines whether a character inserted
// exactly at that boundary inherits the attribute (boundary
// stability property).
type BoundaryKind int

const (
	// Before means the boundary sits immediately before the anchored
	// item: an insertion at that point does not inherit the attribute.
	Before BoundaryKind = iota
	// After means the boundary sits immediately after the anchored item:
	// an insertion at that point inherits the attribute.
	After
)

// Anchor binds a format boundary to a Fugue item identity rather than a
// position, so the boundary survives concurrent insertions and deletions
// around it. The zero ItemID is the sentinel "start/end of document"
// anchor.
type Anchor struct {
	Item ItemID       `json:"item"`
	Kind BoundaryKind `json:"kind"`
}

// FormatSpan is one attribute assignment over an anchored range.
// EndNext records the identity of whatever item immediately followed the
// End anchor at span-creation time (the zero ItemID if End was already
// the last item, i.e. the span reached the end of the document). It is
// what makes the two BoundaryKind values actually differ: Kind After
// keeps expanding to cover anything inserted between End and EndNext,
// while Kind Before freezes at End itself regardless of what gets
// inserted there afterward (boundary stability property).
type FormatSpan struct {
	ID           string                `json:"id"`
	Start        Anchor                `json:"start"`
	End          Anchor                `json:"end"`
	EndNext      ItemID                `json:"endNext"`
	Key          string                `json:"key"`
	Value        json.RawMessage       `json:"value"`
	Timestamp    clock.HybridTimestamp `json:"timestamp"`
	Tombstoned   bool                  `json:"tombstoned,omitempty"`
	TombstonedAt clock.HybridTimestamp `json:"tombstonedAt,omitempty"`
}

// FormatPayload is the wire payload for a "format.add" delta.
type FormatPayload struct {
	Span FormatSpan `json:"span"`
}

// UnformatPayload is the wire payload for a "format.remove" delta: marks
// an existing span (by id) tombstoned as of timestamp.
type UnformatPayload struct {
	SpanID    string                `json:"spanId"`
	Timestamp clock.HybridTimestamp `json:"timestamp"`
}

// Range is one maximal run of text sharing the same active attribute set,
// as produced by Peritext.Ranges.
type Range struct {
	Text       string
	Attributes map[string]json.RawMessage
}

// Peritext overlays range-attribute formatting on a FugueText, implementing
// a commutative, grow-only set of spans, last-writer-wins per
// attribute per character, with anchors stable under concurrent edits.
type Peritext struct {
	frontier
	mu     sync.RWMutex
	id     string
	issuer *clock.Issuer
	text   *FugueText
	spans  map[string]*FormatSpan
}

// NewPeritext creates a formatting overlay bound to an existing FugueText.
// The two share no locking relationship: Peritext only ever reads text's
// already-thread-safe accessors.
func NewPeritext(id string, issuer *clock.Issuer, text *FugueText) *Peritext {
	return &Peritext{id: id, issuer: issuer, text: text, spans: make(map[string]*FormatSpan)}
}

func (p *Peritext) ID() string { return p.id }
func (p *Peritext) Kind() Kind { return KindRichText }

// Format creates a new span covering the half-open visible range
// [startIdx, endIdx) with the given attribute key/value. endKind chooses
// the boundary semantics at the range's right edge (After = "expand on
// insert at boundary", e.g. bold/italic; Before = "contract", e.g. link).
// The left edge always uses After and anchors on the first formatted
// character itself, so text inserted in front of that character is not
// covered by the span.
func (p *Peritext) Format(startIdx, endIdx int, key string, value any, endKind BoundaryKind) (Delta, error) {
	if endIdx <= startIdx {
		return Delta{}, errors.New("crdt: empty or inverted format range")
	}
	ts := p.issuer.IssueTimestamp()

	startAnchor, err := p.anchorAt(startIdx, After)
	if err != nil {
		return Delta{}, err
	}
	endAnchor, err := p.anchorAt(endIdx-1, endKind)
	if err != nil {
		return Delta{}, err
	}
	endNext, _ := p.text.ItemIDAtVisibleIndex(endIdx) // zero ItemID if endIdx is the end of the document

	raw, err := json.Marshal(value)
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal format value")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	span := FormatSpan{
		ID:        clock.NewClientID().String() + "-" + itemIDString(ItemID{Client: p.issuer.ClientID(), Seq: p.issuer.Tick()}),
		Start:     startAnchor,
		End:       endAnchor,
		EndNext:   endNext,
		Key:       key,
		Value:     raw,
		Timestamp: ts,
	}
	p.spans[span.ID] = &span

	next, _ := p.vc.Tick(p.issuer.ClientID())
	p.vc = next

	payload, err := json.Marshal(FormatPayload{Span: span})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal format delta")
	}
	return Delta{
		DocID: p.id, Kind: KindRichText, Op: "format.add", Payload: payload,
		VectorClock: p.vc.Clone(), IssuingClient: p.issuer.ClientID(), Timestamp: ts,
	}, nil
}

// Unformat tombstones an existing span by id.
func (p *Peritext) Unformat(spanID string) (Delta, error) {
	ts := p.issuer.IssueTimestamp()
	p.mu.Lock()
	defer p.mu.Unlock()

	span, ok := p.spans[spanID]
	if !ok {
		return Delta{}, errors.Errorf("crdt: unknown format span %q", spanID)
	}
	span.Tombstoned = true
	span.TombstonedAt = ts

	next, _ := p.vc.Tick(p.issuer.ClientID())
	p.vc = next

	payload, err := json.Marshal(UnformatPayload{SpanID: spanID, Timestamp: ts})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal unformat delta")
	}
	return Delta{
		DocID: p.id, Kind: KindRichText, Op: "format.remove", Payload: payload,
		VectorClock: p.vc.Clone(), IssuingClient: p.issuer.ClientID(), Timestamp: ts,
	}, nil
}

// anchorAt builds an Anchor for the visible index idx. A negative idx maps
// to the start-of-document sentinel (Kind After) and an idx at or past the
// text length maps to the end-of-document sentinel (Kind Before).
func (p *Peritext) anchorAt(idx int, kind BoundaryKind) (Anchor, error) {
	if idx < 0 {
		return Anchor{Item: ItemID{}, Kind: After}, nil
	}
	id, ok := p.text.ItemIDAtVisibleIndex(idx)
	if !ok {
		return Anchor{Item: ItemID{}, Kind: Before}, nil
	}
	return Anchor{Item: id, Kind: kind}, nil
}

// ApplyRemote installs a remote span (idempotent on span ID) or applies a
// remote tombstone.
func (p *Peritext) ApplyRemote(delta Delta) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	switch delta.Op {
	case "format.add":
		var payload FormatPayload
		if err := json.Unmarshal(delta.Payload, &payload); err != nil {
			return false, errors.Wrap(err, "crdt: unmarshal format.add payload")
		}
		if _, had := p.spans[payload.Span.ID]; !had {
			span := payload.Span
			p.spans[span.ID] = &span
			changed = true
		}
	case "format.remove":
		var payload UnformatPayload
		if err := json.Unmarshal(delta.Payload, &payload); err != nil {
			return false, errors.Wrap(err, "crdt: unmarshal format.remove payload")
		}
		if span, ok := p.spans[payload.SpanID]; ok && !span.Tombstoned {
			span.Tombstoned = true
			span.TombstonedAt = payload.Timestamp
			changed = true
		}
	default:
		return false, errors.Wrapf(ErrUnknownOp, "richText document received op %q", delta.Op)
	}

	before := p.vc
	p.vc = p.vc.Merge(delta.VectorClock)
	if err := CausalMonotonicityError(before, p.vc, delta.VectorClock); err != nil {
		return changed, err
	}
	return changed, nil
}

// startCutPoint returns the inclusive lower bound of the half-open
// interval a Start anchor denotes. Start anchors are always Kind After
// and pin the anchored item itself as the first included position — no
// subtree extension, since anything inserted deeper inside the range is
// already covered by the plain index bounds.
func (p *Peritext) startCutPoint(a Anchor) int {
	if a.Item.isRoot() {
		return 0
	}
	fullIdx, ok := p.text.FullOrderIndex(a.Item)
	if !ok {
		return math.MaxInt32
	}
	return fullIdx
}

// endCutPoint returns the exclusive upper bound of the half-open interval
// span denotes. Kind After keeps expanding to cover anything inserted
// between the End anchor and whatever item immediately followed it at
// span-creation time (EndNext) — so text typed right at the boundary
// inherits the attribute. Kind Before freezes at the End anchor itself,
// excluding anything inserted there afterward (boundary
// stability property).
func (p *Peritext) endCutPoint(span *FormatSpan) int {
	if span.End.Item.isRoot() {
		return math.MaxInt32
	}
	if span.End.Kind == Before {
		fullIdx, ok := p.text.FullOrderIndex(span.End.Item)
		if !ok {
			return math.MaxInt32
		}
		return fullIdx + 1
	}
	if span.EndNext.isRoot() {
		return math.MaxInt32 // End was the last item at creation time: keeps expanding forever
	}
	nextIdx, ok := p.text.FullOrderIndex(span.EndNext)
	if !ok {
		return math.MaxInt32
	}
	return nextIdx
}

// activeSpansAt returns every non-tombstoned span whose anchored range
// currently contains the Fugue item at fullIdx, ordered by Timestamp
// ascending (so the caller can take the last value per attribute key as
// the winner — last-writer-wins per attribute per character, ).
func (p *Peritext) activeSpansAt(fullIdx int) []*FormatSpan {
	var active []*FormatSpan
	for _, span := range p.spans {
		if span.Tombstoned {
			continue
		}
		start := p.startCutPoint(span.Start)
		end := p.endCutPoint(span)
		if start <= fullIdx && fullIdx < end {
			active = append(active, span)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Timestamp.Less(active[j].Timestamp) })
	return active
}

// AttributesAt returns the resolved attribute map for the visible
// character at idx: the set of active spans' keys, each value chosen by
// greatest Timestamp among spans sharing that key (deterministic LWW per
// attribute per character).
func (p *Peritext) AttributesAt(idx int) map[string]json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.text.ItemIDAtVisibleIndex(idx)
	if !ok {
		return nil
	}
	fullIdx, ok := p.text.FullOrderIndex(id)
	if !ok {
		return nil
	}
	winners := make(map[string]*FormatSpan)
	for _, span := range p.activeSpansAt(fullIdx) {
		cur, had := winners[span.Key]
		if !had || span.Timestamp.Dominates(cur.Timestamp) {
			winners[span.Key] = span
		}
	}
	if len(winners) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(winners))
	for k, span := range winners {
		out[k] = span.Value
	}
	return out
}

// Ranges linearizes the document: walk the visible Fugue sequence and
// emit a new Range every time the active attribute set changes.
func (p *Peritext) Ranges() []Range {
	ids := p.text.VisibleSequence()
	ranges := make([]Range, 0, 4)
	var cur *Range
	var curAttrs map[string]json.RawMessage
	for _, id := range ids {
		content, _ := p.text.ItemContent(id)
		fullIdx, _ := p.text.FullOrderIndex(id)
		p.mu.RLock()
		attrs := p.resolveAttributesLocked(fullIdx)
		p.mu.RUnlock()
		if cur != nil && attrsEqual(curAttrs, attrs) {
			cur.Text += content
			continue
		}
		ranges = append(ranges, Range{Text: content, Attributes: attrs})
		cur = &ranges[len(ranges)-1]
		curAttrs = attrs
	}
	return ranges
}

func (p *Peritext) resolveAttributesLocked(fullIdx int) map[string]json.RawMessage {
	winners := make(map[string]*FormatSpan)
	for _, span := range p.activeSpansAt(fullIdx) {
		cur, had := winners[span.Key]
		if !had || span.Timestamp.Dominates(cur.Timestamp) {
			winners[span.Key] = span
		}
	}
	if len(winners) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(winners))
	for k, span := range winners {
		out[k] = span.Value
	}
	return out
}

func attrsEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || string(ov) != string(v) {
			return false
		}
	}
	return true
}

type peritextSnapshot struct {
	Spans    map[string]*FormatSpan `json:"spans"`
	Frontier clock.VectorClock      `json:"frontier"`
}

// Snapshot serializes every span (tombstoned or not) and the frontier.
// The underlying FugueText is snapshotted separately since it is an
// independently addressable document.
func (p *Peritext) Snapshot() (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(peritextSnapshot{Spans: p.spans, Frontier: p.vc})
}

// Restore replaces the overlay's span set wholesale from a prior
// Snapshot.
func (p *Peritext) Restore(data json.RawMessage) error {
	var snap peritextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "crdt: restore richText overlay")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Spans == nil {
		snap.Spans = make(map[string]*FormatSpan)
	}
	p.spans = snap.Spans
	p.vc = snap.Frontier
	return nil
}

func itemIDString(id ItemID) string {
	b, _ := json.Marshal(id)
	return string(b)
}
