package crdt

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/synckit/clock"
)

// AddTag is the unique (ClientID, LogicalClock) token stamped on one
// Add, distinguishing it from every other add of the same element so a
// concurrent remove can target only the adds it actually observed.
type AddTag struct {
	Client clock.ClientID     `json:"client"`
	Seq    clock.LogicalClock `json:"seq"`
}

// AddPayload is the wire payload for an "set.add" delta.
type AddPayload struct {
	Element string `json:"element"`
	Tag     AddTag `json:"tag"`
}

// RemovePayload is the wire payload for a "set.remove" delta: the add-tags
// this remove observed and is tombstoning. A concurrent Add using a tag
// not in this list survives (add-wins).
type RemovePayload struct {
	Element string   `json:"element"`
	Tags    []AddTag `json:"tags"`
}

// ORSet is an observed-remove set: membership is tracked per unique add
// event so concurrent add/remove of the same element resolve
// deterministically to "present" (add-wins).
type ORSet struct {
	frontier
	mu       sync.RWMutex
	id       string
	issuer   *clock.Issuer
	adds     map[string]map[AddTag]struct{} // element -> live add tags
	tombs    map[string]map[AddTag]struct{} // element -> tombstoned tags
}

// NewORSet creates an empty OR-Set.
func NewORSet(id string, issuer *clock.Issuer) *ORSet {
	return &ORSet{
		id:     id,
		issuer: issuer,
		adds:   make(map[string]map[AddTag]struct{}),
		tombs:  make(map[string]map[AddTag]struct{}),
	}
}

func (s *ORSet) ID() string { return s.id }
func (s *ORSet) Kind() Kind { return KindSet }

// Add records element with a fresh, globally unique add-tag.
func (s *ORSet) Add(element string) (Delta, error) {
	ts := s.issuer.IssueTimestamp()
	s.mu.Lock()
	defer s.mu.Unlock()

	tag := AddTag{Client: s.issuer.ClientID(), Seq: s.issuer.Tick()}
	if s.adds[element] == nil {
		s.adds[element] = make(map[AddTag]struct{})
	}
	s.adds[element][tag] = struct{}{}

	next, _ := s.vc.Tick(s.issuer.ClientID())
	s.vc = next

	payload, err := json.Marshal(AddPayload{Element: element, Tag: tag})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal set.add payload")
	}
	return Delta{
		DocID: s.id, Kind: KindSet, Op: "set.add", Payload: payload,
		VectorClock: s.vc.Clone(), IssuingClient: s.issuer.ClientID(), Timestamp: ts,
	}, nil
}

// Remove tombstones exactly the add-tags currently observed locally for
// element; a concurrent Add using a tag this remove never saw is
// unaffected (add-wins).
func (s *ORSet) Remove(element string) (Delta, error) {
	ts := s.issuer.IssueTimestamp()
	s.mu.Lock()
	defer s.mu.Unlock()

	observed := s.adds[element]
	tags := make([]AddTag, 0, len(observed))
	for tag := range observed {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Client != tags[j].Client {
			return tags[i].Client.Less(tags[j].Client)
		}
		return tags[i].Seq < tags[j].Seq
	})
	s.tombstoneLocked(element, tags)

	next, _ := s.vc.Tick(s.issuer.ClientID())
	s.vc = next

	payload, err := json.Marshal(RemovePayload{Element: element, Tags: tags})
	if err != nil {
		return Delta{}, errors.Wrap(err, "crdt: marshal set.remove payload")
	}
	return Delta{
		DocID: s.id, Kind: KindSet, Op: "set.remove", Payload: payload,
		VectorClock: s.vc.Clone(), IssuingClient: s.issuer.ClientID(), Timestamp: ts,
	}, nil
}

func (s *ORSet) tombstoneLocked(element string, tags []AddTag) {
	if s.tombs[element] == nil {
		s.tombs[element] = make(map[AddTag]struct{})
	}
	for _, tag := range tags {
		s.tombs[element][tag] = struct{}{}
		delete(s.adds[element], tag)
	}
}

// Contains reports whether element has at least one live (non-tombstoned)
// add-tag.
func (s *ORSet) Contains(element string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.adds[element]) > 0
}

// Values returns a sorted slice of every element with at least one live
// add-tag.
func (s *ORSet) Values() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.adds))
	for el, tags := range s.adds {
		if len(tags) > 0 {
			out = append(out, el)
		}
	}
	sort.Strings(out)
	return out
}

// ApplyRemote unions a remote add-tag or remove-tombstone set in.
func (s *ORSet) ApplyRemote(delta Delta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	switch delta.Op {
	case "set.add":
		var payload AddPayload
		if err := json.Unmarshal(delta.Payload, &payload); err != nil {
			return false, errors.Wrap(err, "crdt: unmarshal set.add payload")
		}
		if s.tombs[payload.Element] != nil {
			if _, tombstoned := s.tombs[payload.Element][payload.Tag]; tombstoned {
				break // this exact add was already observed-removed elsewhere
			}
		}
		if s.adds[payload.Element] == nil {
			s.adds[payload.Element] = make(map[AddTag]struct{})
		}
		if _, had := s.adds[payload.Element][payload.Tag]; !had {
			s.adds[payload.Element][payload.Tag] = struct{}{}
			changed = true
		}
	case "set.remove":
		var payload RemovePayload
		if err := json.Unmarshal(delta.Payload, &payload); err != nil {
			return false, errors.Wrap(err, "crdt: unmarshal set.remove payload")
		}
		before := len(s.adds[payload.Element])
		s.tombstoneLocked(payload.Element, payload.Tags)
		changed = len(s.adds[payload.Element]) != before
	default:
		return false, errors.Wrapf(ErrUnknownOp, "set document received op %q", delta.Op)
	}

	before := s.vc
	s.vc = s.vc.Merge(delta.VectorClock)
	if err := CausalMonotonicityError(before, s.vc, delta.VectorClock); err != nil {
		return changed, err
	}
	return changed, nil
}

// CompactTombstones discards tombstone entries for add-tags the caller
// has externally established every replica has already observed past
// safe: excludes cross-replica GC consensus from the core, so
// this is an explicit, opt-in operation the engine never calls itself,
// only a host that has its own causal-cut agreement .
func (s *ORSet) CompactTombstones(safe clock.VectorClock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for element, tags := range s.tombs {
		for tag := range tags {
			if tag.Seq <= safe.Get(tag.Client) {
				delete(tags, tag)
			}
		}
		if len(tags) == 0 {
			delete(s.tombs, element)
		}
	}
}

type orsetSnapshot struct {
	Adds     map[string][]AddTag `json:"adds"`
	Tombs    map[string][]AddTag `json:"tombs"`
	Frontier clock.VectorClock   `json:"frontier"`
}

// Snapshot serializes the full add/tombstone tag sets and the frontier.
func (s *ORSet) Snapshot() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := orsetSnapshot{Adds: make(map[string][]AddTag), Tombs: make(map[string][]AddTag), Frontier: s.vc}
	for el, tags := range s.adds {
		for tag := range tags {
			snap.Adds[el] = append(snap.Adds[el], tag)
		}
	}
	for el, tags := range s.tombs {
		for tag := range tags {
			snap.Tombs[el] = append(snap.Tombs[el], tag)
		}
	}
	return json.Marshal(snap)
}

// Restore replaces the set's state wholesale from a prior Snapshot.
func (s *ORSet) Restore(data json.RawMessage) error {
	var snap orsetSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "crdt: restore set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = make(map[string]map[AddTag]struct{})
	s.tombs = make(map[string]map[AddTag]struct{})
	for el, tags := range snap.Adds {
		s.adds[el] = make(map[AddTag]struct{}, len(tags))
		for _, tag := range tags {
			s.adds[el][tag] = struct{}{}
		}
	}
	for el, tags := range snap.Tombs {
		s.tombs[el] = make(map[AddTag]struct{}, len(tags))
		for _, tag := range tags {
			s.tombs[el][tag] = struct{}{}
		}
	}
	s.vc = snap.Frontier
	return nil
}
