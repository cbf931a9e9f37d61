// Package clock provides the causality and identity primitives every other
// SyncKit package builds on: client identifiers, logical clocks, vector
// clocks, and hybrid timestamps.
package clock

import (
	"github.com/google/uuid"
)

// ClientID is a stable 128-bit identifier chosen once per replica at first
// initialization and persisted thereafter. It is comparable as a total
// order (byte-wise) so it can serve as a deterministic tie-break.
type ClientID [16]byte

// NewClientID generates a fresh, random ClientID. Callers persist the
// result under the "meta/clientId" storage key and reuse it on every
// subsequent launch of the same replica.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// String renders the ClientID in canonical UUID form.
func (c ClientID) String() string {
	return uuid.UUID(c).String()
}

// ParseClientID parses the canonical UUID string form produced by String.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, err
	}
	return ClientID(u), nil
}

// Less reports whether c sorts strictly before other under the total
// order used for tie-breaking (lexicographic byte comparison).
func (c ClientID) Less(other ClientID) bool {
	for i := range c {
		if c[i] != other[i] {
			return c[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether c is the zero ClientID (never assigned to a real
// replica; used as a sentinel for "no origin").
func (c ClientID) IsZero() bool {
	return c == ClientID{}
}

// MarshalText and UnmarshalText let ClientID serve as a JSON object key
// (encoding/json only allows non-string map keys that implement
// encoding.TextMarshaler/TextUnmarshaler) as well as a plain JSON string
// value, which VectorClock and the per-replica CRDT maps both rely on.
func (c ClientID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClientID) UnmarshalText(text []byte) error {
	id, err := ParseClientID(string(text))
	if err != nil {
		return err
	}
	*c = id
	return nil
}
