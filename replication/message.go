// Package replication implements the per-document subscribe/sync/delta
// protocol of the wire message vocabulary, the replica-side
// state machine, and the engine that drives deltas between the local
// registry and an abstract transport.
package replication

import (
	"encoding/json"

	"github.com/synckit/synckit/awareness"
	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
)

// MessageKind tags a wire message per the table in 
type MessageKind string

const (
	KindSubscribe          MessageKind = "Subscribe"
	KindUnsubscribe        MessageKind = "Unsubscribe"
	KindSyncRequest        MessageKind = "SyncRequest"
	KindSyncResponse       MessageKind = "SyncResponse"
	KindDelta              MessageKind = "Delta"
	KindAck                MessageKind = "Ack"
	KindError              MessageKind = "Error"
	KindAwarenessSubscribe MessageKind = "AwarenessSubscribe"
	KindAwarenessUpdate    MessageKind = "AwarenessUpdate"
	KindAwarenessState     MessageKind = "AwarenessState"
	KindPing               MessageKind = "Ping"
	KindPong               MessageKind = "Pong"
)

// Message is the single envelope every replication wire message uses;
// only the fields relevant to Kind are populated, mirroring the table in
// ("Wire messages"). The core treats the encoded form as opaque
// bytes exchanged through the transport port — this struct is the
// reference (de)serialization the bundled transport adapters use, not a
// requirement the port itself imposes.
type Message struct {
	Kind MessageKind `json:"kind"`

	DocID string `json:"docId,omitempty"`

	// SyncRequest
	VectorClock clock.VectorClock `json:"vectorClock,omitempty"`

	// SyncResponse
	Deltas         []DeltaEnvelope   `json:"deltas,omitempty"`
	ServerFrontier clock.VectorClock `json:"serverFrontier,omitempty"`
	Snapshot       json.RawMessage   `json:"snapshot,omitempty"`
	SnapshotKind   crdt.Kind         `json:"snapshotKind,omitempty"`

	// Delta
	Delta DeltaEnvelope `json:"delta,omitempty"`

	// Ack / Error
	OpID    string `json:"opId,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// AwarenessUpdate
	Awareness *awareness.Entry `json:"awareness,omitempty"`

	// AwarenessState
	AwarenessEntries []awareness.Entry `json:"awarenessEntries,omitempty"`
}

// DeltaEnvelope pairs a CRDT delta with the opId that identifies the
// PendingOp it corresponds to on the issuing replica (Delta
// message: "docId, opId, payload, vectorClock, issuingClientId,
// timestamp" — payload/vectorClock/issuingClientId/timestamp live on the
// embedded crdt.Delta).
type DeltaEnvelope struct {
	OpID  string     `json:"opId"`
	Delta crdt.Delta `json:"delta"`
}

// Encode serializes m for handoff to the transport port's Send.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses bytes received from the transport port's onMessage
// callback.
func Decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}
