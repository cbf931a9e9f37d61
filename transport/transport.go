// Package transport defines the transport port (connect, send,
// onMessage, close) and ships a gorilla/websocket-based adapter rather
// than a hand-rolled RFC 6455 framer — see DESIGN.md for why.
package transport

import "context"

// ConnectionHandle identifies one live connection to the caller; the
// port treats it opaquely.
type ConnectionHandle interface {
	// Close terminates this connection.
	Close(reason string) error
}

// Credentials carries whatever a concrete adapter's connect needs to
// authenticate ("the core accepts a pre-validated principal
// identifier; token issuance and validation are external" — this is
// purely a pass-through bag for the adapter, never interpreted by the
// core).
type Credentials map[string]string

// Port is the transport port the core consumes.
type Port interface {
	// Connect dials serverURL and returns a handle once the connection
	// is established (or ready to send, for adapters without an
	// explicit handshake step beyond the protocol's own).
	Connect(ctx context.Context, serverURL string, creds Credentials) (ConnectionHandle, error)
	// Send transmits b on handle; errors are signalled asynchronously to
	// OnClose for adapters that can't fail synchronously, but
	// adapters that can detect a failed write return it here too.
	Send(handle ConnectionHandle, b []byte) error
	// OnMessage registers the inbound callback invoked for every frame
	// received on handle.
	OnMessage(handle ConnectionHandle, fn func(b []byte))
	// OnClose registers the callback invoked once, when handle's
	// connection is torn down for any reason (remote close, network
	// error, local Close call).
	OnClose(handle ConnectionHandle, fn func(reason error))
}

// DefaultSendTimeoutSeconds is the send timeout after which 
// deems a connection broken and hands control to the reconnect engine
// ("Transport operations have a send timeout (default ~10s)").
const DefaultSendTimeoutSeconds = 10
