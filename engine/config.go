package engine

import (
	"time"

	"github.com/synckit/synckit/queue"
)

// Config holds the implementation-defined per-replica tunables: queue
// capacity, the reconnect backoff schedule, awareness TTL, and the
// cross-tab fingerprint LRU floor. Unlike cmd/synckitd's flag parsing,
// Config itself is a plain struct with documented zero-value-safe
// defaults: no envconfig/viper layer inside the library core.
type Config struct {
	// QueueCap bounds the per-document PendingOp FIFO with a configurable
	// cap. 0 means unbounded.
	QueueCap int

	// Backoff controls reconnect timing: exponential backoff with
	// jitter, base 1s, cap 30s.
	Backoff queue.BackoffConfig

	// AwarenessTTL is the eviction horizon for presence entries (30-120s).
	AwarenessTTL time.Duration

	// HeartbeatInterval is how often the host should call SendHeartbeat
	// on an otherwise idle connection (~30s). The engine does not run its
	// own timer; the host drives this from its own event loop rather
	// than a hidden goroutine.
	HeartbeatInterval time.Duration

	// FingerprintLRUSize is the per-replica (per-tab) cross-tab dedup LRU
	// size, shared by every open document;
	// raised to the floor of 1024 automatically if lower.
	FingerprintLRUSize int

	// BroadcastChannelPrefix namespaces cross-tab broadcast channels,
	// letting one broadcast.Redis instance serve multiple tenants.
	BroadcastChannelPrefix string
}

// DefaultConfig returns the tunable values typical of a single-replica
// deployment.
func DefaultConfig() Config {
	return Config{
		QueueCap:           1000,
		Backoff:            queue.DefaultBackoffConfig(),
		AwarenessTTL:       60 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		FingerprintLRUSize: 1024,
	}
}
