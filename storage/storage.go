// Package storage defines the key/value persistence port
// (get/put/delete/listPrefix) and ships two adapters: an in-process
// Memory store for tests and single-tab demos, and a buntdb-backed
// embedded file store for crash-consistent single-process deployments.
package storage

// Store is the storage port the core consumes. Keys are opaque to the
// adapter; the core namespaces them as `doc/<docId>`,
// `pending/<docId>/<opId>`, `meta/clientId`, and `frontier/<docId>`.
// Put must be atomic per key — the core never assumes cross-key
// transactions.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	ListPrefix(prefix string) (map[string][]byte, error)
}

// Namespace key helpers matching storage layout, kept here so
// every caller (queue, registry persistence, the engine) builds keys the
// same way.
func DocKey(docID string) string           { return "doc/" + docID }
func PendingKey(docID, opID string) string { return "pending/" + docID + "/" + opID }
func FrontierKey(docID string) string      { return "frontier/" + docID }

// ClientIDKey is the single fixed key under which a replica's identity
// persists across restarts.
const ClientIDKey = "meta/clientId"
