package storage

import (
	"encoding/base64"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// BuntStore is a buntdb-backed embedded file store: crash-consistent per
// key (each Put is one buntdb Update transaction; with buntdb's default
// config the file is fsynced about once a second, so the most recent
// writes can be lost in a crash), used by cmd/synckitd when launched
// with a --data-dir file path instead of
// pure in-memory storage. Values are arbitrary bytes (CRDT snapshots,
// encoded deltas) so they're base64-encoded before being stored as
// buntdb's string values.
type BuntStore struct {
	db *buntdb.DB
}

// OpenBuntStore opens (creating if absent) a buntdb file at path. Pass
// ":memory:" for a non-persistent instance useful in tests that still
// want to exercise the real adapter code path.
func OpenBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open buntdb")
	}
	return &BuntStore{db: db}, nil
}

// Close releases the underlying file handle.
func (b *BuntStore) Close() error {
	return b.db.Close()
}

func (b *BuntStore) Get(key string) ([]byte, bool, error) {
	var raw string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "storage: buntdb get")
	}
	value, decErr := base64.StdEncoding.DecodeString(raw)
	if decErr != nil {
		return nil, false, errors.Wrap(decErr, "storage: decode buntdb value")
	}
	return value, true, nil
}

// Put writes value atomically under key; buntdb's per-transaction commit
// is the unit of atomicity the "atomic per key" contract relies
// on.
func (b *BuntStore) Put(key string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, encoded, nil)
		return err
	})
	return errors.Wrap(err, "storage: buntdb put")
}

func (b *BuntStore) Delete(key string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
	return errors.Wrap(err, "storage: buntdb delete")
}

func (b *BuntStore) ListPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			decoded, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return true // skip malformed entry, keep iterating
			}
			out[key] = decoded
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "storage: buntdb list prefix")
	}
	return out, nil
}
