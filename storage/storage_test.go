package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	bunt, err := OpenBuntStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bunt.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"bunt":   bunt,
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("doc/a", []byte("hello")))
			v, ok, err := store.Get("doc/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("hello"), v)
		})
	}
}

func TestStoreGetMissingKey(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get("nope")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("doc/a", []byte("x")))
			require.NoError(t, store.Delete("doc/a"))
			_, ok, err := store.Get("doc/a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("pending/doc-1/op-1", []byte("a")))
			require.NoError(t, store.Put("pending/doc-1/op-2", []byte("b")))
			require.NoError(t, store.Put("doc/doc-1", []byte("c")))

			entries, err := store.ListPrefix("pending/doc-1/")
			require.NoError(t, err)
			assert.Len(t, entries, 2)
			assert.Equal(t, []byte("a"), entries["pending/doc-1/op-1"])
		})
	}
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "doc/x", DocKey("x"))
	assert.Equal(t, "pending/x/y", PendingKey("x", "y"))
	assert.Equal(t, "frontier/x", FrontierKey("x"))
	assert.Equal(t, "meta/clientId", ClientIDKey)
}
