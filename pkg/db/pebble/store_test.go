package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/vmprotect/pkg/db"
)

func TestKVStore(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store db.KVStore)
	}{
		{
			name: "basic_put_get",
			fn:   testBasicPutGet,
		},
		{
			name: "delete_operations",
			fn:   testDelete,
		},
		{
			name: "store_closure",
			fn:   testStoreClosure,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewKVStore()
			require.NoError(t, err)
			defer store.Close() //nolint:errcheck

			tc.fn(t, store)
		})
	}
}

func testBasicPutGet(t *testing.T, store db.KVStore) {
	key := []byte("site/0000000000001000")
	value := []byte{0x0b, 0x01, 0x00, 0x02}

	require.NoError(t, store.Put(key, value))

	retrieved, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, value, retrieved)

	_, err = store.Get([]byte("site/0000000000002000"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDelete(t *testing.T, store db.KVStore) {
	key := []byte("delete-test")

	require.NoError(t, store.Put(key, []byte("to-be-deleted")))
	require.NoError(t, store.Delete(key))

	_, err := store.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting a missing key is not an error
	assert.NoError(t, store.Delete([]byte("non-existent")))
}

func testStoreClosure(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Close())

	_, err := store.Get([]byte("key"))
	assert.ErrorIs(t, err, ErrClosed)

	err = store.Put([]byte("key"), []byte("value"))
	assert.ErrorIs(t, err, ErrClosed)

	err = store.Delete([]byte("key"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = store.NewIterator(nil, nil)
	assert.ErrorIs(t, err, ErrClosed)

	// double close is a no-op
	assert.NoError(t, store.Close())
}

func TestOpenPersists(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("header"), []byte("v1")))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	v, err := store.Get([]byte("header"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}
