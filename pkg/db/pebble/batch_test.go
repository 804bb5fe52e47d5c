package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/vmprotect/pkg/db"
)

func TestBatch(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store db.KVStore)
	}{
		{
			name: "basic_batch_operations",
			fn:   testBasicBatchOperations,
		},
		{
			name: "batch_commit_closure",
			fn:   testBatchCommitAndClose,
		},
		{
			name: "batch_delete_range",
			fn:   testBatchDeleteRange,
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

func testBasicBatchOperations(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck

	keys := [][]byte{[]byte("key1"), []byte("key2"), []byte("key3")}
	values := [][]byte{[]byte("value1"), []byte("value2"), []byte("value3")}
	for i := range keys {
		require.NoError(t, batch.Put(keys[i], values[i]))
	}
	require.NoError(t, batch.Delete(keys[1]))

	// nothing is visible before commit
	_, err := store.Get(keys[0])
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, batch.Commit())

	val1, err := store.Get(keys[0])
	require.NoError(t, err)
	assert.Equal(t, values[0], val1)

	_, err = store.Get(keys[1])
	assert.ErrorIs(t, err, ErrNotFound)

	val3, err := store.Get(keys[2])
	require.NoError(t, err)
	assert.Equal(t, values[2], val3)
}

func testBatchCommitAndClose(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("key"), []byte("value")))
	require.NoError(t, batch.Commit())

	assert.ErrorIs(t, batch.Put([]byte("key2"), []byte("value2")), ErrBatchDone)
	assert.ErrorIs(t, batch.Delete([]byte("key2")), ErrBatchDone)
	assert.ErrorIs(t, batch.DeleteRange([]byte("a"), []byte("z")), ErrBatchDone)
	assert.ErrorIs(t, batch.Commit(), ErrBatchDone)

	assert.NoError(t, batch.Close())
	assert.NoError(t, batch.Close())
}

func testBatchDeleteRange(t *testing.T, store db.KVStore) {
	for _, k := range []string{"entry/1", "entry/2", "entry/3", "header"} {
		require.NoError(t, store.Put([]byte(k), []byte(k)))
	}

	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck
	prefix := []byte("entry/")
	require.NoError(t, batch.DeleteRange(prefix, db.PrefixEnd(prefix)))
	require.NoError(t, batch.Commit())

	for _, k := range []string{"entry/1", "entry/2", "entry/3"} {
		_, err := store.Get([]byte(k))
		assert.ErrorIs(t, err, ErrNotFound, k)
	}
	v, err := store.Get([]byte("header"))
	require.NoError(t, err)
	assert.Equal(t, []byte("header"), v)
}
