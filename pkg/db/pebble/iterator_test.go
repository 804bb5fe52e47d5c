package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/vmprotect/pkg/db"
)

func TestIterator(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store *KVStore)
	}{
		{
			name: "full_range_iteration",
			fn:   testFullRangeIteration,
		},
		{
			name: "prefix_iteration",
			fn:   testPrefixIteration,
		},
		{
			name: "iterator_validity",
			fn:   testIteratorValidity,
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

func collect(t *testing.T, iter db.Iterator) map[string]string {
	t.Helper()
	defer iter.Close() //nolint:errcheck

	got := map[string]string{}
	for iter.Next() {
		value, err := iter.Value()
		require.NoError(t, err)
		got[string(iter.Key())] = string(value)
	}
	return got
}

func testFullRangeIteration(t *testing.T, store *KVStore) {
	data := map[string]string{
		"a": "value-a",
		"b": "value-b",
		"c": "value-c",
		"d": "value-d",
	}
	for k, v := range data {
		require.NoError(t, store.Put([]byte(k), []byte(v)))
	}

	iter, err := store.NewIterator(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, data, collect(t, iter))
}

func testPrefixIteration(t *testing.T, store *KVStore) {
	for k, v := range map[string]string{
		"entry/a": "1",
		"entry/b": "2",
		"entrz":   "outside",
		"header":  "outside",
	} {
		require.NoError(t, store.Put([]byte(k), []byte(v)))
	}

	iter, err := store.NewPrefixIterator([]byte("entry/"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"entry/a": "1", "entry/b": "2"}, collect(t, iter))
}

func testIteratorValidity(t *testing.T, store *KVStore) {
	require.NoError(t, store.Put([]byte("key1"), []byte("value1")))
	require.NoError(t, store.Put([]byte("key2"), []byte("value2")))

	iter, err := store.NewIterator(nil, nil)
	require.NoError(t, err)
	defer iter.Close() //nolint:errcheck

	// unpositioned until the first Next
	assert.False(t, iter.Valid())

	assert.True(t, iter.Next())
	assert.Equal(t, []byte("key1"), iter.Key())
	assert.True(t, iter.Next())
	assert.Equal(t, []byte("key2"), iter.Key())

	assert.False(t, iter.Next())
	assert.False(t, iter.Valid())
	// an exhausted iterator does not restart
	assert.False(t, iter.Next())

	_, err = iter.Value()
	assert.ErrorIs(t, err, ErrIteratorInvalid)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("entry0"), db.PrefixEnd([]byte("entry/")))
	assert.Equal(t, []byte{0x02}, db.PrefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, db.PrefixEnd([]byte{0xff, 0xff}))
}
