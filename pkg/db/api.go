package db

// KVStore represents a key-value storage interface providing basic operations
// for data manipulation and iteration.
type KVStore interface {
	Writer
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	NewBatch() Batch
	NewIterator(start, end []byte) (Iterator, error)
	Close() error
}

type Writer interface {
	Put(key []byte, value []byte) error
}

// Batch represents an atomic batch of operations.
// All operations in a batch are performed atomically.
type Batch interface {
	Writer
	Delete(key []byte) error
	DeleteRange(start, end []byte) error
	Commit() error
	Close() error
}

// Iterator provides sequential access over a range of key-value pairs.
// Iterators must be closed after use.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() ([]byte, error)
	Valid() bool
	Close() error
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
