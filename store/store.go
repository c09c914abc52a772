// Package store provides the persistent keyed storage backing the sequencer
// pool and the credits ledger, along with a one-shot alarm scheduler that
// actors use for expiry and interval resets.
package store

// Item is a single stored key-value pair.
type Item struct {
	Key   string
	Value []byte
}

// Store is a persistent keyed store with prefix scans. Keys are ordered
// lexicographically within a prefix.
type Store interface {
	Put(key string, value []byte) error
	// Get returns the stored value and whether the key exists.
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	// List returns up to limit items whose keys start with prefix. A limit
	// of zero or less means no limit.
	List(prefix string, limit int) ([]Item, error)
	// DeleteAll removes every key starting with prefix and returns the
	// number of keys removed.
	DeleteAll(prefix string) (int, error)
}
