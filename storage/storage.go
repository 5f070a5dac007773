package storage

import "time"

// Storage defines the interface for data storage operations
type Storage interface {
	// Get returns the value stored at key. Expired records are deleted and
	// reported as absent.
	Get(key string) ([]byte, bool)

	// Set stores value at key, replacing any previous record and its expiry.
	// A ttl <= 0 stores the record without expiry.
	Set(key string, value []byte, ttl time.Duration) error

	// Del deletes keys and returns how many existed
	Del(keys ...string) int64

	// Exists returns how many of keys are present and not expired
	Exists(keys ...string) int64

	// KeyCount returns the number of records, including expired records not
	// yet observed by a read
	KeyCount() int64

	// Close releases the storage. Subsequent writes fail with ErrClosed.
	Close() error
}
