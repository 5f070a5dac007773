package storage

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrClosed is returned by writes to a closed storage
var ErrClosed = errors.New("storage: closed")

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// MemoryStorage implements an in-memory storage engine
type MemoryStorage struct {
	shards    []shard
	shardMask uint64
	now       func() time.Time
	closed    atomic.Bool
}

// MemoryOption is a function that configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards for the storage.
// The number is rounded up to the next power of 2.
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			n := nextPowerOf2(count)
			s.shards = make([]shard, n)
			s.shardMask = uint64(n - 1)
		}
	}
}

// WithClock replaces the time source used for expiry decisions
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory creates a new in-memory storage instance with 16 shards by default
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		shards:    make([]shard, 16),
		shardMask: 15,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	for i := range s.shards {
		s.shards[i].data = make(map[string]*Value)
	}

	return s
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// shardFor returns the shard owning key
func (s *MemoryStorage) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// Get retrieves a value by key
func (s *MemoryStorage) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	value, exists := sh.data[key]
	if !exists {
		sh.mu.RUnlock()
		return nil, false
	}

	if value.IsExpiredAt(s.now()) {
		sh.mu.RUnlock()
		s.deleteExpiredKey(sh, key)
		return nil, false
	}

	result := make([]byte, len(value.Data))
	copy(result, value.Data)
	sh.mu.RUnlock()

	return result, true
}

// Set stores a value with an optional time to live
func (s *MemoryStorage) Set(key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}

	record := &Value{Data: append([]byte(nil), value...)}
	if ttl > 0 {
		expiry := s.now().Add(ttl)
		record.Expiry = &expiry
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = record
	sh.mu.Unlock()

	return nil
}

// Del deletes one or more keys
func (s *MemoryStorage) Del(keys ...string) int64 {
	deleted := int64(0)
	now := s.now()

	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if value, exists := sh.data[key]; exists {
			delete(sh.data, key)
			if !value.IsExpiredAt(now) {
				deleted++
			}
		}
		sh.mu.Unlock()
	}

	return deleted
}

// Exists checks if keys exist
func (s *MemoryStorage) Exists(keys ...string) int64 {
	count := int64(0)
	now := s.now()

	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.RLock()
		if value, exists := sh.data[key]; exists && !value.IsExpiredAt(now) {
			count++
		}
		sh.mu.RUnlock()
	}

	return count
}

// KeyCount returns the total number of keys
func (s *MemoryStorage) KeyCount() int64 {
	count := int64(0)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}
	return count
}

// Close closes the storage and drops all records
func (s *MemoryStorage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
	}
	return nil
}

// deleteExpiredKey deletes key if it is still expired under the write lock.
// A concurrent SET may have replaced the record since the read.
func (s *MemoryStorage) deleteExpiredKey(sh *shard, key string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if value, exists := sh.data[key]; exists && value.IsExpiredAt(s.now()) {
		delete(sh.data, key)
	}
}
