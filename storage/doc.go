// Package storage provides the key-value store shared by every client
// connection of a redis-lite node.
//
// Records hold a value and an optional absolute expiry. Expiry is lazy: a
// record past its deadline is removed by the first read that observes it, and
// there is no background sweeper.
//
// Basic usage:
//
//	store := storage.NewMemory()
//	_ = store.Set("key", []byte("value"), 0)            // no expiry
//	_ = store.Set("session", []byte("x"), time.Second) // expires in 1s
//	value, exists := store.Get("key")
//
// MemoryStorage stripes its locks across shards chosen by an xxhash of the
// key, so concurrent SET/GET on the same key are linearizable while unrelated
// keys do not contend.
package storage
