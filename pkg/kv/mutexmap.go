package kv

import (
	"hash/fnv"
	"sync"
)

// MutexMap is a fixed-size lock table hashed by key, giving per-key
// exclusive critical sections without allocating a mutex per key. Two
// different keys that hash to the same shard serialize unnecessarily
// (false contention) but never deadlock, since a shard's mutex is always
// released on the same goroutine that acquired it.
type MutexMap struct {
	shards []sync.Mutex
}

// NewMutexMap creates a striped mutex map with the given number of shards.
// shards is rounded up to the next power of two for cheap masking.
func NewMutexMap(shards int) *MutexMap {
	n := 1
	for n < shards {
		n <<= 1
	}
	return &MutexMap{shards: make([]sync.Mutex, n)}
}

func (m *MutexMap) shardFor(key []byte) *sync.Mutex {
	h := fnv.New32a()
	h.Write(key)
	idx := h.Sum32() & uint32(len(m.shards)-1)
	return &m.shards[idx]
}

// Lock acquires the shard for key and returns an unlock function. Callers
// are expected to `defer mm.Lock(key)()`.
func (m *MutexMap) Lock(key []byte) func() {
	mu := m.shardFor(key)
	mu.Lock()
	return mu.Unlock
}
