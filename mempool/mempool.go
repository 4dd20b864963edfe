// Package mempool defines the payload collaborator the engine consumes —
// Get/Verify/Cleanup — and a reference in-memory implementation.
package mempool

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
)

// Driver is the mempool collaborator interface the engine calls into: draw a
// payload batch for a new proposal, verify an inbound block's payload, and
// drop digests once their block has been committed or excluded.
type Driver interface {
	Get(maxBytes int) ([]common.Hash, error)
	Verify(block *common.Hash, payload []common.Hash) bool
	Cleanup(payload []common.Hash, epoch, height uint64)
}

// InMemory is a reference Driver backed by a bounded LRU set of pending
// digests, which Get draws from, and a fastcache blob cache of their raw
// payload bytes, which Verify checks inbound payload digests against.
type InMemory struct {
	mu      sync.Mutex
	pending *lru.Cache // digest -> approximate payload size
	blobs   *fastcache.Cache
	avgSize int
}

// NewInMemory builds an InMemory mempool holding up to capacity pending
// digests, with a blobCacheBytes-sized payload blob cache.
func NewInMemory(capacity int, blobCacheBytes int) (*InMemory, error) {
	pending, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &InMemory{
		pending: pending,
		blobs:   fastcache.New(blobCacheBytes),
		avgSize: 256,
	}, nil
}

// Submit adds a client payload digest to the pending set and caches its raw
// bytes for later retrieval by Verify.
func (m *InMemory) Submit(digest common.Hash, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.Add(digest, len(payload))
	m.blobs.Set(digest.Bytes(), payload)
}

// Get returns up to maxBytes worth of pending digests for a new proposal,
// in LRU recency order, without removing them (they are dropped only once
// Cleanup reports their block's fate).
func (m *InMemory) Get(maxBytes int) ([]common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var digests []common.Hash
	used := 0
	for _, key := range m.pending.Keys() {
		if used+m.avgSize > maxBytes {
			break
		}
		digests = append(digests, key.(common.Hash))
		used += m.avgSize
	}
	return digests, nil
}

// Verify reports whether every digest in payload is known locally. The
// block digest itself is accepted without further checks since payload
// content, not block framing, is what Verify is responsible for.
func (m *InMemory) Verify(block *common.Hash, payload []common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, digest := range payload {
		if !m.blobs.Has(digest.Bytes()) {
			return false
		}
	}
	return true
}

// Cleanup drops every digest in payload from the pending set once the
// controller reports (epoch, height) has been committed or excluded.
func (m *InMemory) Cleanup(payload []common.Hash, epoch, height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, digest := range payload {
		m.pending.Remove(digest)
		m.blobs.Del(digest.Bytes())
	}
}
