// Package priority implements C6, the PriorityIndex: an atomically
// replaceable set of digests pinned against eviction by CacheStore.
package priority

import (
	"sync"

	"github.com/lumenvale/shuttercore/internal/domain"
)

// Index is a concurrency-safe set of pinned digests. The whole set is
// replaced in one atomic step by Set, never mutated incrementally, so a
// reader never observes a partial update.
type Index struct {
	mu  sync.RWMutex
	set map[domain.Digest]struct{}
}

func New() *Index {
	return &Index{set: make(map[domain.Digest]struct{})}
}

// Set replaces the pinned set wholesale. A nil or empty slice clears it.
func (idx *Index) Set(digests []domain.Digest) {
	next := make(map[domain.Digest]struct{}, len(digests))
	for _, d := range digests {
		next[d] = struct{}{}
	}

	idx.mu.Lock()
	idx.set = next
	idx.mu.Unlock()
}

// Contains reports whether digest is currently pinned.
func (idx *Index) Contains(digest domain.Digest) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.set[digest]
	return ok
}

// Snapshot returns the current pinned digests in no particular order.
func (idx *Index) Snapshot() []domain.Digest {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]domain.Digest, 0, len(idx.set))
	for d := range idx.set {
		out = append(out, d)
	}
	return out
}

// Len returns the number of pinned digests.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.set)
}
