package semcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryBackend keeps buckets of entries in a size-bounded LRU. Each bucket
// value is an immutable slice that is replaced wholesale on write, so a
// concurrent reader never observes a partially constructed bucket.
type MemoryBackend struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, []*Entry]

	// maxPerBucket bounds the linear similarity scan inside one bucket.
	maxPerBucket int
}

// NewMemoryBackend creates an in-process backend holding at most size
// buckets, each capped at maxPerBucket entries (oldest dropped first).
func NewMemoryBackend(size, maxPerBucket int) (*MemoryBackend, error) {
	if maxPerBucket <= 0 {
		maxPerBucket = 32
	}
	buckets, err := lru.New[string, []*Entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{buckets: buckets, maxPerBucket: maxPerBucket}, nil
}

func (m *MemoryBackend) Lookup(_ context.Context, key Key, embedding []float64, threshold float64) (*Entry, error) {
	m.mu.Lock()
	entries, ok := m.buckets.Get(key.String())
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	now := time.Now()
	var best *Entry
	bestSim := 0.0
	expired := 0
	for _, e := range entries {
		if e.expired(now) {
			expired++
			continue
		}
		if sim := Cosine(embedding, e.Embedding); sim >= threshold && sim > bestSim {
			best, bestSim = e, sim
		}
	}

	// Lazy eviction: rewrite the bucket without expired entries.
	if expired > 0 {
		live := make([]*Entry, 0, len(entries)-expired)
		for _, e := range entries {
			if !e.expired(now) {
				live = append(live, e)
			}
		}
		m.publish(key.String(), live)
	}

	return best, nil
}

func (m *MemoryBackend) Store(_ context.Context, key Key, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, _ := m.buckets.Get(key.String())
	next := make([]*Entry, 0, len(entries)+1)
	now := time.Now()
	for _, e := range entries {
		if !e.expired(now) {
			next = append(next, e)
		}
	}
	next = append(next, entry)
	if len(next) > m.maxPerBucket {
		next = next[len(next)-m.maxPerBucket:]
	}
	m.buckets.Add(key.String(), next)
	return nil
}

func (m *MemoryBackend) Sweep(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, k := range m.buckets.Keys() {
		entries, ok := m.buckets.Peek(k)
		if !ok {
			continue
		}
		live := entries[:0:0]
		for _, e := range entries {
			if !e.expired(now) {
				live = append(live, e)
			}
		}
		if len(live) == len(entries) {
			continue
		}
		removed += len(entries) - len(live)
		if len(live) == 0 {
			m.buckets.Remove(k)
		} else {
			m.buckets.Add(k, live)
		}
	}
	return removed
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets.Purge()
	return nil
}

func (m *MemoryBackend) publish(key string, entries []*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(entries) == 0 {
		m.buckets.Remove(key)
		return
	}
	m.buckets.Add(key, entries)
}

// exactStore is the degraded-mode fallback: exact-match keyed storage that
// still carries the full tenant-scoped key. It never performs similarity
// matching.
type exactStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Entry]
}

func newExactStore(size int) (*exactStore, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &exactStore{cache: c}, nil
}

func (s *exactStore) key(key Key, embedding []float64) string {
	return key.String() + ":" + embeddingDigest(embedding)
}

func (s *exactStore) get(key Key, embedding []float64) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(s.key(key, embedding))
	if !ok || e.expired(time.Now()) {
		return nil
	}
	return e
}

func (s *exactStore) put(key Key, embedding []float64, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(s.key(key, embedding), entry)
}

func (s *exactStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for _, k := range s.cache.Keys() {
		if e, ok := s.cache.Peek(k); ok && e.expired(now) {
			s.cache.Remove(k)
			removed++
		}
	}
	return removed
}
