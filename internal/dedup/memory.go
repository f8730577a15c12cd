package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryIndex is the process-local fallback used when Redis is unavailable
// at startup. The window does not survive restarts and is not shared across
// replicas, which only costs occasional duplicate stubs.
type MemoryIndex struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	processedAt time.Time
	metadata    map[string]string
}

func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{
		ttl:     ttl,
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (i *MemoryIndex) Seen(_ context.Context, fingerprint string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.evictLocked()
	_, ok := i.entries[fingerprint]
	return ok, nil
}

func (i *MemoryIndex) Mark(_ context.Context, fingerprint string, metadata map[string]string) error {
	if i.ttl <= 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.evictLocked()
	i.entries[fingerprint] = memEntry{processedAt: i.now().UTC(), metadata: metadata}
	return nil
}

func (i *MemoryIndex) CleanupExpired(_ context.Context) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.evictLocked(), nil
}

func (i *MemoryIndex) Stats(_ context.Context) (Stats, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.evictLocked()

	stats := Stats{
		Backend:      "memory",
		TotalEntries: int64(len(i.entries)),
		AgeBuckets:   newAgeBuckets(),
		TTLSeconds:   int64(i.ttl / time.Second),
	}
	now := i.now().UTC()
	for _, e := range i.entries {
		bucketAge(stats.AgeBuckets, now.Sub(e.processedAt))
	}
	return stats, nil
}

func (i *MemoryIndex) Ping(context.Context) error { return nil }

// evictLocked drops entries past their TTL. Callers hold the mutex.
func (i *MemoryIndex) evictLocked() int {
	if i.ttl <= 0 {
		return 0
	}
	cutoff := i.now().UTC().Add(-i.ttl)
	removed := 0
	for fp, e := range i.entries {
		if e.processedAt.Before(cutoff) {
			delete(i.entries, fp)
			removed++
		}
	}
	return removed
}
