package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
)

const fastShards = 32

type fastEntry struct {
	value     []byte
	group     string
	expiresAt time.Time
}

type fastShard struct {
	mu      sync.RWMutex
	entries map[string]fastEntry
}

// fastTier is the in-process tier. Locks are striped by key hash and held
// only for the duration of a single map operation.
type fastTier struct {
	shards      [fastShards]*fastShard
	maxPerShard int
	clock       clockwork.Clock
}

func newFastTier(maxEntries int, clock clockwork.Clock) *fastTier {
	f := &fastTier{
		maxPerShard: max(1, maxEntries/fastShards),
		clock:       clock,
	}
	for i := range f.shards {
		f.shards[i] = &fastShard{entries: make(map[string]fastEntry)}
	}
	return f
}

func fastKey(group, key string) string {
	return group + "\x00" + key
}

func (f *fastTier) shard(k string) *fastShard {
	return f.shards[xxhash.Sum64String(k)%fastShards]
}

func (f *fastTier) get(group, key string) ([]byte, bool) {
	k := fastKey(group, key)
	s := f.shard(k)

	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !f.clock.Now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[k]; ok && !f.clock.Now().Before(cur.expiresAt) {
			delete(s.entries, k)
		}
		s.mu.Unlock()
		return nil, false
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (f *fastTier) set(group, key string, value []byte, ttl time.Duration) {
	k := fastKey(group, key)
	s := f.shard(k)
	now := f.clock.Now()

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[k]; !exists && len(s.entries) >= f.maxPerShard {
		s.evict(now)
	}
	s.entries[k] = fastEntry{value: stored, group: group, expiresAt: now.Add(ttl)}
}

// evict drops expired entries, falling back to the entry closest to expiry.
// Caller holds s.mu.
func (s *fastShard) evict(now time.Time) {
	var (
		victim    string
		victimExp time.Time
	)
	removed := false
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed = true
			continue
		}
		if victim == "" || e.expiresAt.Before(victimExp) {
			victim, victimExp = k, e.expiresAt
		}
	}
	if !removed && victim != "" {
		delete(s.entries, victim)
	}
}

func (f *fastTier) delete(group, key string) {
	k := fastKey(group, key)
	s := f.shard(k)
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
}

// flush removes entries for which drop returns true and reports how many
// were removed.
func (f *fastTier) flush(drop func(group string) bool) int {
	removed := 0
	for _, s := range f.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if drop(e.group) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (f *fastTier) sweepExpired() int {
	now := f.clock.Now()
	removed := 0
	for _, s := range f.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (f *fastTier) size() (entries int, bytes int64) {
	for _, s := range f.shards {
		s.mu.RLock()
		entries += len(s.entries)
		for _, e := range s.entries {
			bytes += int64(len(e.value))
		}
		s.mu.RUnlock()
	}
	return entries, bytes
}
