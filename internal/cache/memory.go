package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

const DefaultPurgeInterval = 5 * time.Minute

type MemoryStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Evicted int64 `json:"evicted"`
}

type MemoryStore struct {
	policy TTLPolicy
	clock  clockwork.Clock

	mu      sync.RWMutex
	entries map[string]Entry
	hits    int64
	misses  int64
	evicted int64
}

func NewMemoryStore(policy TTLPolicy, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		policy:  policy,
		clock:   clock,
		entries: make(map[string]Entry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string, qt models.QueryType) (*models.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, nil
	}
	if entry.Expired(s.clock.Now()) {
		delete(s.entries, key)
		s.evicted++
		s.misses++
		return nil, nil
	}
	s.hits++
	return entry.Response.Clone(), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, resp *models.Response, qt models.QueryType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	s.mu.Lock()
	s.entries[key] = Entry{
		Key:       key,
		Response:  resp.Clone(),
		QueryType: qt,
		ExpiresAt: s.clock.Now().Add(s.policy.For(qt)),
	}
	s.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (s *MemoryStore) Purge() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	s.evicted += int64(n)
	return n
}

// RunPurge drops expired entries once per interval until ctx is done.
// Without it an expired entry lingers until its key is read again.
func (s *MemoryStore) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Purge()
		}
	}
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Stats() MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MemoryStats{
		Entries: len(s.entries),
		Hits:    s.hits,
		Misses:  s.misses,
		Evicted: s.evicted,
	}
}
