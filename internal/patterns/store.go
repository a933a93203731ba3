// Package patterns aggregates how often, when and by whom each query is
// asked. The warmer reads these aggregates to decide what to pre-cache.
package patterns

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/fingerprint"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

type Observer interface {
	Observe(obs models.PatternObservation)
}

// Key identifies a pattern by tenant, query type and normalized text.
func Key(q models.Query) string {
	return q.Context.TenantID + "|" + string(q.Type) + "|" + fingerprint.Normalize(q.Text)
}

// Store keeps every pattern until Prune removes it; there is no size-based
// eviction.
type Store struct {
	mu       sync.RWMutex
	patterns map[string]*models.QueryPattern
}

func NewStore() *Store {
	return &Store{patterns: make(map[string]*models.QueryPattern)}
}

// Observe increments the aggregate for the observed query.
func (s *Store) Observe(obs models.PatternObservation) {
	q := obs.Query
	key := Key(q)
	at := obs.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[key]
	if !ok {
		p = &models.QueryPattern{
			Key:            key,
			TenantID:       q.Context.TenantID,
			QueryType:      q.Type,
			NormalizedText: fingerprint.Normalize(q.Text),
			UserRoles:      make(map[string]bool),
			TimeOfDay:      make(map[int]bool),
			DayOfWeek:      make(map[time.Weekday]bool),
		}
		s.patterns[key] = p
	}

	p.Frequency++
	p.AvgResponseTime += (obs.ResponseTime - p.AvgResponseTime) / time.Duration(p.Frequency)
	if at.After(p.LastUsed) {
		p.LastUsed = at
		p.Sample = q
		p.Fingerprint = q.Fingerprint
	}
	if q.Context.UserRole != "" {
		p.UserRoles[q.Context.UserRole] = true
	}
	p.TimeOfDay[at.Hour()] = true
	p.DayOfWeek[at.Weekday()] = true
}

// Prune is the data-retention cleanup: it deletes patterns not used since
// cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, p := range s.patterns {
		if p.LastUsed.Before(cutoff) {
			delete(s.patterns, k)
			n++
		}
	}
	return n
}

// RunRetention prunes patterns idle for longer than retention once per
// interval until ctx is done. A non-positive retention disables it.
func (s *Store) RunRetention(ctx context.Context, clock clockwork.Clock, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	log := logger.Named("patterns")
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.Prune(clock.Now().Add(-retention)); n > 0 {
				log.Info("pruned idle query patterns", zap.Int("removed", n), zap.Duration("retention", retention))
			}
		}
	}
}

// Snapshot returns deep copies of all patterns with at least minFrequency
// hits, most frequent first.
func (s *Store) Snapshot(minFrequency int) []models.QueryPattern {
	s.mu.RLock()
	out := make([]models.QueryPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if p.Frequency < minFrequency {
			continue
		}
		out = append(out, clonePattern(p))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

func clonePattern(p *models.QueryPattern) models.QueryPattern {
	c := *p
	c.UserRoles = make(map[string]bool, len(p.UserRoles))
	for k, v := range p.UserRoles {
		c.UserRoles[k] = v
	}
	c.TimeOfDay = make(map[int]bool, len(p.TimeOfDay))
	for k, v := range p.TimeOfDay {
		c.TimeOfDay[k] = v
	}
	c.DayOfWeek = make(map[time.Weekday]bool, len(p.DayOfWeek))
	for k, v := range p.DayOfWeek {
		c.DayOfWeek[k] = v
	}
	return c
}

// Feed decouples the query path from the aggregate: Observe never blocks,
// and Run applies observations on its own goroutine.
type Feed struct {
	ch      chan models.PatternObservation
	sink    Observer
	dropped atomic.Int64
	log     *zap.Logger
}

func NewFeed(sink Observer, buffer int) *Feed {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Feed{
		ch:   make(chan models.PatternObservation, buffer),
		sink: sink,
		log:  logger.Named("patterns"),
	}
}

func (f *Feed) Observe(obs models.PatternObservation) {
	select {
	case f.ch <- obs:
	default:
		if n := f.dropped.Add(1); n%100 == 1 {
			f.log.Warn("pattern feed full, dropping observations", zap.Int64("dropped", n))
		}
	}
}

func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Run drains the feed until ctx is done, then flushes what is buffered.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case obs := <-f.ch:
			f.sink.Observe(obs)
		case <-ctx.Done():
			for {
				select {
				case obs := <-f.ch:
					f.sink.Observe(obs)
				default:
					return
				}
			}
		}
	}
}
