package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

type memStore struct {
	entries map[string]*models.KnowledgeEntry
	listErr error
}

func newMemStore(n int) *memStore {
	s := &memStore{entries: map[string]*models.KnowledgeEntry{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%03d", i)
		s.entries[id] = &models.KnowledgeEntry{ID: id, Title: id}
	}
	return s
}

func (s *memStore) UpsertEntry(_ context.Context, e *models.KnowledgeEntry) error {
	s.entries[e.ID] = e
	return nil
}

func (s *memStore) CountEntries(context.Context) (int, error) { return len(s.entries), nil }

func (s *memStore) ListEntries(_ context.Context, afterID string, limit int) ([]*models.KnowledgeEntry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*models.KnowledgeEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id])
	}
	return out, nil
}

type countingIndexer struct {
	ids    []string
	failOn string
}

func (c *countingIndexer) IndexEntry(_ context.Context, e *models.KnowledgeEntry) error {
	if e.ID == c.failOn {
		return errors.New("index write failed")
	}
	c.ids = append(c.ids, e.ID)
	return nil
}

func TestRebuild_PagesThroughEverything(t *testing.T) {
	store := newMemStore(250)
	graph := &countingIndexer{failOn: "e007"}
	vector := &countingIndexer{}
	b := NewBuilder(store, clockwork.NewFakeClock(),
		NamedIndexer{Name: "neo4j", Indexer: graph},
		NamedIndexer{Name: "zilliz", Indexer: vector},
	)

	report, err := b.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 250, report.Entries)
	assert.Equal(t, 249, report.Indexed["neo4j"])
	assert.Equal(t, 1, report.Failed["neo4j"])
	assert.Equal(t, 250, report.Indexed["zilliz"])
	assert.Len(t, vector.ids, 250)
	assert.True(t, sort.StringsAreSorted(vector.ids))
}

func TestRebuild_StoreErrorAborts(t *testing.T) {
	store := newMemStore(3)
	store.listErr = errors.New("database is locked")
	b := NewBuilder(store, nil, NamedIndexer{Name: "neo4j", Indexer: &countingIndexer{}})

	_, err := b.Rebuild(context.Background())
	assert.Error(t, err)
}

func TestRebuild_NoIndexersIsNoop(t *testing.T) {
	report, err := NewBuilder(newMemStore(5), nil).Rebuild(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Entries)
}

func TestSeed_OnlyWhenEmpty(t *testing.T) {
	store := newMemStore(0)
	idx := &countingIndexer{}
	b := NewBuilder(store, clockwork.NewFakeClock(), NamedIndexer{Name: "neo4j", Indexer: idx})

	n, err := b.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(seedEntries()), n)
	assert.Len(t, idx.ids, n)
	for _, e := range store.entries {
		assert.Empty(t, e.TenantID, "seed entries are global")
		assert.Contains(t, models.EvidenceLevels, e.EvidenceLevel)
	}

	again, err := b.Seed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again)
}
