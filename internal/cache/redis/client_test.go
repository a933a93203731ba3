package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/physioclinic/ai-router/internal/cache"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClock()
	return NewStore(client, cache.DefaultTTLPolicy(), clock, "test:"), mr, clock
}

func TestStore_RoundTripAndTTL(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	resp := &models.Response{ID: "r1", Content: "Exercícios de estabilização", Confidence: 0.8, Source: models.SourcePremium}
	require.NoError(t, store.Set(ctx, "fp1", resp, models.QueryTypeExerciseRecommendation))

	assert.Equal(t, 12*time.Hour, mr.TTL("test:fp1"))

	got, err := store.Get(ctx, "fp1", models.QueryTypeExerciseRecommendation)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, resp.Content, got.Content)
	assert.Equal(t, resp.Confidence, got.Confidence)

	mr.FastForward(13 * time.Hour)
	got, err = store.Get(ctx, "fp1", models.QueryTypeExerciseRecommendation)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ExpiryCheckedAgainstClock(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "fp", &models.Response{Content: "x"}, models.QueryTypeProtocolSuggestion))
	clock.Advance(2 * time.Hour)

	got, err := store.Get(ctx, "fp", models.QueryTypeProtocolSuggestion)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Miss(t *testing.T) {
	store, _, _ := newTestStore(t)
	got, err := store.Get(context.Background(), "missing", models.QueryTypeGeneralQuestion)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_CorruptEntryIsDropped(t *testing.T) {
	store, mr, _ := newTestStore(t)
	require.NoError(t, mr.Set("test:bad", "{not json"))

	got, err := store.Get(context.Background(), "bad", models.QueryTypeGeneralQuestion)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("test:bad"))
}

func TestStore_Unavailable(t *testing.T) {
	store, mr, _ := newTestStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "fp", models.QueryTypeGeneralQuestion)
	assert.ErrorIs(t, err, cache.ErrUnavailable)
}

func TestStore_Embeddings(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetEmbedding(ctx, "h")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetEmbedding(ctx, "h", []float32{0.1, 0.2}, time.Hour))
	emb, ok, err := store.GetEmbedding(ctx, "h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, emb)
}
