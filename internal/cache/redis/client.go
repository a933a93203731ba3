package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/cache"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

const embeddingPrefix = "physio:embedding:"

// Store is the shared response cache used when several API replicas run.
type Store struct {
	client *redis.Client
	policy cache.TTLPolicy
	clock  clockwork.Clock
	prefix string
	log    *zap.Logger
}

func Connect(ctx context.Context, host string, port int, password string, db int) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "failed to connect to redis at %s", addr)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))
	return client, nil
}

func NewStore(client *redis.Client, policy cache.TTLPolicy, clock clockwork.Clock, prefix string) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if prefix == "" {
		prefix = "physio:cache:"
	}
	return &Store{
		client: client,
		policy: policy,
		clock:  clock,
		prefix: prefix,
		log:    logger.Named("cache.redis"),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Set(ctx context.Context, key string, resp *models.Response, qt models.QueryType) error {
	if resp == nil {
		return nil
	}
	ttl := s.policy.For(qt)
	entry := cache.Entry{
		Key:       key,
		Response:  resp,
		QueryType: qt,
		ExpiresAt: s.clock.Now().Add(ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "failed to marshal cache entry")
	}

	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return eris.Wrapf(cache.ErrUnavailable, "set %s: %v", key, err)
	}

	s.log.Debug("response cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (s *Store) Get(ctx context.Context, key string, qt models.QueryType) (*models.Response, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(cache.ErrUnavailable, "get %s: %v", key, err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = s.client.Del(ctx, s.prefix+key).Err()
		return nil, nil
	}

	if entry.Response == nil || entry.Expired(s.clock.Now()) {
		return nil, nil
	}

	s.log.Debug("cache hit", zap.String("key", key))
	return entry.Response, nil
}

// SetEmbedding caches a query embedding so repeated semantic searches skip
// the embedding call.
func (s *Store) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "failed to marshal embedding")
	}
	if err := s.client.Set(ctx, embeddingPrefix+textHash, data, ttl).Err(); err != nil {
		return eris.Wrap(err, "failed to set embedding cache")
	}
	return nil
}

func (s *Store) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := s.client.Get(ctx, embeddingPrefix+textHash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "failed to get embedding cache")
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, eris.Wrap(err, "failed to unmarshal embedding")
	}
	return embedding, true, nil
}
