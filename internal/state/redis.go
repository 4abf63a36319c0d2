package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Keys expire after a week; daily state is only read back same-day and
// the margin covers long weekends.
const keyTTL = 7 * 24 * time.Hour

// RedisStore persists state in Redis with a read-through in-memory
// shadow. While Redis is unreachable, reads keep working from the shadow
// so pattern/zone evaluation can continue, but Available reports false
// and the gatekeeper halts new entries until durability returns.
type RedisStore struct {
	client    *redis.Client
	shadow    map[string][]byte
	mu        sync.RWMutex
	available atomic.Bool
	logger    zerolog.Logger
}

// NewRedisStore creates a store backed by the given client. The initial
// availability is probed with a short ping.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	s := &RedisStore{
		client: client,
		shadow: make(map[string][]byte),
		logger: logger.With().Str("component", "state").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("redis unreachable at startup, failing closed")
		s.available.Store(false)
	} else {
		s.logger.Info().Msg("redis connected")
		s.available.Store(true)
	}
	return s
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		s.markAvailable()
		s.shadowSet(key, data)
		return data, nil
	case errors.Is(err, redis.Nil):
		s.markAvailable()
		return nil, ErrNotFound
	default:
		s.markUnavailable(err)
		return s.shadowGet(key)
	}
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	s.shadowSet(key, value)
	if err := s.client.Set(ctx, key, value, keyTTL).Err(); err != nil {
		s.markUnavailable(err)
		return err
	}
	s.markAvailable()
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.shadow, key)
	s.mu.Unlock()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.markUnavailable(err)
		return err
	}
	s.markAvailable()
	return nil
}

// Available reports whether the last Redis operation succeeded
func (s *RedisStore) Available() bool {
	return s.available.Load()
}

// Ping re-probes the backend, used by the health endpoint
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.markUnavailable(err)
		return err
	}
	s.markAvailable()
	return nil
}

func (s *RedisStore) shadowGet(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.shadow[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *RedisStore) shadowSet(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.shadow[key] = v
}

func (s *RedisStore) markAvailable() {
	if !s.available.Swap(true) {
		s.logger.Info().Msg("redis reachable again, resuming durable writes")
	}
}

func (s *RedisStore) markUnavailable(err error) {
	if s.available.Swap(false) {
		s.logger.Warn().Err(err).Msg("redis unreachable, new entries halted")
	}
}
