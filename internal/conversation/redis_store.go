package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/lexiqai/finance-gateway/internal/resilience"
)

const (
	defaultKeyPrefix = "finance-gateway:conversation"
	maxTxAttempts    = 5
)

// RedisStore keeps each conversation as one JSON document whose key expires
// after the TTL of inactivity. Updates are optimistic WATCH/MULTI transactions.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// RedisStoreConfig configures a RedisStore
type RedisStoreConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, config *RedisStoreConfig) *RedisStore {
	if config == nil {
		config = &RedisStoreConfig{}
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		ttl:       config.TTL,
		now:       time.Now,
	}
}

// DialRedisStore parses redisURL, connects and pings with reconnect backoff
func DialRedisStore(ctx context.Context, redisURL string, config *RedisStoreConfig, reconnect *resilience.ReconnectConfig, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	err = resilience.Reconnect(ctx, "redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, reconnect, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to Redis conversation store")
	return NewRedisStore(client, config), nil
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + ":" + id
}

// Load implements Store
func (s *RedisStore) Load(ctx context.Context, id string) (*Conversation, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*Conversation, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return New(id, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	if conv.Config == nil {
		conv.Config = make(map[string]string)
	}
	return &conv, nil
}

// Append implements Store
func (s *RedisStore) Append(ctx context.Context, id string, turns ...Turn) error {
	return s.update(ctx, id, func(conv *Conversation) error {
		return conv.Append(s.now(), turns...)
	})
}

// SetConfig implements Store
func (s *RedisStore) SetConfig(ctx context.Context, id, key, value string) error {
	return s.update(ctx, id, func(conv *Conversation) error {
		conv.Set(key, value, s.now())
		return nil
	})
}

// update runs a load-modify-save cycle, retrying when another writer
// changed the key in between
func (s *RedisStore) update(ctx context.Context, id string, mutate func(*Conversation) error) error {
	key := s.key(id)

	txf := func(tx *redis.Tx) error {
		conv, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(conv); err != nil {
			return err
		}

		data, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to encode conversation %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("conversation %s: too much write contention", id)
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// Healthy implements Store
func (s *RedisStore) Healthy(ctx context.Context) (bool, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}
