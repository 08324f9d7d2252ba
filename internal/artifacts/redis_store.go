package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig configures the Redis artifact store.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "agentbridge:artifacts".
	Prefix string
	// TTL expires artifacts after the given duration; zero keeps them.
	TTL time.Duration
}

// RedisStore keeps artifact versions in Redis hashes. Expiry is handled by
// Redis itself through TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "agentbridge:artifacts"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Save stores data under a version allocated with INCR.
func (s *RedisStore) Save(ctx context.Context, obj Object, data io.Reader) (int, error) {
	if err := obj.Validate(); err != nil {
		return 0, err
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return 0, fmt.Errorf("read artifact data: %w", err)
	}

	seqKey := s.seqKey(obj.SessionKey, obj.Filename)
	n, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate artifact version: %w", err)
	}
	version := int(n)
	dataKey := s.versionKey(obj.SessionKey, obj.Filename, version)
	indexKey := s.indexKey(obj.SessionKey)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, dataKey,
			"mime_type", obj.MimeType,
			"owner", obj.Owner,
			"created_at", time.Now().UnixNano(),
			"data", buf,
		)
		pipe.SAdd(ctx, indexKey, seqKey, dataKey)
		if s.ttl > 0 {
			pipe.Expire(ctx, dataKey, s.ttl)
			pipe.Expire(ctx, seqKey, s.ttl)
			pipe.Expire(ctx, indexKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save artifact to redis: %w", err)
	}
	return version, nil
}

// LoadBytes reads a version; Latest resolves through the version counter.
func (s *RedisStore) LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	if version == Latest {
		raw, err := s.client.Get(ctx, s.seqKey(sessionKey, filename)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, notFound(sessionKey, filename, version)
		}
		if err != nil {
			return nil, fmt.Errorf("get artifact version: %w", err)
		}
		if version, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("parse artifact version %q: %w", raw, err)
		}
	}

	data, err := s.client.HGet(ctx, s.versionKey(sessionKey, filename, version), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(sessionKey, filename, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact from redis: %w", err)
	}
	return data, nil
}

// DeleteSession removes every key recorded in the session index.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionKey string) error {
	indexKey := s.indexKey(sessionKey)
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("list session artifacts: %w", err)
	}
	keys = append(keys, indexKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session artifacts: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) seqKey(sessionKey, filename string) string {
	return fmt.Sprintf("%s:%s:%s:seq", s.prefix, encodeName(sessionKey), encodeName(filename))
}

func (s *RedisStore) versionKey(sessionKey, filename string, version int) string {
	return fmt.Sprintf("%s:%s:%s:v:%d", s.prefix, encodeName(sessionKey), encodeName(filename), version)
}

func (s *RedisStore) indexKey(sessionKey string) string {
	return fmt.Sprintf("%s:%s:keys", s.prefix, encodeName(sessionKey))
}
