package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisPrefix is the default key prefix of all partitions stored in Redis.
const DefaultRedisPrefix = "offline-cache"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0")
	URL string

	// Prefix namespaces every key (defaults to "offline-cache")
	Prefix string
}

// RedisCache implements Backend on Redis, so several proxy instances can share
// durable partitions. Each partition is a hash; a set tracks partition names.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a new Redis backend and checks the connection.
func NewRedis(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	logrus.Infof("Redis partition backend connected, prefix=%s", prefix)

	return NewRedisWithClient(client, prefix), nil
}

// NewRedisWithClient wraps an existing client
func NewRedisWithClient(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) setKey() string {
	return r.prefix + ":partitions"
}

func (r *RedisCache) hashKey(name string) string {
	return r.prefix + ":p:" + name
}

func (r *RedisCache) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid partition name: %q", name)
	}
	if err := r.client.SAdd(ctx, r.setKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	return &redisPartition{name: name, key: r.hashKey(name), backend: r}, nil
}

func (r *RedisCache) Lookup(ctx context.Context, name string) (Partition, bool, error) {
	ok, err := r.client.SIsMember(ctx, r.setKey(), name).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &redisPartition{name: name, key: r.hashKey(name), backend: r}, true, nil
}

func (r *RedisCache) List(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisCache) Drop(ctx context.Context, name string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.hashKey(name))
		pipe.SRem(ctx, r.setKey(), name)
		return nil
	})
	return err
}

func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

type redisPartition struct {
	name    string
	key     string
	backend *RedisCache
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := p.backend.client.HGet(ctx, p.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entry from redis: %w", err)
	}
	return data, nil
}

func (p *redisPartition) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, p.backend.setKey(), p.name)
		pipe.HSet(ctx, p.key, key, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set entry in redis: %w", err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) error {
	return p.backend.client.HDel(ctx, p.key, key).Err()
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.backend.client.HKeys(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries in redis: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
