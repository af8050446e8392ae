// Package infra holds the concrete driver adapters behind the store
// interfaces.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/store"
)

// GoRedisAdapter implements store.RedisClient on go-redis v9.
type GoRedisAdapter struct {
	rdb redis.UniversalClient
}

// redisOptions accepts either host:port or a redis:// / rediss:// URL in
// Addr. Password and DB from the config win over the URL.
func redisOptions(rc config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{Addr: rc.Addr}
	if strings.HasPrefix(rc.Addr, "redis://") || strings.HasPrefix(rc.Addr, "rediss://") {
		parsed, err := redis.ParseURL(rc.Addr)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = parsed
	}
	if rc.Password != "" {
		opts.Password = rc.Password
	}
	if rc.DB != 0 {
		opts.DB = rc.DB
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20
	return opts, nil
}

// NewGoRedisAdapter connects and pings. A failed ping is returned so the
// caller can refuse to start rather than silently lose snapshots.
func NewGoRedisAdapter(rc config.RedisConfig) (*GoRedisAdapter, error) {
	opts, err := redisOptions(rc)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	slog.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// NewGoRedisAdapterFromClient wraps an existing client without pinging it.
func NewGoRedisAdapterFromClient(rdb redis.UniversalClient) *GoRedisAdapter {
	return &GoRedisAdapter{rdb: rdb}
}

func (a *GoRedisAdapter) Close() error { return a.rdb.Close() }

// Ping is the /health probe.
func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	case err != nil:
		return nil, err
	}
	return val, nil
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return a.rdb.Del(ctx, keys...).Err()
}

func members(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func (a *GoRedisAdapter) SAdd(ctx context.Context, key string, ids ...string) error {
	return a.rdb.SAdd(ctx, key, members(ids)...).Err()
}

func (a *GoRedisAdapter) SRem(ctx context.Context, key string, ids ...string) error {
	return a.rdb.SRem(ctx, key, members(ids)...).Err()
}

func (a *GoRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

var _ store.RedisClient = (*GoRedisAdapter)(nil)
