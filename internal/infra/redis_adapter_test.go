package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/proctor/internal/config"
)

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions(config.RedisConfig{Addr: "cache:6379", Password: "pw", DB: 2})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)

	opts, err = redisOptions(config.RedisConfig{Addr: "redis://:secret@cache:6380/3"})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)

	opts, err = redisOptions(config.RedisConfig{Addr: "redis://cache:6380/3", DB: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, opts.DB, "config DB overrides the url")

	_, err = redisOptions(config.RedisConfig{Addr: "redis://cache:6380/notadb"})
	assert.Error(t, err)
}

func TestMembers(t *testing.T) {
	assert.Equal(t, []any{"a", "b"}, members([]string{"a", "b"}))
	assert.Empty(t, members(nil))
}
