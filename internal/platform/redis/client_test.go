package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certmint/internal/platform/config"
)

func TestNewWithoutURL(t *testing.T) {
	client, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{URL: "http://not-redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis URL")
}

func TestApplyOverrides(t *testing.T) {
	opts, err := redis.ParseURL("redis://localhost:6379/2?pool_size=3&dial_timeout=1s")
	require.NoError(t, err)

	applyOverrides(opts, config.RedisConfig{PoolSize: 20, ReadTimeout: 4 * time.Second})

	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, 4*time.Second, opts.ReadTimeout)
	assert.Equal(t, time.Second, opts.DialTimeout, "unset values keep the URL's")
	assert.Equal(t, 2, opts.DB)
}
