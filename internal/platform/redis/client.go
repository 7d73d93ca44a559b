// Package redis builds the shared go-redis client from configuration.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"certmint/internal/platform/config"
	"certmint/pkg/platform/sentinel"
)

const healthTimeout = 2 * time.Second

type Client struct {
	*redis.Client
}

// New connects using cfg. It returns nil, nil when no URL is configured so
// callers can fall back to another store.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	applyOverrides(opts, cfg)

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Client{Client: client}, nil
}

// applyOverrides lets positive config values replace what the URL carried.
func applyOverrides(opts *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
}

// Health pings with its own short deadline. Failures wrap
// sentinel.ErrUnavailable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// RegisterPoolMetrics exposes connection pool gauges on reg.
func (c *Client) RegisterPoolMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	stat := func(name, help string, read func(*redis.PoolStats) uint32) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "certmint_redis_pool_" + name,
			Help: help,
		}, func() float64 {
			return float64(read(c.PoolStats()))
		})
	}
	stat("total_connections", "Connections currently in the Redis pool", func(s *redis.PoolStats) uint32 { return s.TotalConns })
	stat("idle_connections", "Idle connections in the Redis pool", func(s *redis.PoolStats) uint32 { return s.IdleConns })
	stat("timeouts", "Times a caller timed out waiting for a Redis connection", func(s *redis.PoolStats) uint32 { return s.Timeouts })
}
