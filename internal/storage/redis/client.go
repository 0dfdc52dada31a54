package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
)

// Client wraps the go-redis client with the connection helpers the
// presence store and health checker need.
type Client struct {
	*redis.Client
}

// NewClient dials Redis and verifies the connection with a bounded ping.
// Redis is required infrastructure for this gateway; there is no
// disabled mode.
func NewClient(cfg cfgpkg.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: rdb}, nil
}

func (c *Client) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

func (c *Client) Stats() *redis.PoolStats {
	return c.PoolStats()
}
