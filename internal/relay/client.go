package relay

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with the engine's instrumentation hooks
// pre-installed. Every operation issued through it is measured and guarded
// by the circuit breaker.
type Client struct {
	rdb *goredis.Client
	cb  *circuitBreakerHook
}

// NewClient creates a new Redis client from a URL (e.g., "redis://localhost:6379").
func NewClient(redisURL string) (*Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	cb := newCircuitBreakerHook()

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&metricsHook{})
	rdb.AddHook(cb)

	return &Client{rdb: rdb, cb: cb}, nil
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw go-redis client for advanced operations.
func (c *Client) Underlying() *goredis.Client {
	return c.rdb
}
