package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for claim leases.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewFromRedis(rdb, cfg.Prefix), nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "ticketbot"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings Redis.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) leaseKey(name string) string {
	return fmt.Sprintf("%s:lease:%s", c.prefix, name)
}

// OrderLeaseName returns the lease name of an order.
func OrderLeaseName(websiteName, orderID string) string {
	return fmt.Sprintf("order:%s:%s", websiteName, orderID)
}

// Only the token holder may release or extend a lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLeaseLost is returned when a lease expired or is held by someone else.
var ErrLeaseLost = errors.New("lease lost")

// AcquireLease attempts to take the named lease for ttl. It returns the token
// that must be presented to release it.
func (c *Client) AcquireLease(
	ctx context.Context,
	name string,
	ttl time.Duration,
) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.rdb.SetNX(ctx, c.leaseKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLease releases a lease held with token.
func (c *Client) ReleaseLease(ctx context.Context, name, token string) error {
	n, err := releaseScript.Run(ctx, c.rdb, []string{c.leaseKey(name)}, token).Int()
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RefreshLease extends a lease held with token.
func (c *Client) RefreshLease(ctx context.Context, name, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, c.rdb, []string{c.leaseKey(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
