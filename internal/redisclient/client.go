package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

type Client struct {
	rdb  *redis.Client
	sync *redsync.Redsync
}

// NewClient creates a new Redis client and its lock manager
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:  rdb,
		sync: redsync.New(goredis.NewPool(rdb)),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// NewMutex returns a distributed lock shared by every instance.
// A single attempt is made; callers that lose the race skip their work.
func (c *Client) NewMutex(name string, ttl time.Duration) *redsync.Mutex {
	return c.sync.NewMutex(fmt.Sprintf("lock:%s", name),
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
}
