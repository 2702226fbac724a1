// Package redis provides best-effort counters and hashrate snapshots for
// the pool front-end.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the pool.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates and pings a client.
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetConnectionCount publishes a pool's live connection count.
func (c *Client) SetConnectionCount(ctx context.Context, poolID string, active int64) error {
	key := fmt.Sprintf("pool:%s:connections", poolID)
	return c.rdb.Set(ctx, key, active, 10*time.Minute).Err()
}

// IncrementCounter increments a counter with expiration.
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return incrCmd.Val(), nil
}

// RecordWorkerHashrate appends a per-worker hashrate sample to a
// timestamp-scored sorted set bounded by the window.
func (c *Client) RecordWorkerHashrate(ctx context.Context, poolID, miner, worker string, hashrate float64, window time.Duration) error {
	key := fmt.Sprintf("pool:%s:hashrate:%s:%s", poolID, miner, worker)
	now := time.Now().Unix()

	member := redis.Z{Score: float64(now), Member: hashrate}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now-int64(window.Seconds())))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record hashrate: %w", err)
	}
	return nil
}

// AverageWorkerHashrate averages a worker's samples over the window.
func (c *Client) AverageWorkerHashrate(ctx context.Context, poolID, miner, worker string, window time.Duration) (float64, error) {
	key := fmt.Sprintf("pool:%s:hashrate:%s:%s", poolID, miner, worker)
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", minScore),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read hashrate samples: %w", err)
	}
	if len(values) == 0 {
		return 0, nil
	}

	var total float64
	for _, v := range values {
		if h, err := strconv.ParseFloat(v, 64); err == nil {
			total += h
		}
	}
	return total / float64(len(values)), nil
}
