// internal/common/database/redis.go
package database

import (
	"context"
	"fmt"

	"study-match/internal/common/config"

	"github.com/redis/go-redis/v9"
)

// RedisClient is shared by the score cache, buffer snapshots and presence
// tracking. Client is a cluster client when cluster addresses are set.
type RedisClient struct {
	Client redis.UniversalClient
}

func NewRedis(cfg config.RedisConfig) (*RedisClient, error) {
	addrs := cfg.ClusterAddresses
	if len(addrs) == 0 {
		if cfg.Address == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		addrs = []string{cfg.Address}
	}

	opts := &redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DialTimeout:  config.GetDuration(cfg.DialTimeout),
		ReadTimeout:  config.GetDuration(cfg.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.WriteTimeout),
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	// DB selection is not supported by cluster clients.
	if len(cfg.ClusterAddresses) == 0 {
		opts.DB = cfg.DB
	}

	return &RedisClient{Client: redis.NewUniversalClient(opts)}, nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *RedisClient) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}
