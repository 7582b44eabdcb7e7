package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/infra/config"
)

const pingTimeout = 5 * time.Second

// Client holds the connection shared by every service instance's rate-limit counters.
type Client struct {
	rdb       *redis.Client
	logger    *zap.Logger
	keyPrefix string
}

// NewClient connects to Redis and fails fast when the server does not answer a ping.
func NewClient(ctx context.Context, cfg config.RedisSettings, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        10,
		MinIdleConns:    2,
		MaxRetries:      3,
		DialTimeout:     pingTimeout,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("reach redis at %s: %w", opts.Addr, err)
	}

	logger.Info("rate-limit counters backed by redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", cfg.RateLimitPrefix),
		zap.Bool("tls", cfg.TLSEnabled),
	)
	return &Client{rdb: rdb, logger: logger, keyPrefix: cfg.RateLimitPrefix}, nil
}

// Client returns the go-redis handle the counter repository runs its scripts on.
func (c *Client) Client() *redis.Client {
	return c.rdb
}

// KeyPrefix is the namespace every counter key lives under.
func (c *Client) KeyPrefix() string {
	return c.keyPrefix
}

// HealthCheck backs the redis entry of /readyz.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	c.logger.Info("redis connection closed")
	return nil
}
