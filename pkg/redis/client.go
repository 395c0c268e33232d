package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chain-estate/ches-tracker/pkg/retry"
	"github.com/chain-estate/ches-tracker/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CyclePattern matches the cycle notification channel of every contract.
const CyclePattern = "ches:*:cycle.completed"

// CycleChannel is the channel completed cycles of contract are published on.
func CycleChannel(contract string) string {
	return fmt.Sprintf("ches:%s:cycle.completed", strings.ToLower(contract))
}

// ContractFromChannel extracts the contract from a cycle channel name.
func ContractFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "ches" {
		return ""
	}
	return parts[1]
}

// Client wraps the Redis client used for the ledger snapshot and cycle notifications.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient connects using environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	db := utils.EnvInt("REDIS_DB", 0)
	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     utils.Env("REDIS_PASSWORD", ""),
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "redis_connection", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", addr), zap.Int("db", db))
	return NewFromClient(rdb, logger), nil
}

// NewFromClient wraps an existing connection.
func NewFromClient(rdb *redis.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: rdb, logger: logger}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Publish JSON-encodes message and publishes it. Best effort: errors are logged, not returned.
func (c *Client) Publish(ctx context.Context, channel string, message any) {
	var payload any
	switch m := message.(type) {
	case string, []byte:
		payload = m
	default:
		b, err := json.Marshal(message)
		if err != nil {
			c.logger.Warn("Failed to encode Redis message", zap.String("channel", channel), zap.Error(err))
			return
		}
		payload = b
	}
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// PSubscribe subscribes to channel patterns. The caller closes the returned PubSub.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	c.logger.Debug("Subscribing to Redis patterns", zap.Strings("patterns", patterns))
	return c.client.PSubscribe(ctx, patterns...)
}

func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
