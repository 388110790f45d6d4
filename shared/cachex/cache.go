// Package cachex is a namespaced JSON cache over Redis. A nil *Client is a
// permanent miss.
package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"field-service-dispatch-system/shared/config"
)

var errNotInitialized = errors.New("redis client not initialized")

type Client struct {
	redis  *redis.Client
	prefix string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return &Client{redis: rdb, prefix: cfg.ServiceName}, nil
}

// Key joins parts under the client's namespace.
func (c *Client) Key(parts ...string) string {
	key := strings.Join(parts, ":")
	if c == nil || c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil {
		return errNotInitialized
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, b, ttl).Err()
}

// GetJSON decodes the value at key into dest. hit is false on a miss and on
// a nil client.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (hit bool, err error) {
	if c == nil {
		return false, nil
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Client exposes the underlying connection for callers that share it, such
// as the job lock.
func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
