// Package redis provides the thin Redis connection wrapper used by the Redis
// store and queue. Callers either hand in an existing go-redis client or a
// URL; the wrapper owns key namespacing and per-operation timeouts so the
// backends stay focused on data shapes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces engine keys in a shared Redis.
const DefaultKeyPrefix = "durable"

type (
	// Options configures the client.
	Options struct {
		// Client is an existing connection. Takes precedence over URL.
		Client *goredis.Client
		// URL is a redis:// connection string used when Client is nil.
		URL string
		// KeyPrefix namespaces all keys. Defaults to DefaultKeyPrefix.
		KeyPrefix string
		// OperationTimeout bounds individual commands. Zero disables.
		OperationTimeout time.Duration
	}

	// Client wraps a go-redis connection with namespacing and timeouts.
	Client struct {
		rdb      *goredis.Client
		prefix   string
		timeout  time.Duration
		ownsConn bool
	}
)

// New constructs a Client from an existing connection or URL.
func New(opts Options) (*Client, error) {
	rdb := opts.Client
	owns := false
	if rdb == nil {
		if opts.URL == "" {
			return nil, errors.New("redis client or URL is required")
		}
		cfg, err := goredis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		rdb = goredis.NewClient(cfg)
		owns = true
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Client{
		rdb:      rdb,
		prefix:   prefix,
		timeout:  opts.OperationTimeout,
		ownsConn: owns,
	}, nil
}

// R exposes the underlying go-redis connection.
func (c *Client) R() *goredis.Client { return c.rdb }

// Key joins parts under the configured prefix.
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Context bounds ctx with the operation timeout when one is configured.
func (c *Client) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.Context(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection when this client created it.
func (c *Client) Close() error {
	if !c.ownsConn {
		return nil
	}
	return c.rdb.Close()
}
