package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"

	"github.com/pixlake/changestream/internal/checkpoint"
)

// Error is a redis ledger error.
var Error = errs.Class("redis ledger")

// Client stores checkpoints in Redis.
type Client struct {
	db *redis.Client
}

// OpenClient connects to the redis:// URL and verifies the connection.
func OpenClient(ctx context.Context, rawURL string) (*Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, Error.New("invalid url: %v", err)
	}

	client := &Client{db: redis.NewClient(opts)}

	if err := client.db.Ping(ctx).Err(); err != nil {
		_ = client.db.Close()
		return nil, Error.New("ping failed: %v", err)
	}

	return client, nil
}

func (client *Client) Get(ctx context.Context, key string) (string, error) {
	value, err := client.db.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", checkpoint.ErrNotFound
	}
	if err != nil {
		return "", Error.Wrap(err)
	}
	return value, nil
}

// Set writes value under key. A ttl of zero keeps the key forever.
func (client *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return Error.Wrap(client.db.Set(ctx, key, value, ttl).Err())
}

func (client *Client) Del(ctx context.Context, key string) error {
	return Error.Wrap(client.db.Del(ctx, key).Err())
}

func (client *Client) Close() error {
	return client.db.Close()
}
