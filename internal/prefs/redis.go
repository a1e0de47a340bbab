package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "chat:prefs:username"

// Redis stores the username under a single key so that several clients of
// the same user share it.
type Redis struct {
	client *redis.Client
	key    string
}

var _ Store = (*Redis)(nil)

// NewRedis uses client, storing the username at key.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = defaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// DialRedis creates a client for addr.
func DialRedis(addr, key string) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), key)
}

// Username implements Store.
func (r *Redis) Username(ctx context.Context) (string, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read username: %w", err)
	}
	return v, nil
}

// SetUsername implements Store.
func (r *Redis) SetUsername(ctx context.Context, username string) error {
	if err := r.client.Set(ctx, r.key, username, 0).Err(); err != nil {
		return fmt.Errorf("failed to write username: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
