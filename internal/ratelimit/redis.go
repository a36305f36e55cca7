package ratelimit

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared limiter
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a fixed-window limiter shared by every API replica
type Redis struct {
	client    *redis.Client
	prefix    string
	maxPerMin int
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, cfg RedisConfig, maxPerMin int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dft:rl:"
	}
	return &Redis{client: client, prefix: prefix, maxPerMin: maxPerMin}, nil
}

// Allow counts the submission in the user's window. Redis errors let the
// request through; the pending-job quota still bounds the queue.
func (r *Redis) Allow(ctx context.Context, userID string) (bool, error) {
	if r.maxPerMin <= 0 {
		return true, nil
	}
	key := r.prefix + userID

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ERROR] Rate limiter unavailable: %v", err)
		return true, nil
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, Window).Err(); err != nil {
			log.Printf("[ERROR] Failed to set rate limit window for %s: %v", userID, err)
		}
	}
	return count <= int64(r.maxPerMin), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
