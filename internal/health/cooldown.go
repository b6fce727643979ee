package health

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown suppresses duplicate alerts for an identical (source,
// message) pair within a window.
type Cooldown interface {
	// Allow reports whether an alert for the pair may be emitted now,
	// and records the emission when it is.
	Allow(ctx context.Context, source, message string) (bool, error)
	// Clear forgets the pair so the next breach alerts immediately.
	Clear(ctx context.Context, source, message string) error
}

// RedisCooldown implements Cooldown with SET NX PX, so the window is
// shared across every monitor instance.
type RedisCooldown struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCooldown(client *redis.Client, ttl time.Duration) *RedisCooldown {
	return &RedisCooldown{client: client, ttl: ttl}
}

func cooldownKey(source, message string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + message))
	return "alert:cooldown:" + hex.EncodeToString(sum[:8])
}

func (c *RedisCooldown) Allow(ctx context.Context, source, message string) (bool, error) {
	return c.client.SetNX(ctx, cooldownKey(source, message), 1, c.ttl).Result()
}

func (c *RedisCooldown) Clear(ctx context.Context, source, message string) error {
	return c.client.Del(ctx, cooldownKey(source, message)).Err()
}
