package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medapply/replyrelay/internal/config"
)

// DeliveryGuard serialises concurrent deliveries of the same message.
type DeliveryGuard interface {
	// Acquire reports false when another delivery holds the key.
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// NoopGuard always grants the key. Used when redis is not configured.
type NoopGuard struct{}

func (NoopGuard) Acquire(context.Context, string) (bool, error) { return true, nil }
func (NoopGuard) Release(context.Context, string) error         { return nil }

// RedisGuard holds keys with SETNX and lets them expire after ttl so a
// crashed worker cannot block a message forever.
type RedisGuard struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisGuard connects to redis and verifies the connection.
func NewRedisGuard(ctx context.Context, cfg config.RedisConfig) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisGuardWithClient(client, cfg.KeyPrefix, cfg.GuardTTL), nil
}

// NewRedisGuardWithClient wraps an existing client.
func NewRedisGuardWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGuard{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (g *RedisGuard) buildKey(key string) string {
	return g.keyPrefix + "delivery:" + strings.ToLower(strings.TrimSpace(key))
}

// Acquire implements DeliveryGuard.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.buildKey(key), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire delivery guard: %w", err)
	}
	return ok, nil
}

// Release implements DeliveryGuard.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("release delivery guard: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
