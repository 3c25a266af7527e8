package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopGuard(t *testing.T) {
	var g DeliveryGuard = NoopGuard{}
	ok, err := g.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, g.Release(context.Background(), "k"))
}

func TestRedisGuardKeyAndDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	g := NewRedisGuardWithClient(client, "replyrelay:", 0)
	assert.Equal(t, 2*time.Minute, g.ttl)
	assert.Equal(t, "replyrelay:delivery:user-1:<abc@x.de>", g.buildKey(" user-1:<ABC@x.de> "))
}

func TestRedisGuardUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	g := NewRedisGuardWithClient(client, "t:", time.Second)
	defer g.Close()

	ok, err := g.Acquire(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, ok)
}
