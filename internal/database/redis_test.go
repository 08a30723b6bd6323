package database

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestHealthCheck_TogglesDegradedMode(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.HealthCheck(ctx))
	assert.False(t, client.IsDegraded())

	mr.SetError("LOADING")
	assert.Error(t, client.HealthCheck(ctx))
	assert.True(t, client.IsDegraded())

	err := client.SafeHGetAll(ctx, "k").Err()
	assert.True(t, errors.Is(err, ErrDegraded))
	_, err = client.SafeSubscribe(ctx, "events")
	assert.True(t, errors.Is(err, ErrDegraded))

	mr.SetError("")
	require.NoError(t, client.HealthCheck(ctx))
	assert.False(t, client.IsDegraded())
}

func TestSafeRunScript(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	script := redis.NewScript(`redis.call("SET", KEYS[1], ARGV[1]) return 1`)
	n, err := client.SafeRunScript(ctx, script, []string{"k"}, "v").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	val, err := client.Client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}
