package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	r := New(Config{Addr: addr, DB: 15}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		r.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestJSONRoundTripAndMiss(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:json:" + uuid.NewString()

	type payload struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, r.SetJSON(ctx, key, payload{Balance: 42}, time.Minute))

	var got payload
	found, err := r.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(42), got.Balance)

	found, err = r.GetJSON(ctx, key+":missing", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReserveIsExclusive(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:reserve:" + uuid.NewString()

	ok, err := r.Reserve(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Reserve(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.Release(ctx, key))
	ok, err = r.Reserve(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowFixedWindow(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:rate:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := r.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "hit %d", i+1)
	}
	ok, err := r.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ttl, err := r.Client().PTTL(ctx, key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
