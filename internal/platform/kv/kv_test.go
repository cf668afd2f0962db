package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisKV(client)
}

func TestRedisKV_GetMiss(t *testing.T) {
	_, store := setupTestRedis(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisKV_SetGet(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "profile", `{"name":"Ana"}`, time.Minute))

	got, err := store.Get(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Ana"}`, got)

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "profile")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisKV_Incr(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	first, err := store.Incr(ctx, "patient_seq:1510:JG")
	require.NoError(t, err)
	second, err := store.Incr(ctx, "patient_seq:1510:JG")
	require.NoError(t, err)
	other, err := store.Incr(ctx, "patient_seq:1510:AL")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(1), other)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer store.Close()

	n, err := store.Incr(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Ping(context.Background()))
	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestDial_BadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestMemoryKV_IncrConcurrent(t *testing.T) {
	store := NewMemoryKV()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Incr(ctx, "seq")
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, "50", got)
}

func TestMemoryKV_IncrNonInteger(t *testing.T) {
	store := NewMemoryKV()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "seq", "abc", 0))

	_, err := store.Incr(ctx, "seq")
	assert.Error(t, err)
}

func TestMemoryKV_TTL(t *testing.T) {
	store := NewMemoryKV()
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	now = now.Add(time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}
