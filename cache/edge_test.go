package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeMemory(t *testing.T) {
	ctx := context.Background()
	e := NewEdge(NewMemoryKV(), "tts", 0)
	k := Derive("hello")

	_, err := e.Get(ctx, k)
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, e.Put(ctx, k, []byte("audio"), Metadata{}))
	got, err := e.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), got)
	assert.Equal(t, DefaultEdgeTTL, e.ttl)

	require.NoError(t, e.Delete(ctx, k))
	_, err = e.Get(ctx, k)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestEdgeMemoryTTL(t *testing.T) {
	ctx := context.Background()
	e := NewEdge(NewMemoryKV(), "", 20*time.Millisecond)
	k := Derive("short")

	require.NoError(t, e.Put(ctx, k, []byte("a"), Metadata{}))
	time.Sleep(40 * time.Millisecond)
	_, err := e.Get(ctx, k)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNewKVDefaultsToMemory(t *testing.T) {
	kv, err := NewKV(context.Background(), EdgeConfig{Driver: "unknown"})
	require.NoError(t, err)
	require.NoError(t, kv.Ping(context.Background()))
	require.NoError(t, kv.Close())
}

func TestEdgeRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis edge test")
	}
	ctx := context.Background()
	kv, err := NewKV(ctx, EdgeConfig{Driver: "redis", Addr: addr})
	require.NoError(t, err)
	defer kv.Close()

	e := NewEdge(kv, "tts-test", time.Minute)
	k := Derive("redis " + time.Now().String())
	defer e.Delete(ctx, k)

	_, err = e.Get(ctx, k)
	require.ErrorIs(t, err, ErrMiss)
	require.NoError(t, e.Put(ctx, k, []byte("audio"), Metadata{}))
	got, err := e.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), got)
}
