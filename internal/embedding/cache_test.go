package embedding

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int64
	inner Embedder
}

func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt64(&c.calls, 1)
	time.Sleep(5 * time.Millisecond)
	return c.inner.Embed(ctx, text)
}

func TestCacheCoalescesConcurrentMisses(t *testing.T) {
	inner := &countingEmbedder{inner: NewStubEmbedder(8)}
	cache := NewCache(inner, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Embed(context.Background(), "remember: my codename is kingfisher")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&inner.calls))
}

func TestCacheHitAvoidsUpstreamCall(t *testing.T) {
	inner := &countingEmbedder{inner: NewStubEmbedder(8)}
	cache := NewCache(inner, time.Minute)

	_, err := cache.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&inner.calls))
}

func TestCacheNormalizesFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("Hello World"), Fingerprint("  hello world  "))
}

func TestCacheWithRedisSharesAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingEmbedder{inner: NewStubEmbedder(8)}

	cacheA := NewCache(inner, time.Minute).WithRedis(rdb, "owner-1")
	cacheB := NewCache(inner, time.Minute).WithRedis(rdb, "owner-1")

	_, err = cacheA.Embed(context.Background(), "shared text")
	require.NoError(t, err)
	_, err = cacheB.Embed(context.Background(), "shared text")
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&inner.calls))
}
