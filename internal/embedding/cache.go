package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Fingerprint returns the cryptographic hash of normalized text, used as
// the cache key. Normalization (trim + lowercase) means near-identical
// queries share a cache entry.
func Fingerprint(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Cache wraps an Embedder with a fingerprint→vector cache that has a TTL
// and coalesces concurrent requests for the same fingerprint into one
// upstream Embed call, per spec.md §4.5. With no Redis client configured
// the cache is process-local; with one configured it is shared across the
// owner-keyed namespace (spec.md: "owner-keyed when shared").
type Cache struct {
	embedder Embedder
	ttl      time.Duration
	group    singleflight.Group

	mu      sync.RWMutex
	local   map[string]cacheEntry
	redis   *redis.Client
	keyPrefix string
}

type cacheEntry struct {
	vector     []float32
	expiresAt  time.Time
}

// NewCache constructs a process-local Cache in front of embedder.
func NewCache(embedder Embedder, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{embedder: embedder, ttl: ttl, local: make(map[string]cacheEntry)}
}

// WithRedis makes the cache owner-keyed and shared across replicas via rdb.
func (c *Cache) WithRedis(rdb *redis.Client, ownerID string) *Cache {
	clone := *c
	clone.local = make(map[string]cacheEntry)
	clone.redis = rdb
	clone.keyPrefix = "embcache:" + ownerID + ":"
	return &clone
}

func (c *Cache) Dimension() int { return c.embedder.Dimension() }

// Embed returns the cached vector for text's fingerprint, computing and
// storing it on a miss. Concurrent callers for the same fingerprint share
// one upstream Embed call.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	fp := Fingerprint(text)

	if v, ok := c.lookup(ctx, fp); ok {
		return v, nil
	}

	result, err, _ := c.group.Do(fp, func() (interface{}, error) {
		if v, ok := c.lookup(ctx, fp); ok {
			return v, nil
		}
		v, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.store(ctx, fp, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

func (c *Cache) lookup(ctx context.Context, fp string) ([]float32, bool) {
	if c.redis != nil {
		return c.redisLookup(ctx, fp)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.local[fp]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.vector, true
}

func (c *Cache) store(ctx context.Context, fp string, v []float32) {
	if c.redis != nil {
		c.redisStore(ctx, fp, v)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[fp] = cacheEntry{vector: v, expiresAt: time.Now().Add(c.ttl)}
}

func (c *Cache) redisLookup(ctx context.Context, fp string) ([]float32, bool) {
	raw, err := c.redis.Get(ctx, c.keyPrefix+fp).Bytes()
	if err != nil {
		return nil, false
	}
	return decodeFloat32s(raw), true
}

func (c *Cache) redisStore(ctx context.Context, fp string, v []float32) {
	_ = c.redis.Set(ctx, c.keyPrefix+fp, encodeFloat32s(v), c.ttl).Err()
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeFloat32s(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
