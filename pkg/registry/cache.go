package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// CacheConfig configures CachedStore
type CacheConfig struct {
	MaxEntries int
	L1TTL      time.Duration
	L2TTL      time.Duration
	KeyPrefix  string
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 4096,
		L1TTL:      30 * time.Second,
		L2TTL:      10 * time.Minute,
		KeyPrefix:  "tollbooth:registry:",
	}
}

// CacheRecorder receives cache lookups for metrics. layer is "l1", "l2" or
// "miss".
type CacheRecorder interface {
	RecordCacheLookup(kind, layer string)
}

type noopCacheRecorder struct{}

func (noopCacheRecorder) RecordCacheLookup(string, string) {}

// CachedStore is a read-through cache in front of a Store: an in-process LRU
// (L1) backed by an optional Redis (L2). Records are immutable apart from the
// active flag and download count; writes through this store invalidate both
// layers, and download counts in cached records may lag.
type CachedStore struct {
	inner    Store
	records  *lru.LRU[string, *Record]
	versions *lru.LRU[string, []*Record]
	redis    *redis.Client
	config   CacheConfig
	recorder CacheRecorder
	log      *logrus.Logger
}

// NewCachedStore wraps inner. client may be nil to disable L2.
func NewCachedStore(inner Store, client *redis.Client, config CacheConfig, log *logrus.Logger) *CachedStore {
	defaults := DefaultCacheConfig()
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaults.MaxEntries
	}
	if config.L1TTL <= 0 {
		config.L1TTL = defaults.L1TTL
	}
	if config.L2TTL <= 0 {
		config.L2TTL = defaults.L2TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if log == nil {
		log = logrus.New()
	}
	return &CachedStore{
		inner:    inner,
		records:  lru.NewLRU[string, *Record](config.MaxEntries, nil, config.L1TTL),
		versions: lru.NewLRU[string, []*Record](config.MaxEntries, nil, config.L1TTL),
		redis:    client,
		config:   config,
		recorder: noopCacheRecorder{},
		log:      log,
	}
}

// SetRecorder sets the metrics recorder
func (c *CachedStore) SetRecorder(r CacheRecorder) {
	if r != nil {
		c.recorder = r
	}
}

func (c *CachedStore) recordCacheKey(id, version string) string {
	return fmt.Sprintf("%srecord:%s:%s", c.config.KeyPrefix, id, version)
}

func (c *CachedStore) versionsCacheKey(id string) string {
	return fmt.Sprintf("%sversions:%s", c.config.KeyPrefix, id)
}

func (c *CachedStore) Insert(ctx context.Context, r *Record) error {
	if err := c.inner.Insert(ctx, r); err != nil {
		return err
	}
	c.invalidate(ctx, r.ID, r.Version)
	return nil
}

func (c *CachedStore) Get(ctx context.Context, id, version string) (*Record, error) {
	key := c.recordCacheKey(id, version)
	if rec, ok := c.records.Get(key); ok {
		c.recorder.RecordCacheLookup("record", "l1")
		return rec.Clone(), nil
	}

	var cached Record
	if c.getL2(ctx, key, &cached) {
		c.recorder.RecordCacheLookup("record", "l2")
		c.records.Add(key, &cached)
		return cached.Clone(), nil
	}
	c.recorder.RecordCacheLookup("record", "miss")

	rec, err := c.inner.Get(ctx, id, version)
	if err != nil || rec == nil {
		return rec, err
	}
	c.records.Add(key, rec.Clone())
	c.setL2(ctx, key, rec)
	return rec, nil
}

func (c *CachedStore) ListActive(ctx context.Context, id string) ([]*Record, error) {
	key := c.versionsCacheKey(id)
	if recs, ok := c.versions.Get(key); ok {
		c.recorder.RecordCacheLookup("versions", "l1")
		return cloneRecords(recs), nil
	}

	var cached []*Record
	if c.getL2(ctx, key, &cached) {
		c.recorder.RecordCacheLookup("versions", "l2")
		c.versions.Add(key, cached)
		return cloneRecords(cached), nil
	}
	c.recorder.RecordCacheLookup("versions", "miss")

	recs, err := c.inner.ListActive(ctx, id)
	if err != nil {
		return nil, err
	}
	c.versions.Add(key, cloneRecords(recs))
	c.setL2(ctx, key, recs)
	return recs, nil
}

// Search is not cached; results depend on popularity
func (c *CachedStore) Search(ctx context.Context, q SearchQuery) ([]*Record, error) {
	return c.inner.Search(ctx, q)
}

func (c *CachedStore) SetActive(ctx context.Context, id, version string, active bool) error {
	if err := c.inner.SetActive(ctx, id, version, active); err != nil {
		return err
	}
	c.invalidate(ctx, id, version)
	return nil
}

func (c *CachedStore) IncrementDownloads(ctx context.Context, id, version string) error {
	return c.inner.IncrementDownloads(ctx, id, version)
}

func (c *CachedStore) invalidate(ctx context.Context, id, version string) {
	recordKey := c.recordCacheKey(id, version)
	versionsKey := c.versionsCacheKey(id)
	c.records.Remove(recordKey)
	c.versions.Remove(versionsKey)
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, recordKey, versionsKey).Err(); err != nil {
		c.log.WithError(err).Warn("Failed to invalidate registry cache")
	}
}

func (c *CachedStore) getL2(ctx context.Context, key string, dst interface{}) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.WithError(err).Debug("Registry cache read failed")
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// corrupt entry
		c.redis.Del(ctx, key)
		return false
	}
	return true
}

func (c *CachedStore) setL2(ctx context.Context, key string, v interface{}) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.config.L2TTL).Err(); err != nil {
		c.log.WithError(err).Debug("Registry cache write failed")
	}
}

func cloneRecords(in []*Record) []*Record {
	out := make([]*Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
