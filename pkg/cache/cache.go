// Package cache provides the TTL'd accelerator tier in front of the storage
// backend: the latest committed root hash, per-root tree metadata, and the
// scheduler's build status. Every operation is safe on outage — a down or
// unconfigured Redis degrades reads to a miss and writes to a silent no-op,
// the way the teacher's token-bucket limiter treats Redis as best-effort
// rather than load-bearing.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyLatestRootHash is the well-known key holding the most recently
	// committed root hash.
	KeyLatestRootHash = "merkle:latest_root_hash"
	// KeyBuildStatus is the well-known key holding the scheduler's last
	// build outcome.
	KeyBuildStatus = "merkle:build_status"
	// keyTreeMetadataPrefix namespaces per-root metadata entries.
	keyTreeMetadataPrefix = "merkle:tree_metadata:"

	defaultReconnectBase = 100 * time.Millisecond
	maxReconnectBackoff  = 3 * time.Second
	maxReconnectAttempts = 10
)

// envelope wraps a cached payload with the time it was written, matching
// the "JSON envelope plus cachedAt" shape the spec requires.
type envelope struct {
	CachedAt time.Time       `json:"cachedAt"`
	Payload  json.RawMessage `json:"payload"`
}

// Cache is a best-effort accelerator in front of Redis. A nil or down
// client never returns an error to callers; it behaves as a permanent miss.
type Cache struct {
	client     *redis.Client
	logger     *log.Logger
	enabled    bool
	defaultTTL time.Duration

	down int32 // atomic bool: 1 once outage mode is entered
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// Config describes how to reach Redis. Enabled=false (or a zero Host)
// yields a Cache that behaves as permanently down — the rest of the system
// must run unaffected, per the cache-absent contract.
type Config struct {
	Enabled        bool
	Host           string
	Port           int
	Password       string
	DB             int
	DefaultTTLSecs int
}

// New constructs a Cache. It never blocks on a live connection: Redis
// reachability is only discovered lazily on first use, and a failure there
// trips outage mode rather than failing New.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		enabled:    cfg.Enabled,
		defaultTTL: time.Duration(cfg.DefaultTTLSecs) * time.Second,
		logger:     log.New(log.Writer(), "[Cache] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = 60 * time.Second
	}

	if !cfg.Enabled || cfg.Host == "" {
		atomic.StoreInt32(&c.down, 1)
		return c
	}

	c.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return c
}

// Enabled reports whether this cache was configured on at all (independent
// of current reachability).
func (c *Cache) Enabled() bool {
	return c.enabled && c.client != nil
}

// Connected reports whether the cache is currently believed reachable.
func (c *Cache) Connected() bool {
	return c.Enabled() && atomic.LoadInt32(&c.down) == 0
}

func (c *Cache) isDown() bool {
	return c.client == nil || atomic.LoadInt32(&c.down) == 1
}

func (c *Cache) markDown(op string, err error) {
	if atomic.CompareAndSwapInt32(&c.down, 0, 1) {
		c.logger.Printf("%s: cache marked down: %v", op, err)
		go c.reconnectLoop()
	}
}

func (c *Cache) markUp() {
	if atomic.CompareAndSwapInt32(&c.down, 1, 0) {
		c.logger.Printf("cache connection restored")
	}
}

// reconnectLoop retries PING with exponential backoff capped at
// maxReconnectBackoff, giving up on caller-facing visibility after
// maxReconnectAttempts but continuing to retry in the background — the
// surrounding system never blocks on this loop.
func (c *Cache) reconnectLoop() {
	backoff := defaultReconnectBase
	for attempt := 1; ; attempt++ {
		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			c.markUp()
			return
		}
		if attempt >= maxReconnectAttempts {
			c.logger.Printf("reconnect: giving up after %d attempts, continuing in background: %v", attempt, err)
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// Get returns the raw payload stored at key, and whether it was found. Any
// Redis error is treated as a miss and trips outage mode.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if c.isDown() {
		return nil, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.markDown("cache.Get", err)
		}
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Printf("cache.Get: corrupt envelope at %s: %v", key, err)
		return nil, false
	}
	return env.Payload, true
}

// Set writes payload under key with the given TTL (or the cache's default
// if ttl<=0). Failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, payload any, ttl time.Duration) bool {
	if c.isDown() {
		return false
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Printf("cache.Set: marshal payload for %s: %v", key, err)
		return false
	}
	env := envelope{CachedAt: time.Now(), Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Printf("cache.Set: marshal envelope for %s: %v", key, err)
		return false
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.markDown("cache.Set", err)
		return false
	}
	return true
}

// Del removes key. Failures are logged and swallowed.
func (c *Cache) Del(ctx context.Context, key string) bool {
	if c.isDown() {
		return false
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.markDown("cache.Del", err)
		return false
	}
	return true
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.isDown() {
		return false
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.markDown("cache.Exists", err)
		return false
	}
	return n > 0
}

// Invalidate deletes every key matching pattern (a glob over the merkle:
// namespace, e.g. "merkle:*"). Returns the number of keys removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	if c.isDown() {
		return 0
	}
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.markDown("cache.Invalidate", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.markDown("cache.Invalidate", err)
		return 0
	}
	return len(keys)
}

// Keys lists every key currently present under the merkle: namespace, for
// the cache health endpoint.
func (c *Cache) Keys(ctx context.Context) []string {
	if c.isDown() {
		return nil
	}
	iter := c.client.Scan(ctx, 0, "merkle:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.markDown("cache.Keys", err)
		return nil
	}
	return keys
}

func treeMetadataKey(rootHash string) string {
	return keyTreeMetadataPrefix + rootHash
}

// GetLatestRootHash returns the cached latest root hash, if present.
func (c *Cache) GetLatestRootHash(ctx context.Context) (string, bool) {
	raw, ok := c.Get(ctx, KeyLatestRootHash)
	if !ok {
		return "", false
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", false
	}
	return hash, true
}

// SetLatestRootHash caches the latest committed root hash using the
// default TTL.
func (c *Cache) SetLatestRootHash(ctx context.Context, hash string) bool {
	return c.Set(ctx, KeyLatestRootHash, hash, c.defaultTTL)
}

// TreeMetadata is the cached summary of a committed tree, keyed by root hash.
type TreeMetadata struct {
	RootHash   string    `json:"rootHash"`
	ItemCount  int       `json:"itemCount"`
	SourcePath string    `json:"sourcePath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GetTreeMetadata returns cached metadata for rootHash, if present.
func (c *Cache) GetTreeMetadata(ctx context.Context, rootHash string) (TreeMetadata, bool) {
	raw, ok := c.Get(ctx, treeMetadataKey(rootHash))
	if !ok {
		return TreeMetadata{}, false
	}
	var meta TreeMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return TreeMetadata{}, false
	}
	return meta, true
}

// SetTreeMetadata caches metadata for rootHash at 2x the default TTL, per
// the spec's metadata-gets-longer-life rule.
func (c *Cache) SetTreeMetadata(ctx context.Context, meta TreeMetadata) bool {
	return c.Set(ctx, treeMetadataKey(meta.RootHash), meta, 2*c.defaultTTL)
}

// BuildStatus is a build outcome in the shape stored under KeyBuildStatus.
// Neither the scheduler nor the HTTP handlers write or read it.
type BuildStatus struct {
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	RootHash       string    `json:"rootHash,omitempty"`
	FilesProcessed int       `json:"filesProcessed"`
	Written        bool      `json:"written"`
	Error          string    `json:"error,omitempty"`
}

// GetBuildStatus returns the cached last build status, if present.
func (c *Cache) GetBuildStatus(ctx context.Context) (BuildStatus, bool) {
	raw, ok := c.Get(ctx, KeyBuildStatus)
	if !ok {
		return BuildStatus{}, false
	}
	var status BuildStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return BuildStatus{}, false
	}
	return status, true
}

// SetBuildStatus caches the last build status at a fixed 300s TTL.
func (c *Cache) SetBuildStatus(ctx context.Context, status BuildStatus) bool {
	return c.Set(ctx, KeyBuildStatus, status, 300*time.Second)
}

// Close releases the underlying Redis connection, if any.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
