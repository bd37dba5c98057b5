package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/types"
)

// ErrCacheMiss reports that a key is absent from a cache store.
var ErrCacheMiss = errors.New("cache miss")

// schemaToken stands in for output schemas in cache keys. Schemas are large
// opaque blobs; collapsing them keeps keys stable across equivalent requests.
const schemaToken = "[schema]"

// CacheEntry is one cached execution result.
type CacheEntry struct {
	Result    *types.Result `json:"result"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
	HitCount  int           `json:"hit_count"`
}

// CacheStore stores execution results by deterministic key.
type CacheStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// cacheKeyFields mirrors Request minus callbacks, with the output schema
// collapsed to a fixed token. Field order fixes the marshaled byte order.
type cacheKeyFields struct {
	Model        string            `json:"model"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Prompt       string            `json:"prompt"`
	Tools        []string          `json:"tools,omitempty"`
	OutputSchema string            `json:"output_schema,omitempty"`
	MaxTurns     int               `json:"max_turns,omitempty"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CacheKey derives a deterministic key from a request's execution options.
// Callbacks and per-run identifiers are excluded; the output schema collapses
// to a fixed token.
func CacheKey(req *types.Request) string {
	fields := cacheKeyFields{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Prompt:       req.Prompt,
		Tools:        req.Tools,
		MaxTurns:     req.MaxTurns,
		WorkingDir:   req.WorkingDir,
		Metadata:     req.Metadata,
	}
	if len(req.OutputSchema) > 0 {
		fields.OutputSchema = schemaToken
	}
	data, err := json.Marshal(fields)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", fields))
	}
	sum := sha256.Sum256(data)
	return "exec:" + hex.EncodeToString(sum[:16])
}

// CacheConfig configures the caching middleware.
type CacheConfig struct {
	// Store holds entries. Defaults to an in-process LRU of Capacity.
	Store CacheStore
	// Capacity bounds the default LRU store. Ignored when Store is set.
	Capacity int
	// TTL applies to every entry. Zero means entries never expire.
	TTL time.Duration
	// TTLFor overrides TTL per request when it returns a positive duration.
	TTLFor func(req *types.Request) time.Duration
	// Cacheable skips caching entirely when it returns false. Defaults to
	// caching requests that declare no tools.
	Cacheable func(req *types.Request) bool
	Logger    *zap.Logger
}

// Cache returns a middleware that serves repeated requests from a store and
// skips backend execution entirely on a hit.
func Cache(cfg CacheConfig) Middleware {
	store := cfg.Store
	if store == nil {
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = 256
		}
		store = NewLRUCache(capacity)
	}
	cacheable := cfg.Cacheable
	if cacheable == nil {
		cacheable = func(req *types.Request) bool { return len(req.Tools) == 0 }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "middleware.cache"))

	return Middleware{
		Name: "cache",
		WrapExecute: func(next Exec) Exec {
			return func(ctx context.Context, req *types.Request) (*types.Result, error) {
				if !cacheable(req) {
					return next(ctx, req)
				}
				key := CacheKey(req)
				if entry, err := store.Get(ctx, key); err == nil && entry.Result != nil {
					logger.Debug("cache hit", zap.String("key", key))
					return entry.Result.Clone(), nil
				} else if err != nil && !errors.Is(err, ErrCacheMiss) {
					logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
				}

				res, err := next(ctx, req)
				if err != nil {
					return nil, err
				}
				ttl := cfg.TTL
				if cfg.TTLFor != nil {
					if override := cfg.TTLFor(req); override > 0 {
						ttl = override
					}
				}
				entry := &CacheEntry{Result: res.Clone(), CreatedAt: time.Now()}
				if setErr := store.Set(ctx, key, entry, ttl); setErr != nil {
					logger.Warn("cache write failed", zap.String("key", key), zap.Error(setErr))
				}
				return res, nil
			}
		},
	}
}

// LRUCache is an in-process CacheStore with strict least-recently-used
// eviction. Get refreshes recency; inserting beyond capacity evicts exactly
// the least-recently-used entry. All operations are O(1).
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*lruNode
	head     *lruNode
	tail     *lruNode
}

type lruNode struct {
	key       string
	entry     *CacheEntry
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

// NewLRUCache returns an empty store bounded to capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*lruNode),
	}
}

// Get implements CacheStore.
func (c *LRUCache) Get(_ context.Context, key string) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !node.expiresAt.IsZero() && time.Now().After(node.expiresAt) {
		c.removeNode(node)
		delete(c.items, key)
		return nil, ErrCacheMiss
	}
	c.moveToHead(node)
	node.entry.HitCount++
	return node.entry, nil
}

// Set implements CacheStore. A zero ttl stores the entry without expiry.
func (c *LRUCache) Set(_ context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	entry.ExpiresAt = expires

	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.entry = entry
		node.expiresAt = expires
		c.moveToHead(node)
		return nil
	}
	if len(c.items) >= c.capacity {
		c.evictTail()
	}
	node := &lruNode{key: key, entry: entry, expiresAt: expires}
	c.items[key] = node
	c.addToHead(node)
	return nil
}

// Delete implements CacheStore.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
	}
	return nil
}

// Len reports the number of stored entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRUCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *LRUCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

func (c *LRUCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

func (c *LRUCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
}
