package source

import (
	"context"
	"sync"
	"time"

	"github.com/sagehq/sage/internal/log"
)

// DataKind classifies cached payloads; the TTL varies by kind so
// short-lived data is never served stale while long-lived data bounds
// upstream call volume.
type DataKind string

const (
	// DataQuote is a live price snapshot.
	DataQuote DataKind = "quote"

	// DataCandles is a historical OHLCV series.
	DataCandles DataKind = "candles"

	// DataProfile is descriptive company information.
	DataProfile DataKind = "profile"

	// DataSearch is a catalog/search result set.
	DataSearch DataKind = "search"
)

// TTL returns the freshness window for this data kind.
func (k DataKind) TTL() time.Duration {
	switch k {
	case DataQuote:
		return 30 * time.Second
	case DataCandles:
		return 15 * time.Minute
	case DataProfile:
		return 24 * time.Hour
	case DataSearch:
		return 5 * time.Minute
	default:
		return time.Minute
	}
}

// CacheStore is the backing store for the result cache. Implementations may
// be remote; errors are treated as misses by Cache, never surfaced.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache is a time-boxed, key-scoped store over (provider, entityKey,
// dataKind). Lookups are advisory: a store failure degrades to a miss and
// the caller falls through to a direct fetch. The key space is flat — the
// underlying data is not user-specific, so keys carry no user/session
// dimension.
type Cache struct {
	store  CacheStore
	logger log.Logger
	clock  func() time.Time
}

// NewCache creates a result cache over the given store.
func NewCache(store CacheStore, logger log.Logger) *Cache {
	return &Cache{store: store, logger: logger, clock: time.Now}
}

// cacheKey builds the flat (provider, entityKey, dataKind) key.
func cacheKey(provider Kind, entityKey string, kind DataKind) string {
	return string(provider) + ":" + entityKey + ":" + string(kind)
}

// Get returns the cached payload, or ok=false on miss or store failure.
func (c *Cache) Get(ctx context.Context, provider Kind, entityKey string, kind DataKind) ([]byte, bool) {
	value, ok, err := c.store.Get(ctx, cacheKey(provider, entityKey, kind))
	if err != nil {
		// Cache unavailability is never fatal to the request.
		c.logger.Warn("cache get failed, treating as miss",
			"provider", provider, "entity", entityKey, "kind", kind, "error", err)
		return nil, false
	}
	return value, ok
}

// Set stores a payload under its kind-specific TTL. Best-effort: failures
// are logged and swallowed. Concurrent writers for the same key may race;
// last-write-wins is fine because payloads for a key are fungible within
// their TTL window.
func (c *Cache) Set(ctx context.Context, provider Kind, entityKey string, kind DataKind, value []byte) {
	if err := c.store.Set(ctx, cacheKey(provider, entityKey, kind), value, kind.TTL()); err != nil {
		c.logger.Warn("cache set failed",
			"provider", provider, "entity", entityKey, "kind", kind, "error", err)
	}
}

// memoryStore is the default in-process CacheStore. Entries expire lazily
// on read; a periodic sweep is unnecessary at this cache's scale.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-process cache store.
func NewMemoryStore() CacheStore {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if m.clock().After(entry.expiresAt) {
		m.mu.Lock()
		// Re-check under write lock; another goroutine may have refreshed it.
		if cur, still := m.entries[key]; still && m.clock().After(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.clock().Add(ttl)}
	m.mu.Unlock()
	return nil
}
