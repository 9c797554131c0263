package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is a cached model response keyed by request digest.
type Entry struct {
	Digest    string
	Stage     string
	Model     string
	Response  []byte
	CreatedAt time.Time
}

// Backend persists cache entries. The sqlite and postgres stores
// implement this over their ai_cache table; Memory backs tests and
// cache-less deployments.
type Backend interface {
	GetEntry(ctx context.Context, digest string) (*Entry, error)
	PutEntry(ctx context.Context, entry Entry) error
	DeleteEntry(ctx context.Context, digest string) error
	PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error)
}

// Cache wraps a Backend with TTL expiry. Expired entries are evicted
// lazily on read.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

// New creates a TTL cache over the given backend.
func New(backend Backend, ttl time.Duration) *Cache {
	return &Cache{backend: backend, ttl: ttl, now: time.Now}
}

// Get returns the cached response for digest, or nil on a miss. Entries
// older than the TTL count as misses and are deleted best-effort.
func (c *Cache) Get(ctx context.Context, digest string) ([]byte, error) {
	entry, err := c.backend.GetEntry(ctx, digest)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if c.now().Sub(entry.CreatedAt) > c.ttl {
		if err := c.backend.DeleteEntry(ctx, digest); err != nil {
			zap.L().Warn("evict expired cache entry", zap.String("digest", digest), zap.Error(err))
		}
		return nil, nil
	}
	return entry.Response, nil
}

// Put stores a response. Failures are logged, not returned: a broken
// cache must never fail a workflow.
func (c *Cache) Put(ctx context.Context, digest, stage, model string, response []byte) {
	err := c.backend.PutEntry(ctx, Entry{
		Digest:    digest,
		Stage:     stage,
		Model:     model,
		Response:  response,
		CreatedAt: c.now(),
	})
	if err != nil {
		zap.L().Warn("store cache entry", zap.String("digest", digest), zap.Error(err))
	}
}

// Purge removes all entries older than the TTL and returns the count.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	return c.backend.PurgeEntries(ctx, c.now().Add(-c.ttl))
}

// Memory is an in-process Backend.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) GetEntry(_ context.Context, digest string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[digest]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *Memory) PutEntry(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Digest] = entry
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, digest)
	return nil
}

func (m *Memory) PurgeEntries(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for digest, entry := range m.entries {
		if entry.CreatedAt.Before(olderThan) {
			delete(m.entries, digest)
			n++
		}
	}
	return n, nil
}
