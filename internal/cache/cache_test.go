package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestStableAcrossOrdering(t *testing.T) {
	a, err := Digest("extraction", "vision", map[string]any{"page": 3, "prompt": "extract  tables"})
	require.NoError(t, err)
	b, err := Digest("extraction", "vision", map[string]any{"prompt": "extract tables", "page": 3})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Digest("extraction", "vision", map[string]any{"prompt": "extract tables", "page": 4})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDigestDistinguishesStageAndClass(t *testing.T) {
	payload := map[string]any{"prompt": "classify"}

	a, err := Digest("analysis", "vision", payload)
	require.NoError(t, err)
	b, err := Digest("mapping", "vision", payload)
	require.NoError(t, err)
	c, err := Digest("analysis", "reasoning", payload)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDigestCaseInsensitiveKeys(t *testing.T) {
	payload := map[string]any{"prompt": "classify"}

	a, err := Digest("Analysis", "Vision", payload)
	require.NoError(t, err)
	b, err := Digest("analysis", "vision", payload)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemory(), time.Hour)

	got, err := c.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, got)

	c.Put(ctx, "deadbeef", "extraction", "gemini-2.5-pro", []byte(`{"tables": []}`))

	got, err = c.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"tables": []}`), got)
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	c := New(backend, time.Hour)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put(ctx, "deadbeef", "extraction", "gemini-2.5-pro", []byte("payload"))

	now = now.Add(59 * time.Minute)
	got, err := c.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.NotNil(t, got)

	now = now.Add(2 * time.Minute)
	got, err = c.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, got)

	// lazy eviction removed the entry from the backend
	entry, err := backend.GetEntry(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCachePurge(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	c := New(backend, time.Hour)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put(ctx, "old", "analysis", "gemini-2.5-pro", []byte("a"))
	now = now.Add(2 * time.Hour)
	c.Put(ctx, "fresh", "analysis", "gemini-2.5-pro", []byte("b"))

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := c.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
