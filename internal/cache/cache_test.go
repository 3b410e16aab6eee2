package cache

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()

	c, err := New(t.TempDir(), opts)
	require.NoError(t, err)

	return c
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	ok := c.Set(ctx, "album_meta_42", map[string]string{"title": "Kind of Blue"})
	require.True(t, ok)

	var got map[string]string

	require.True(t, c.GetInto(ctx, "album_meta_42", &got))
	assert.Equal(t, "Kind of Blue", got["title"])
}

func TestCache_GetExpiredEntryIsDeleted(t *testing.T) {
	c := newTestCache(t, Options{MaxAge: time.Hour})
	ctx := context.Background()

	clock := time.Now()
	c.now = func() time.Time { return clock }

	require.True(t, c.Set(ctx, "k", "v"))

	clock = clock.Add(2 * time.Hour)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "expired entry should miss")

	entries, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	require.NoError(t, err)
	assert.Empty(t, entries, "expired entry file should be removed on read")
}

func TestCache_SetRejectsOversizedValue(t *testing.T) {
	c := newTestCache(t, Options{MaxValueSize: 128})
	ctx := context.Background()

	assert.False(t, c.Set(ctx, "big", strings.Repeat("x", 1024)))

	_, ok := c.Get(ctx, "big")
	assert.False(t, ok)
}

func TestCache_ObserverSeesHitsAndMisses(t *testing.T) {
	var hits, misses int

	c := newTestCache(t, Options{Observer: func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	}})
	ctx := context.Background()

	_, _ = c.Get(ctx, "absent")

	c.Set(ctx, "k", "v")
	_, _ = c.Get(ctx, "k")

	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestCache_SweepRemovesOnlyExpiredEntries(t *testing.T) {
	c := newTestCache(t, Options{MaxAge: time.Hour})
	ctx := context.Background()

	require.True(t, c.Set(ctx, "old", "v"))
	require.True(t, c.Set(ctx, "fresh", "v"))

	// Age the "old" entry on disk; the sweep works from mtimes.
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(c.path("old"), stale, stale))

	assert.Equal(t, 1, c.Sweep(ctx))

	_, ok := c.Get(ctx, "fresh")
	assert.True(t, ok)

	_, ok = c.Get(ctx, "old")
	assert.False(t, ok)
}

func TestCache_ConcurrentSetsLeaveNoPartialState(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			key := "k" + strconv.Itoa(i%4)
			assert.True(t, c.Set(ctx, key, strings.Repeat("v", 1+i)))
		}(i)
	}

	wg.Wait()

	// Every key reads back as a whole, valid entry.
	for i := 0; i < 4; i++ {
		var got string

		assert.True(t, c.GetInto(ctx, "k"+strconv.Itoa(i), &got))
		assert.True(t, strings.HasPrefix(got, "v"))
	}

	leftovers, err := filepath.Glob(filepath.Join(c.dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "finished writes must not leave temp files behind")
}

func TestCache_CorruptEntryIsAMiss(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(c.path("bad"), []byte("{not json"), 0644))

	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)

	require.NoError(t, c.Clear(ctx))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}
