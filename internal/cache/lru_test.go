package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_BasicGetPut(t *testing.T) {
	c := NewLRU[string, bool]("test", 10, 5*time.Minute)

	c.Put("a", true)
	c.Put("b", false)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.True(t, v)

	v, ok = c.Get("b")
	require.True(t, ok)
	assert.False(t, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU[string, int]("test", 3, 5*time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Get("a")
	c.Put("d", 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_TTLExpiration(t *testing.T) {
	c := NewLRU[string, bool]("test", 10, 5*time.Minute)

	now := time.Now()
	c.nowFn = func() time.Time { return now }
	c.Put("a", true)

	_, ok := c.Get("a")
	assert.True(t, ok)

	c.nowFn = func() time.Time { return now.Add(6 * time.Minute) }
	_, ok = c.Get("a")
	assert.False(t, ok, "entry should have expired")
}

func TestLRU_Delete(t *testing.T) {
	c := NewLRU[string, int]("test", 10, time.Minute)
	c.Put("a", 1)
	c.Delete("a")
	c.Delete("missing")

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRU_GetOrLoad(t *testing.T) {
	c := NewLRU[string, int]("test", 10, time.Minute)
	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 7, nil
	}

	v, err := c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = c.GetOrLoad(context.Background(), "err", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("err")
	assert.False(t, ok, "errors must not be cached")
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[string, bool]("test", 10, 5*time.Minute)

	c.Put("a", true)
	c.Get("a")
	c.Get("a")
	c.Get("miss")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
