// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key1", "value1", 5*time.Minute))

	val, ok, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok, "expected to find key1")
	assert.Equal(t, "value1", val)

	_, ok, err = c.Get(ctx, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok, "expected not to find nonexistent key")
}

func TestMemoryCache_Expiration(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "shortlived", "value", 50*time.Millisecond))

	val, ok, err := c.Get(ctx, "shortlived")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", val)

	time.Sleep(100 * time.Millisecond)

	_, ok, err = c.Get(ctx, "shortlived")
	require.NoError(t, err)
	assert.False(t, ok, "expected key to be expired")
}

func TestMemoryCache_Incr(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryCache_Expire(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "expire on missing key must report false")

	require.NoError(t, c.Set(ctx, "key", "v", 0))
	ok, err = c.Expire(ctx, "key", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	_, ok, err = c.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Del(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key1", "value1", 0))
	require.NoError(t, c.Del(ctx, "key1"))

	_, ok, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, ok)
}
