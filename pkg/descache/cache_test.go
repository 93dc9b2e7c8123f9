// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package descache

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datavision-labs/easystore/internal/testcontext"
	"github.com/datavision-labs/easystore/pkg/des"
)

func testEntries(n int) []des.Entry {
	entries := make([]des.Entry, n)
	offset := uint64(des.HeaderSize)
	for i := range entries {
		entries[i] = des.Entry{
			Name:       fmt.Sprintf("f%d", i),
			DataOffset: offset,
			DataLength: 128,
			MetaOffset: 10000 + uint64(i)*32,
			MetaLength: 30,
		}
		offset += 128
	}
	return entries
}

func TestMemoryBasic(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := NewMemory(MemoryOptions{Capacity: 2})

	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)

	cache.Put(ctx, "a", testEntries(3))
	got, ok := cache.Get(ctx, "a")
	require.True(t, ok)
	require.Len(t, got, 3)
	require.Equal(t, "f0", got[0].Name)
}

func TestMemoryEviction(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := NewMemory(MemoryOptions{Capacity: 2})
	cache.Put(ctx, "a", testEntries(1))
	cache.Put(ctx, "b", testEntries(1))

	// touching "a" makes "b" the eviction candidate
	_, ok := cache.Get(ctx, "a")
	require.True(t, ok)

	cache.Put(ctx, "c", testEntries(1))
	require.Equal(t, 2, cache.Len())

	_, ok = cache.Get(ctx, "b")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "a")
	require.True(t, ok)
	_, ok = cache.Get(ctx, "c")
	require.True(t, ok)
}

func TestMemoryTTL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := NewMemory(MemoryOptions{Capacity: 4, TTL: 10 * time.Millisecond})
	cache.Put(ctx, "a", testEntries(1))

	_, ok := cache.Get(ctx, "a")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = cache.Get(ctx, "a")
	require.False(t, ok)
}

func TestMemoryZeroCapacity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := NewMemory(MemoryOptions{})
	cache.Put(ctx, "a", testEntries(1))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := miniredis.RunT(t)

	for _, compress := range []bool{false, true} {
		cache, err := NewRedis(ctx, zaptest.NewLogger(t), RedisOptions{
			Address:  server.Addr(),
			Compress: compress,
		})
		require.NoError(t, err)

		key := fmt.Sprintf("des:s3:bucket:key:etag:v1:%v", compress)
		_, ok := cache.Get(ctx, key)
		require.False(t, ok)

		entries := testEntries(5)
		entries[4].Flags = des.FlagExternal
		cache.Put(ctx, key, entries)

		got, ok := cache.Get(ctx, key)
		require.True(t, ok)
		require.Equal(t, entries, got)

		require.NoError(t, cache.Close())
	}
}

func TestRedisUndecodableIsMiss(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := miniredis.RunT(t)
	cache, err := NewRedis(ctx, zaptest.NewLogger(t), RedisOptions{Address: server.Addr()})
	require.NoError(t, err)
	defer ctx.Check(cache.Close)

	require.NoError(t, server.Set("garbled", "not json"))
	_, ok := cache.Get(ctx, "garbled")
	require.False(t, ok)
}
