// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package des_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datavision-labs/easystore/internal/testcontext"
	"github.com/datavision-labs/easystore/pkg/des"
)

func writeNumbered(ctx *testcontext.Context, t *testing.T, path string, count, size int) [][]byte {
	t.Helper()
	payloads := make([][]byte, count)
	_, err := des.WithWriter(ctx, path, des.WriterOptions{}, func(w *des.Writer) error {
		for i := 0; i < count; i++ {
			payloads[i] = make([]byte, size)
			for j := range payloads[i] {
				payloads[i][j] = byte(i)
			}
			if err := w.Add(ctx, fmt.Sprintf("f%d", i), payloads[i], nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return payloads
}

func TestGetManyMatchesGet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("many.des")
	writeNumbered(ctx, t, path, 10, 1024)

	r, err := des.Open(path, des.ReaderOptions{})
	require.NoError(t, err)
	defer ctx.Check(r.Close)

	names := []string{"f7", "f0", "f3", "f7"}
	results, err := r.GetMany(ctx, names, 0)
	require.NoError(t, err)
	require.Len(t, results, len(names))

	for i, res := range results {
		require.Equal(t, names[i], res.Name)
		require.NoError(t, res.Err)
		single, err := r.Get(ctx, res.Name)
		require.NoError(t, err)
		require.Equal(t, single, res.Data)
	}
}

func TestGetManyMissingNames(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("missing.des")
	writeNumbered(ctx, t, path, 3, 16)

	r, err := des.Open(path, des.ReaderOptions{})
	require.NoError(t, err)
	defer ctx.Check(r.Close)

	results, err := r.GetMany(ctx, []string{"f0", "ghost", "f2"}, des.DefaultMaxGap)
	require.NoError(t, err)

	require.NoError(t, results[0].Err)
	require.True(t, des.ErrNotFound.Has(results[1].Err))
	require.NoError(t, results[2].Err)
	require.Equal(t, []string{"f0", "ghost", "f2"}, []string{results[0].Name, results[1].Name, results[2].Name})
}

type countingCache struct {
	entries map[string][]des.Entry
	hits    int
	misses  int
	puts    int
}

func newCountingCache() *countingCache {
	return &countingCache{entries: map[string][]des.Entry{}}
}

func (c *countingCache) Get(_ context.Context, key string) ([]des.Entry, bool) {
	entries, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return entries, ok
}

func (c *countingCache) Put(_ context.Context, key string, entries []des.Entry) {
	c.puts++
	c.entries[key] = entries
}

func TestReaderIndexCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("cached.des")
	writeNumbered(ctx, t, path, 5, 64)
	cache := newCountingCache()

	r1, err := des.Open(path, des.ReaderOptions{Cache: cache})
	require.NoError(t, err)
	_, err = r1.Get(ctx, "f1")
	require.NoError(t, err)
	require.NoError(t, r1.Close())
	require.Equal(t, 1, cache.misses)
	require.Equal(t, 1, cache.puts)

	r2, err := des.Open(path, des.ReaderOptions{Cache: cache})
	require.NoError(t, err)
	defer ctx.Check(r2.Close)

	data, err := r2.Get(ctx, "f2")
	require.NoError(t, err)
	require.Equal(t, byte(2), data[0])
	require.Equal(t, 1, cache.hits)
	require.Equal(t, 1, cache.puts)
}

func TestReaderRefusesCorruption(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("corrupt.des")
	writeNumbered(ctx, t, path, 2, 32)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// flip a footer magic bit
	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0x40
	corruptPath := ctx.File("flipped.des")
	require.NoError(t, os.WriteFile(corruptPath, flipped, 0644))
	_, err = des.Open(corruptPath, des.ReaderOptions{})
	require.True(t, des.ErrCorrupt.Has(err))

	// alter header magic
	headless := append([]byte(nil), raw...)
	headless[0] = 'Z'
	headlessPath := ctx.File("headless.des")
	require.NoError(t, os.WriteFile(headlessPath, headless, 0644))
	_, err = des.Open(headlessPath, des.ReaderOptions{})
	require.True(t, des.ErrCorrupt.Has(err))

	// truncation breaks footer self-consistency
	truncPath := ctx.File("trunc.des")
	require.NoError(t, os.WriteFile(truncPath, raw[:len(raw)-1], 0644))
	_, err = des.Open(truncPath, des.ReaderOptions{})
	require.True(t, des.ErrCorrupt.Has(err))
}
