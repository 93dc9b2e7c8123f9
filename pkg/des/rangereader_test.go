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

// fakeObjectStore serves objects from memory and counts requests, standing
// in for an S3-compatible store.
type fakeObjectStore struct {
	objects map[string][]byte
	etags   map[string]string

	stats  int
	ranges int
	gets   int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects: map[string][]byte{},
		etags:   map[string]string{},
	}
}

func (s *fakeObjectStore) put(bucket, key string, data []byte) {
	path := bucket + "/" + key
	s.objects[path] = data
	s.etags[path] = fmt.Sprintf("etag-%d-%d", len(data), len(s.etags))
}

func (s *fakeObjectStore) Stat(_ context.Context, bucket, key string) (int64, string, error) {
	s.stats++
	path := bucket + "/" + key
	data, ok := s.objects[path]
	if !ok {
		return 0, "", fmt.Errorf("no such object: %s", path)
	}
	return int64(len(data)), s.etags[path], nil
}

func (s *fakeObjectStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.gets++
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s/%s", bucket, key)
	}
	return data, nil
}

func (s *fakeObjectStore) GetRange(_ context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	s.ranges++
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s/%s", bucket, key)
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("range %d+%d out of bounds for %d-byte object", offset, length, len(data))
	}
	return data[offset : offset+length], nil
}

var uploadSeq int

func uploadContainer(ctx *testcontext.Context, t *testing.T, store *fakeObjectStore, bucket, key string, count, size int) {
	t.Helper()
	uploadSeq++
	path := ctx.File(fmt.Sprintf("upload-%d.des", uploadSeq))
	writeNumbered(ctx, t, path, count, size)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	store.put(bucket, key, raw)
}

func TestRangeReaderRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeObjectStore()
	uploadContainer(ctx, t, store, "archive", "2025-08-06/00/c1.des", 10, 1024)

	r, err := des.OpenRange(ctx, store, "archive", "2025-08-06/00/c1.des", des.RangeReaderOptions{})
	require.NoError(t, err)

	names, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, names, 10)
	require.Equal(t, "f0", names[0])

	data, err := r.Get(ctx, "f4")
	require.NoError(t, err)
	require.Len(t, data, 1024)
	require.Equal(t, byte(4), data[0])

	meta, err := r.GetMeta(ctx, "f4")
	require.NoError(t, err)
	require.EqualValues(t, 1024, meta["size"])

	ok, err := r.Contains(ctx, "f9")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Get(ctx, "f10")
	require.True(t, des.ErrNotFound.Has(err))
}

func TestRangeReaderBootstrapMinimality(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeObjectStore()
	uploadContainer(ctx, t, store, "archive", "c.des", 8, 512)

	r, err := des.OpenRange(ctx, store, "archive", "c.des", des.RangeReaderOptions{})
	require.NoError(t, err)
	// bootstrap: footer + header
	require.Equal(t, 2, store.ranges)

	_, err = r.Get(ctx, "f3")
	require.NoError(t, err)
	// first query: index + data
	require.Equal(t, 4, store.ranges)

	_, err = r.Get(ctx, "f5")
	require.NoError(t, err)
	// each subsequent single-file query: exactly one more range
	require.Equal(t, 5, store.ranges)
}

func TestRangeReaderBatchGap(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeObjectStore()
	uploadContainer(ctx, t, store, "archive", "gap.des", 10, 1024)

	r, err := des.OpenRange(ctx, store, "archive", "gap.des", des.RangeReaderOptions{})
	require.NoError(t, err)
	_, err = r.List(ctx) // force index load
	require.NoError(t, err)

	before := store.ranges
	results, err := r.GetMany(ctx, []string{"f0", "f9"}, 10*1024)
	require.NoError(t, err)
	require.Equal(t, 1, store.ranges-before)
	for _, res := range results {
		require.NoError(t, res.Err)
		require.Len(t, res.Data, 1024)
	}

	before = store.ranges
	results, err = r.GetMany(ctx, []string{"f0", "f9"}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, store.ranges-before)
	require.Equal(t, byte(0), results[0].Data[0])
	require.Equal(t, byte(9), results[1].Data[0])

	// a larger gap budget never issues more requests
	before = store.ranges
	_, err = r.GetMany(ctx, []string{"f0", "f4", "f9"}, des.DefaultMaxGap)
	require.NoError(t, err)
	require.Equal(t, 1, store.ranges-before)
}

func TestRangeReaderIndexCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeObjectStore()
	uploadContainer(ctx, t, store, "archive", "cached.des", 6, 128)
	cache := newCountingCache()

	r1, err := des.OpenRange(ctx, store, "archive", "cached.des", des.RangeReaderOptions{Cache: cache})
	require.NoError(t, err)
	_, err = r1.Get(ctx, "f0")
	require.NoError(t, err)
	require.Equal(t, 1, cache.puts)

	// a second reader over the same version reuses the cached index:
	// bootstrap (2) + data (1), no index span fetch
	before := store.ranges
	r2, err := des.OpenRange(ctx, store, "archive", "cached.des", des.RangeReaderOptions{Cache: cache})
	require.NoError(t, err)
	_, err = r2.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, 3, store.ranges-before)
	require.Equal(t, 1, cache.hits)

	// a changed object version must not reuse the stale index
	uploadContainer(ctx, t, store, "archive", "cached.des", 7, 128)
	r3, err := des.OpenRange(ctx, store, "archive", "cached.des", des.RangeReaderOptions{Cache: cache})
	require.NoError(t, err)
	names, err := r3.List(ctx)
	require.NoError(t, err)
	require.Len(t, names, 7)
	require.Equal(t, 2, cache.puts)
}

func TestRangeReaderRefusesCorruption(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeObjectStore()
	uploadContainer(ctx, t, store, "archive", "good.des", 2, 64)
	raw := store.objects["archive/good.des"]

	for name, mutate := range map[string]func([]byte){
		"footer magic":  func(b []byte) { b[len(b)-3] ^= 0x10 },
		"footer offset": func(b []byte) { b[len(b)-80] ^= 0x01 },
		"header magic":  func(b []byte) { b[2] = 'x' },
	} {
		bad := append([]byte(nil), raw...)
		mutate(bad)
		store.put("archive", "bad.des", bad)

		_, err := des.OpenRange(ctx, store, "archive", "bad.des", des.RangeReaderOptions{})
		require.True(t, des.ErrCorrupt.Has(err), name)
	}
}

func TestRangeReaderExternal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	external := newMemExternal()
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 7)
	}

	path := ctx.File("ext.des")
	_, err := des.WithWriter(ctx, path, des.WriterOptions{
		ContainerID:      "C42",
		BigFileThreshold: 1024,
		External:         external,
	}, func(w *des.Writer) error {
		if err := w.Add(ctx, "big.bin", big, nil); err != nil {
			return err
		}
		return w.Add(ctx, "small.bin", []byte("tiny"), nil)
	})
	require.NoError(t, err)

	store := newFakeObjectStore()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	store.put("archive", "ext.des", raw)

	r, err := des.OpenRange(ctx, store, "archive", "ext.des", des.RangeReaderOptions{External: external})
	require.NoError(t, err)

	got, err := r.Get(ctx, "big.bin")
	require.NoError(t, err)
	require.Equal(t, big, got)

	results, err := r.GetMany(ctx, []string{"small.bin", "big.bin"}, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("tiny"), results[0].Data)
	require.Equal(t, big, results[1].Data)
}
