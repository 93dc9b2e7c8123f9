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

func TestWriteReadTinyArchive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("tiny.des")
	w, err := des.Create(path, des.WriterOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Add(ctx, "a.txt", []byte("hello"), des.Meta{"mime": "text/plain"}))

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, w.Add(ctx, "b.bin", payload, nil))

	stats, err := w.Finalize(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.FileCount)
	require.EqualValues(t, 5+256, stats.DataLength)

	r, err := des.Open(path, des.ReaderOptions{})
	require.NoError(t, err)
	defer ctx.Check(r.Close)

	names, err := r.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "b.bin"}, names)

	data, err := r.Get(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	data, err = r.Get(ctx, "b.bin")
	require.NoError(t, err)
	require.Len(t, data, 256)
	require.Equal(t, payload, data)

	meta, err := r.GetMeta(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "text/plain", meta["mime"])
	require.EqualValues(t, 5, meta["size"])

	require.EqualValues(t, 2, r.Stats().FileCount)
	require.Equal(t, stats.ByteSize, r.Stats().ByteSize)
}

func TestWriterRejectsBadNames(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	w, err := des.Create(ctx.File("bad.des"), des.WriterOptions{})
	require.NoError(t, err)
	defer func() { _ = w.Abort() }()

	require.True(t, des.ErrInvalidName.Has(w.Add(ctx, "", []byte("x"), nil)))
	require.True(t, des.ErrInvalidName.Has(w.Add(ctx, "../up", []byte("x"), nil)))
	require.True(t, des.ErrInvalidName.Has(w.Add(ctx, " padded ", []byte("x"), nil)))

	require.NoError(t, w.Add(ctx, "ok", []byte("x"), nil))
	require.True(t, des.ErrNameConflict.Has(w.Add(ctx, "ok", []byte("y"), nil)))
}

func TestWriterAbort(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("aborted.des")
	w, err := des.Create(path, des.WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Add(ctx, "x", []byte("data"), nil))
	require.NoError(t, w.Abort())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// finalize after abort fails
	_, err = w.Finalize(ctx)
	require.Error(t, err)
}

func TestWriterRefusesExistingPath(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("exists.des")
	require.NoError(t, os.WriteFile(path, []byte("occupied"), 0644))

	_, err := des.Create(path, des.WriterOptions{})
	require.Error(t, err)
}

func TestWithWriter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("scoped.des")
	stats, err := des.WithWriter(ctx, path, des.WriterOptions{}, func(w *des.Writer) error {
		return w.Add(ctx, "one", []byte("1"), nil)
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.FileCount)

	failing := ctx.File("failing.des")
	_, err = des.WithWriter(ctx, failing, des.WriterOptions{}, func(w *des.Writer) error {
		require.NoError(t, w.Add(ctx, "one", []byte("1"), nil))
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, statErr := os.Stat(failing)
	require.True(t, os.IsNotExist(statErr))
}

func TestEmptyContainer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("empty.des")
	stats, err := des.WithWriter(ctx, path, des.WriterOptions{}, func(w *des.Writer) error { return nil })
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.FileCount)

	r, err := des.Open(path, des.ReaderOptions{})
	require.NoError(t, err)
	defer ctx.Check(r.Close)

	names, err := r.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	_, err = r.Get(ctx, "missing")
	require.True(t, des.ErrNotFound.Has(err))
}

type memExternal struct {
	objects map[string][]byte
	puts    int
}

func newMemExternal() *memExternal {
	return &memExternal{objects: map[string][]byte{}}
}

func (m *memExternal) Put(_ context.Context, containerID, name string, data []byte) (string, error) {
	key := "_bigFiles/" + containerID + "/" + name
	m.objects[key] = append([]byte(nil), data...)
	m.puts++
	return key, nil
}

func (m *memExternal) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such sidecar object: %s", key)
	}
	return data, nil
}

func TestExternalDiversion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	external := newMemExternal()
	path := ctx.File("big.des")
	w, err := des.Create(path, des.WriterOptions{
		ContainerID:      "C01",
		BigFileThreshold: 1 << 20,
		External:         external,
	})
	require.NoError(t, err)

	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, w.Add(ctx, "big.bin", big, nil))
	require.NoError(t, w.Add(ctx, "small.bin", []byte("small"), nil))

	stats, err := w.Finalize(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.FileCount)
	// the big payload never lands in DATA
	require.EqualValues(t, 5, stats.DataLength)
	require.Equal(t, 1, external.puts)

	r, err := des.Open(path, des.ReaderOptions{External: external})
	require.NoError(t, err)
	defer ctx.Check(r.Close)

	entries, err := r.Index(ctx)
	require.NoError(t, err)
	require.True(t, entries[0].External())
	require.EqualValues(t, 0, entries[0].DataLength)
	require.EqualValues(t, 0, entries[0].DataOffset)

	got, err := r.Get(ctx, "big.bin")
	require.NoError(t, err)
	require.Equal(t, big, got)

	meta, err := r.GetMeta(ctx, "big.bin")
	require.NoError(t, err)
	require.Equal(t, true, meta["external"])
	require.EqualValues(t, len(big), meta["size"])
}
