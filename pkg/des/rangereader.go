// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package des

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMaxGap is the default gap budget for batched range reads against
// an object store. It is sized by request-count economics: a 1 MiB
// over-read is cheaper than an extra HTTP round trip.
const DefaultMaxGap = 1 << 20

// RangeReaderOptions configures an object-store container reader.
type RangeReaderOptions struct {
	// Cache, when set, stores the parsed index keyed by
	// (bucket, key, version). A changed version invalidates the entry.
	Cache IndexCache

	// External resolves entries whose bytes live in the sidecar area.
	External ExternalStore
}

// RangeReader mirrors Reader against an object store, serving point reads
// with one or two HTTP range requests and no external catalog lookup.
type RangeReader struct {
	store    ObjectStore
	bucket   string
	key      string
	opts     RangeReaderOptions
	size     int64
	version  string
	footer   Footer
	cacheKey string

	indexOnce sync.Once
	indexErr  error
	entries   []Entry
	byName    map[string]Entry
}

// OpenRange bootstraps a range reader: one Stat for size and version, one
// range request for the trailing footer and one for the header. The index
// span is fetched lazily.
func OpenRange(ctx context.Context, store ObjectStore, bucket, key string, opts RangeReaderOptions) (_ *RangeReader, err error) {
	defer mon.Task()(&ctx)(&err)

	size, version, err := store.Stat(ctx, bucket, key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if size < HeaderSize+FooterSize {
		return nil, ErrCorrupt.New("object %s/%s is %d bytes, too small", bucket, key, size)
	}

	buf, err := store.GetRange(ctx, bucket, key, size-FooterSize, FooterSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	footer, err := ParseFooter(buf)
	if err != nil {
		return nil, err
	}
	if err := footer.Validate(size); err != nil {
		return nil, err
	}

	head, err := store.GetRange(ctx, bucket, key, 0, HeaderSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := ParseHeader(head); err != nil {
		return nil, err
	}

	return &RangeReader{
		store:    store,
		bucket:   bucket,
		key:      key,
		opts:     opts,
		size:     size,
		version:  version,
		footer:   footer,
		cacheKey: fmt.Sprintf("des:s3:%s:%s:%s:v%d", bucket, key, version, Version),
	}, nil
}

// Footer returns the parsed footer.
func (r *RangeReader) Footer() Footer { return r.footer }

// Version returns the object version the reader is pinned to.
func (r *RangeReader) Version() string { return r.version }

// Stats returns footer-derived container statistics.
func (r *RangeReader) Stats() Stats {
	return Stats{
		FileCount:   r.footer.FileCount,
		ByteSize:    r.footer.ContainerSize(),
		DataLength:  r.footer.DataLength,
		MetaLength:  r.footer.MetaLength,
		IndexLength: r.footer.IndexLength,
	}
}

func (r *RangeReader) loadIndex(ctx context.Context) error {
	r.indexOnce.Do(func() {
		if r.opts.Cache != nil {
			if entries, ok := r.opts.Cache.Get(ctx, r.cacheKey); ok {
				r.setIndex(entries)
				return
			}
		}

		buf, err := r.store.GetRange(ctx, r.bucket, r.key, int64(r.footer.IndexStart), int64(r.footer.IndexLength))
		if err != nil {
			r.indexErr = Error.Wrap(err)
			return
		}
		entries, err := ParseIndex(buf, r.footer.FileCount)
		if err != nil {
			r.indexErr = err
			return
		}
		r.setIndex(entries)

		if r.opts.Cache != nil {
			r.opts.Cache.Put(ctx, r.cacheKey, entries)
		}
	})
	return r.indexErr
}

func (r *RangeReader) setIndex(entries []Entry) {
	r.entries = entries
	r.byName = make(map[string]Entry, len(entries))
	for _, e := range entries {
		r.byName[e.Name] = e
	}
}

// List returns the contained names in insertion order.
func (r *RangeReader) List(ctx context.Context) ([]string, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names, nil
}

// Index returns the parsed index entries in insertion order.
func (r *RangeReader) Index(ctx context.Context) ([]Entry, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries, nil
}

// Contains reports whether the container holds name.
func (r *RangeReader) Contains(ctx context.Context, name string) (bool, error) {
	if err := r.loadIndex(ctx); err != nil {
		return false, err
	}
	_, ok := r.byName[name]
	return ok, nil
}

// Get returns the bytes of a single file via one range request.
func (r *RangeReader) Get(ctx context.Context, name string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	entry, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound.New("%q in %s/%s", name, r.bucket, r.key)
	}
	if entry.External() {
		return r.getExternal(ctx, entry)
	}
	data, err := r.store.GetRange(ctx, r.bucket, r.key, int64(entry.DataOffset), int64(entry.DataLength))
	return data, Error.Wrap(err)
}

// GetMeta returns the decoded JSON metadata of a single file.
func (r *RangeReader) GetMeta(ctx context.Context, name string) (_ Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	entry, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound.New("%q in %s/%s", name, r.bucket, r.key)
	}
	return decodeMeta(r.store.GetRange(ctx, r.bucket, r.key, int64(entry.MetaOffset), int64(entry.MetaLength)))
}

// GetMany fetches several files, coalescing adjacent range requests under
// the maxGap budget. The result slice is aligned with names and never
// short-circuits on individual failures.
func (r *RangeReader) GetMany(ctx context.Context, names []string, maxGap int64) (_ []Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	lookup := func(name string) (Entry, bool) {
		e, ok := r.byName[name]
		return e, ok
	}
	readSpan := func(start uint64, length int64) ([]byte, error) {
		data, err := r.store.GetRange(ctx, r.bucket, r.key, int64(start), length)
		return data, Error.Wrap(err)
	}
	return batchRead(names, lookup, maxGap, readSpan, func(e Entry) ([]byte, error) {
		return r.getExternal(ctx, e)
	}), nil
}

func (r *RangeReader) getExternal(ctx context.Context, entry Entry) ([]byte, error) {
	if r.opts.External == nil {
		return nil, Error.New("no external store configured for %q", entry.Name)
	}
	meta, err := decodeMeta(r.store.GetRange(ctx, r.bucket, r.key, int64(entry.MetaOffset), int64(entry.MetaLength)))
	if err != nil {
		return nil, err
	}
	key, _ := meta["external_key"].(string)
	if key == "" {
		return nil, ErrCorrupt.New("external entry %q has no sidecar key", entry.Name)
	}
	data, err := r.opts.External.Get(ctx, key)
	return data, Error.Wrap(err)
}
