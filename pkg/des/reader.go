// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package des

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ReaderOptions configures a local container reader.
type ReaderOptions struct {
	// Cache, when set, stores the parsed index keyed by container
	// identity (path, size, mtime, version).
	Cache IndexCache

	// External resolves entries whose bytes live in the sidecar area.
	External ExternalStore
}

// Reader reads a DES container from the local filesystem. The footer is
// parsed eagerly on Open; the index is loaded lazily on first use.
type Reader struct {
	file     *os.File
	opts     ReaderOptions
	footer   Footer
	cacheKey string

	indexOnce sync.Once
	indexErr  error
	entries   []Entry
	byName    map[string]Entry
}

// Open bootstraps a reader: it reads the trailing FooterSize bytes,
// verifies magic and version, and checks the footer against the file size.
func Open(path string, opts ReaderOptions) (_ *Reader, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if info.Size() < HeaderSize+FooterSize {
		return nil, ErrCorrupt.New("file is %d bytes, too small", info.Size())
	}

	buf := make([]byte, FooterSize)
	if _, err := file.ReadAt(buf, info.Size()-FooterSize); err != nil {
		return nil, Error.Wrap(err)
	}
	footer, err := ParseFooter(buf)
	if err != nil {
		return nil, err
	}
	if err := footer.Validate(info.Size()); err != nil {
		return nil, err
	}

	head := make([]byte, HeaderSize)
	if _, err := file.ReadAt(head, 0); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := ParseHeader(head); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &Reader{
		file:     file,
		opts:     opts,
		footer:   footer,
		cacheKey: fmt.Sprintf("des:%s:%d:%d:v%d", abs, info.Size(), info.ModTime().Unix(), Version),
	}, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error { return Error.Wrap(r.file.Close()) }

// Footer returns the parsed footer.
func (r *Reader) Footer() Footer { return r.footer }

// Stats returns footer-derived container statistics.
func (r *Reader) Stats() Stats {
	return Stats{
		FileCount:   r.footer.FileCount,
		ByteSize:    r.footer.ContainerSize(),
		DataLength:  r.footer.DataLength,
		MetaLength:  r.footer.MetaLength,
		IndexLength: r.footer.IndexLength,
	}
}

func (r *Reader) loadIndex(ctx context.Context) error {
	r.indexOnce.Do(func() {
		if r.opts.Cache != nil {
			if entries, ok := r.opts.Cache.Get(ctx, r.cacheKey); ok {
				r.setIndex(entries)
				return
			}
		}

		buf := make([]byte, r.footer.IndexLength)
		if _, err := r.file.ReadAt(buf, int64(r.footer.IndexStart)); err != nil {
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

func (r *Reader) setIndex(entries []Entry) {
	r.entries = entries
	r.byName = make(map[string]Entry, len(entries))
	for _, e := range entries {
		r.byName[e.Name] = e
	}
}

// List returns the contained names in insertion order.
func (r *Reader) List(ctx context.Context) ([]string, error) {
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
func (r *Reader) Index(ctx context.Context) ([]Entry, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries, nil
}

// Contains reports whether the container holds name.
func (r *Reader) Contains(ctx context.Context, name string) (bool, error) {
	if err := r.loadIndex(ctx); err != nil {
		return false, err
	}
	_, ok := r.byName[name]
	return ok, nil
}

// Get returns the bytes of a single file.
func (r *Reader) Get(ctx context.Context, name string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	entry, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound.New("%q in %s", name, r.file.Name())
	}
	if entry.External() {
		return r.getExternal(ctx, entry)
	}
	return r.readSpan(entry.DataOffset, int64(entry.DataLength))
}

// GetMeta returns the decoded JSON metadata of a single file.
func (r *Reader) GetMeta(ctx context.Context, name string) (_ Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	entry, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound.New("%q in %s", name, r.file.Name())
	}
	return decodeMeta(r.readSpan(entry.MetaOffset, int64(entry.MetaLength)))
}

// GetMany fetches several files, merging adjacent reads whose gap is at
// most maxGap bytes. The result slice is aligned with names and never
// short-circuits on individual failures.
func (r *Reader) GetMany(ctx context.Context, names []string, maxGap int64) (_ []Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	lookup := func(name string) (Entry, bool) {
		e, ok := r.byName[name]
		return e, ok
	}
	return batchRead(names, lookup, maxGap, r.readSpan, func(e Entry) ([]byte, error) {
		return r.getExternal(ctx, e)
	}), nil
}

func (r *Reader) readSpan(offset uint64, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf, nil
}

func (r *Reader) getExternal(ctx context.Context, entry Entry) ([]byte, error) {
	if r.opts.External == nil {
		return nil, Error.New("no external store configured for %q", entry.Name)
	}
	meta, err := decodeMeta(r.readSpan(entry.MetaOffset, int64(entry.MetaLength)))
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

func decodeMeta(raw []byte, err error) (Meta, error) {
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return Meta{}, nil
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, ErrCorrupt.New("meta blob is not valid JSON: %v", err)
	}
	return meta, nil
}
