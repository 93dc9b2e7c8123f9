// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package des

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/zeebo/errs"
)

// DefaultBigFileThreshold is the payload size at which the writer diverts a
// file to the external sidecar store, when one is configured.
const DefaultBigFileThreshold = 100 << 20

// WriterOptions configures a container writer.
type WriterOptions struct {
	// ContainerID names the container in sidecar keys for diverted files.
	// Required when External is set.
	ContainerID string

	// BigFileThreshold is the size at which payloads are diverted to the
	// external store. Zero means DefaultBigFileThreshold.
	BigFileThreshold int64

	// External receives payloads at or above the threshold. When nil,
	// every payload lands in the DATA region regardless of size.
	External ExternalStore
}

// Writer builds a DES container append-only. Writers are single-owner;
// concurrent Add on the same handle is undefined.
type Writer struct {
	file    *os.File
	path    string
	opts    WriterOptions
	offset  uint64
	names   map[string]struct{}
	entries []Entry
	metaBuf bytes.Buffer
	closed  bool
}

// Create opens a new container file at path and writes the HEADER. The path
// must not exist yet.
func Create(path string, opts WriterOptions) (*Writer, error) {
	if opts.BigFileThreshold <= 0 {
		opts.BigFileThreshold = DefaultBigFileThreshold
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if _, err := file.Write(EncodeHeader()); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, Error.Wrap(err)
	}

	return &Writer{
		file:   file,
		path:   path,
		opts:   opts,
		offset: HeaderSize,
		names:  map[string]struct{}{},
	}, nil
}

// Path returns the location of the container file being written.
func (w *Writer) Path() string { return w.path }

// Add appends a file to the container. The name must be valid and unique
// within the container. Insertion order is preserved in both DATA and INDEX.
//
// Payloads at or above the big-file threshold are uploaded to the external
// store instead, leaving a stub entry whose meta records the sidecar key.
func (w *Writer) Add(ctx context.Context, name string, data []byte, meta Meta) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.closed {
		return Error.New("writer is closed")
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, ok := w.names[name]; ok {
		return ErrNameConflict.New("%q already added", name)
	}

	entry := Entry{Name: name}
	metaOut := make(Meta, len(meta)+3)
	for k, v := range meta {
		metaOut[k] = v
	}
	metaOut["size"] = int64(len(data))

	if int64(len(data)) >= w.opts.BigFileThreshold && w.opts.External != nil {
		key, err := w.opts.External.Put(ctx, w.opts.ContainerID, name, data)
		if err != nil {
			return Error.Wrap(err)
		}
		entry.Flags |= FlagExternal
		metaOut["external"] = true
		metaOut["external_key"] = key
	} else {
		if _, err := w.file.Write(data); err != nil {
			return Error.Wrap(err)
		}
		entry.DataOffset = w.offset
		entry.DataLength = uint64(len(data))
		w.offset += uint64(len(data))
	}

	metaBytes, err := json.Marshal(metaOut)
	if err != nil {
		return Error.Wrap(err)
	}
	// meta offsets are buffer-relative until Finalize rebases them
	entry.MetaOffset = uint64(w.metaBuf.Len())
	entry.MetaLength = uint32(len(metaBytes))
	w.metaBuf.Write(metaBytes)

	w.names[name] = struct{}{}
	w.entries = append(w.entries, entry)
	return nil
}

// Count returns the number of files added so far.
func (w *Writer) Count() int { return len(w.entries) }

// BytesWritten returns the size of the container written so far, without
// the not-yet-flushed META, INDEX and FOOTER regions.
func (w *Writer) BytesWritten() uint64 { return w.offset }

// Finalize writes the META, INDEX and FOOTER regions, flushes, and closes
// the file. The writer is unusable afterwards.
func (w *Writer) Finalize(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	if w.closed {
		return Stats{}, Error.New("writer is closed")
	}
	w.closed = true

	fail := func(err error) (Stats, error) {
		_ = w.file.Close()
		_ = os.Remove(w.path)
		return Stats{}, Error.Wrap(err)
	}

	footer := Footer{
		DataStart:  HeaderSize,
		DataLength: w.offset - HeaderSize,
		MetaStart:  w.offset,
		Version:    Version,
		FileCount:  uint64(len(w.entries)),
	}

	// META: length-prefixed blobs; rebase entry offsets to absolute, past
	// each blob's length prefix.
	metaRegion := make([]byte, 0, w.metaBuf.Len()+4*len(w.entries))
	metaRaw := w.metaBuf.Bytes()
	var lenbuf [4]byte
	for i := range w.entries {
		e := &w.entries[i]
		blob := metaRaw[e.MetaOffset : e.MetaOffset+uint64(e.MetaLength)]
		binary.LittleEndian.PutUint32(lenbuf[:], e.MetaLength)
		e.MetaOffset = footer.MetaStart + uint64(len(metaRegion)) + 4
		metaRegion = append(metaRegion, lenbuf[:]...)
		metaRegion = append(metaRegion, blob...)
	}
	if _, err := w.file.Write(metaRegion); err != nil {
		return fail(err)
	}
	footer.MetaLength = uint64(len(metaRegion))
	footer.IndexStart = footer.MetaStart + footer.MetaLength

	var indexRegion []byte
	for _, e := range w.entries {
		indexRegion = AppendEntry(indexRegion, e)
	}
	if _, err := w.file.Write(indexRegion); err != nil {
		return fail(err)
	}
	footer.IndexLength = uint64(len(indexRegion))

	if _, err := w.file.Write(footer.Encode()); err != nil {
		return fail(err)
	}
	if err := w.file.Sync(); err != nil {
		return fail(err)
	}
	if err := w.file.Close(); err != nil {
		return Stats{}, Error.Wrap(err)
	}

	return Stats{
		FileCount:   footer.FileCount,
		ByteSize:    footer.ContainerSize(),
		DataLength:  footer.DataLength,
		MetaLength:  footer.MetaLength,
		IndexLength: footer.IndexLength,
	}, nil
}

// Abort discards the in-progress container. Safe to call after Finalize, in
// which case it does nothing.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.file.Close()
	if removeErr := os.Remove(w.path); removeErr != nil && err == nil {
		err = removeErr
	}
	return Error.Wrap(err)
}

// WithWriter runs fn with a fresh writer and guarantees Finalize on success
// or Abort on every error path.
func WithWriter(ctx context.Context, path string, opts WriterOptions, fn func(*Writer) error) (Stats, error) {
	w, err := Create(path, opts)
	if err != nil {
		return Stats{}, err
	}
	if err := fn(w); err != nil {
		return Stats{}, errs.Combine(err, w.Abort())
	}
	return w.Finalize(ctx)
}
