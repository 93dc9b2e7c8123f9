// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package des

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// ExternalStore stores container payloads that were diverted out of the
// DATA region because they crossed the big-file threshold.
type ExternalStore interface {
	// Put uploads the body of an oversized file and returns the sidecar
	// key it was stored under.
	Put(ctx context.Context, containerID, name string, data []byte) (key string, err error)
	// Get fetches a previously diverted body by its sidecar key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// IndexCache caches parsed container indexes keyed by container identity.
// The cache is advisory: a miss never fails a read, it only costs one more
// range request.
type IndexCache interface {
	Get(ctx context.Context, key string) (entries []Entry, ok bool)
	Put(ctx context.Context, key string, entries []Entry)
}

// ObjectStore is the narrow object-store capability the range reader needs.
type ObjectStore interface {
	// Stat returns the object size and a version identifier (etag or
	// version id). A changed version invalidates cached indexes.
	Stat(ctx context.Context, bucket, key string) (size int64, version string, err error)
	// Get fetches a whole object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// GetRange fetches length bytes starting at offset.
	GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error)
}

// Meta is the per-file JSON metadata blob. It is serialized canonically:
// encoding/json sorts map keys and emits no extraneous whitespace.
type Meta map[string]interface{}

// Stats summarizes a finalized container.
type Stats struct {
	FileCount   uint64
	ByteSize    uint64
	DataLength  uint64
	MetaLength  uint64
	IndexLength uint64
}
