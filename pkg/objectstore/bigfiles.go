// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/datavision-labs/easystore/pkg/des"
)

// BigFilePrefix is the sidecar area for payloads diverted out of
// containers.
const BigFilePrefix = "_bigFiles"

// BigFiles stores oversized payloads next to the container archive, under
// <prefix>/_bigFiles/<container_id>/<percent-encoded-name>. It implements
// des.ExternalStore.
type BigFiles struct {
	store  Client
	bucket string
	prefix string
}

var _ des.ExternalStore = (*BigFiles)(nil)

// NewBigFiles constructs the sidecar store. prefix may be empty.
func NewBigFiles(store Client, bucket, prefix string) *BigFiles {
	return &BigFiles{
		store:  store,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Put uploads a diverted payload and returns its sidecar key. The original
// name and size ride along as object metadata.
func (b *BigFiles) Put(ctx context.Context, containerID, name string, data []byte) (string, error) {
	key := b.Key(containerID, name)
	err := b.store.Put(ctx, b.bucket, key, data, map[string]string{
		"original-name": name,
		"size":          fmt.Sprint(len(data)),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Get fetches a diverted payload by its sidecar key.
func (b *BigFiles) Get(ctx context.Context, key string) ([]byte, error) {
	return b.store.Get(ctx, b.bucket, key)
}

// Key returns the sidecar key for a container and file name.
func (b *BigFiles) Key(containerID, name string) string {
	key := fmt.Sprintf("%s/%s/%s", BigFilePrefix, containerID, url.PathEscape(name))
	if b.prefix != "" {
		key = b.prefix + "/" + key
	}
	return key
}
