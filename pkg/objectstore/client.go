// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package objectstore wraps an S3-compatible object store behind the
// narrow capabilities the rest of the system needs: stat, ranged and whole
// reads, uploads, and deletes.
package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/datavision-labs/easystore/pkg/des"
)

var (
	mon = monkit.Package()

	// Error is the objectstore error class.
	Error = errs.Class("objectstore")
)

// Config holds the connection settings for an S3-compatible endpoint
// (AWS S3, HCP, Ceph RGW, MinIO).
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Client is the object-store capability set used by readers, the packer,
// and crash recovery.
type Client interface {
	Stat(ctx context.Context, bucket, key string) (size int64, version string, err error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, metadata map[string]string) error
	PutFile(ctx context.Context, bucket, key, path string) error
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Minio implements Client over minio-go.
type Minio struct {
	client *minio.Client
}

var _ Client = (*Minio)(nil)
var _ des.ObjectStore = (*Minio)(nil)

// NewMinio dials an S3-compatible endpoint.
func NewMinio(config Config) (*Minio, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Minio{client: client}, nil
}

// Stat returns the object size and its etag.
func (m *Minio) Stat(ctx context.Context, bucket, key string) (_ int64, _ string, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, "", Error.Wrap(err)
	}
	return info.Size, info.ETag, nil
}

// Get fetches a whole object.
func (m *Minio) Get(ctx context.Context, bucket, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	return data, Error.Wrap(err)
}

// GetRange fetches length bytes starting at offset with one HTTP range
// request.
func (m *Minio) GetRange(ctx context.Context, bucket, key string, offset, length int64) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, Error.Wrap(err)
	}
	obj, err := m.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = obj.Close() }()

	data := make([]byte, 0, length)
	buf := bytes.NewBuffer(data)
	if _, err := io.CopyN(buf, obj, length); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Put uploads data under bucket/key.
func (m *Minio) Put(ctx context.Context, bucket, key string, data []byte, metadata map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		UserMetadata: metadata,
	})
	return Error.Wrap(err)
}

// PutFile uploads a local file under bucket/key.
func (m *Minio) PutFile(ctx context.Context, bucket, key, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = m.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{})
	return Error.Wrap(err)
}

// Delete removes an object. Deleting a missing object is not an error.
func (m *Minio) Delete(ctx context.Context, bucket, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

// Exists reports whether bucket/key is present.
func (m *Minio) Exists(ctx context.Context, bucket, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return false, nil
	}
	return false, Error.Wrap(err)
}
