// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package descache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/datavision-labs/easystore/pkg/des"
)

// Error is the descache error class.
var Error = errs.Class("descache")

// RedisOptions controls the Redis-backed cache.
type RedisOptions struct {
	// Address is the host:port of the Redis server.
	Address string

	// Password authenticates against the server, when set.
	Password string

	// DB selects the Redis logical database.
	DB int

	// TTL expires stored indexes server-side. Zero means no expiration.
	TTL time.Duration

	// Compress gzips the serialized index before storing it.
	Compress bool
}

// Redis caches parsed indexes in a Redis server, shared across processes.
// Entries are stored as JSON, optionally gzipped.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	log    *zap.Logger
}

var _ des.IndexCache = (*Redis)(nil)

// NewRedis connects to a Redis server and verifies it responds.
func NewRedis(ctx context.Context, log *zap.Logger, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Error.Wrap(err)
	}
	return &Redis{client: client, opts: opts, log: log}, nil
}

// Close releases the client connection.
func (c *Redis) Close() error { return Error.Wrap(c.client.Close()) }

// Get returns the cached index for key, if present and decodable. Decode
// failures are treated as misses.
func (c *Redis) Get(ctx context.Context, key string) ([]des.Entry, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("index cache get failed", zap.String("key", key), zap.Error(err))
		}
		mon.Counter("index_cache_miss").Inc(1)
		return nil, false
	}
	entries, err := decodeEntries(raw, c.opts.Compress)
	if err != nil {
		c.log.Warn("index cache entry undecodable", zap.String("key", key), zap.Error(err))
		mon.Counter("index_cache_miss").Inc(1)
		return nil, false
	}
	mon.Counter("index_cache_hit").Inc(1)
	return entries, true
}

// Put stores the index for key. Failures are logged and dropped.
func (c *Redis) Put(ctx context.Context, key string, entries []des.Entry) {
	payload, err := encodeEntries(entries, c.opts.Compress)
	if err != nil {
		c.log.Warn("index cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, payload, c.opts.TTL).Err(); err != nil {
		c.log.Warn("index cache put failed", zap.String("key", key), zap.Error(err))
	}
}

// entryJSON pins the wire names of cached index entries, shared with other
// DES implementations reading the same cache.
type entryJSON struct {
	Name       string `json:"name"`
	DataOffset uint64 `json:"data_offset"`
	DataLength uint64 `json:"data_length"`
	MetaOffset uint64 `json:"meta_offset"`
	MetaLength uint32 `json:"meta_length"`
	Flags      uint32 `json:"flags"`
}

func encodeEntries(entries []des.Entry, compress bool) ([]byte, error) {
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = entryJSON{
			Name:       e.Name,
			DataOffset: e.DataOffset,
			DataLength: e.DataLength,
			MetaOffset: e.MetaOffset,
			MetaLength: e.MetaLength,
			Flags:      e.Flags,
		}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !compress {
		return payload, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := gz.Close(); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

func decodeEntries(raw []byte, compressed bool) ([]des.Entry, error) {
	if compressed {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if err := gz.Close(); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	var in []entryJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, Error.Wrap(err)
	}
	entries := make([]des.Entry, len(in))
	for i, e := range in {
		entries[i] = des.Entry{
			Name:       e.Name,
			DataOffset: e.DataOffset,
			DataLength: e.DataLength,
			MetaOffset: e.MetaOffset,
			MetaLength: e.MetaLength,
			Flags:      e.Flags,
		}
	}
	return entries, nil
}
