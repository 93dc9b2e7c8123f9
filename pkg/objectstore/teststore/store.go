// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package teststore implements an in-memory objectstore.Client for tests.
package teststore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"github.com/datavision-labs/easystore/pkg/objectstore"
)

// ErrNotFound is returned for missing objects.
var ErrNotFound = errs.Class("object not found")

// Store is an in-memory object store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	etagSeq int
	etags   map[string]string

	// RangeRequests counts GetRange calls, for asserting on request
	// economics.
	RangeRequests int

	// FailPut, when set, makes uploads fail. Used to exercise retry and
	// abort paths.
	FailPut bool
}

var _ objectstore.Client = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		objects: map[string][]byte{},
		etags:   map[string]string{},
	}
}

func (s *Store) path(bucket, key string) string { return bucket + "\x00" + key }

// Stat implements objectstore.Client.
func (s *Store) Stat(ctx context.Context, bucket, key string) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[s.path(bucket, key)]
	if !ok {
		return 0, "", ErrNotFound.New("%s/%s", bucket, key)
	}
	return int64(len(data)), s.etags[s.path(bucket, key)], nil
}

// Get implements objectstore.Client.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[s.path(bucket, key)]
	if !ok {
		return nil, ErrNotFound.New("%s/%s", bucket, key)
	}
	return append([]byte(nil), data...), nil
}

// GetRange implements objectstore.Client.
func (s *Store) GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.RangeRequests++
	data, ok := s.objects[s.path(bucket, key)]
	if !ok {
		return nil, ErrNotFound.New("%s/%s", bucket, key)
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, errs.New("range %d+%d out of bounds for %d bytes", offset, length, len(data))
	}
	return append([]byte(nil), data[offset:offset+length]...), nil
}

// Put implements objectstore.Client.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPut {
		return errs.New("put disabled")
	}
	s.store(bucket, key, append([]byte(nil), data...))
	return nil
}

// PutFile implements objectstore.Client.
func (s *Store) PutFile(ctx context.Context, bucket, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPut {
		return errs.New("put disabled")
	}
	s.store(bucket, key, data)
	return nil
}

func (s *Store) store(bucket, key string, data []byte) {
	s.etagSeq++
	s.objects[s.path(bucket, key)] = data
	s.etags[s.path(bucket, key)] = fmt.Sprintf("etag-%d", s.etagSeq)
}

// Delete implements objectstore.Client.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, s.path(bucket, key))
	delete(s.etags, s.path(bucket, key))
	return nil
}

// Exists implements objectstore.Client.
func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.objects[s.path(bucket, key)]
	return ok, nil
}

// Keys lists the keys in a bucket, sorted, optionally under a prefix.
func (s *Store) Keys(bucket, prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for path := range s.objects {
		parts := strings.SplitN(path, "\x00", 2)
		if parts[0] == bucket && strings.HasPrefix(parts[1], prefix) {
			keys = append(keys, parts[1])
		}
	}
	sort.Strings(keys)
	return keys
}

// Corrupt truncates an object to simulate a partial upload.
func (s *Store) Corrupt(bucket, key string, keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(bucket, key)
	if data, ok := s.objects[path]; ok && keep < len(data) {
		s.objects[path] = data[:keep]
	}
}
