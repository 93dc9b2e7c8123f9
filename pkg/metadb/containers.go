// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package metadb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"
)

// ErrContainerNotFound is returned when a container id is absent.
var ErrContainerNotFound = errs.Class("container not found")

// State is the container record life-cycle state. Only committed
// containers are visible to readers.
type State string

// Container states.
const (
	StateOpen      State = "open"
	StateUploading State = "uploading"
	StateCommitted State = "committed"
	StateAbandoned State = "abandoned"
)

// Container is the metadata record of one archive object.
type Container struct {
	ID          string
	ShardID     uint32
	Day         string // YYYY-MM-DD
	Bucket      string
	Key         string
	State       State
	FileCount   uint64
	ByteSize    uint64
	CreatedAt   time.Time
	CommittedAt *time.Time
	OwnerID     string
	Generation  uint64
}

// CreateContainer inserts a record in state open.
func (db *DB) CreateContainer(ctx context.Context, c Container) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO containers
			(container_id, shard_id, day, bucket, object_key, state,
			 file_count, byte_size, created_at, owner_id, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.ID, int64(c.ShardID), c.Day, c.Bucket, c.Key, string(StateOpen),
		int64(c.FileCount), int64(c.ByteSize), millis(db.now()), c.OwnerID, int64(c.Generation))
	return Error.Wrap(err)
}

// UpdateProgress checkpoints the running file count and byte size so a
// restart can tell how far the writer got.
func (db *DB) UpdateProgress(ctx context.Context, id string, fileCount, byteSize uint64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(`
		UPDATE containers SET file_count = ?, byte_size = ?
		WHERE container_id = ?
	`), int64(fileCount), int64(byteSize), id)
	return Error.Wrap(err)
}

// MarkUploading transitions open -> uploading before the archive upload
// starts.
func (db *DB) MarkUploading(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.transition(ctx, id, StateUploading, []State{StateOpen}, false)
}

// MarkUploaded transitions the record to committed once the archive upload
// is acknowledged. Only committed rows are visible to readers.
func (db *DB) MarkUploaded(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.transition(ctx, id, StateCommitted, []State{StateOpen, StateUploading}, true)
}

// Abandon transitions any non-committed record to abandoned.
func (db *DB) Abandon(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.transition(ctx, id, StateAbandoned, []State{StateOpen, StateUploading, StateAbandoned}, false)
}

func (db *DB) transition(ctx context.Context, id string, to State, from []State, stampCommitted bool) error {
	args := []interface{}{string(to)}
	committed := "committed_at"
	if stampCommitted {
		committed = "?"
		args = append(args, millis(db.now()))
	}
	query := `UPDATE containers SET state = ?, committed_at = ` + committed + ` WHERE container_id = ? AND state IN (`
	args = append(args, id)
	for i, s := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(s))
	}
	query += ")"

	res, err := db.db.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return Error.New("container %s not in %v", id, from)
	}
	return nil
}

// GetContainer fetches one record by id.
func (db *DB) GetContainer(ctx context.Context, id string) (_ Container, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, db.rebind(`
		SELECT container_id, shard_id, day, bucket, object_key, state,
		       file_count, byte_size, created_at, committed_at, owner_id, generation
		FROM containers WHERE container_id = ?
	`), id)
	c, err := scanContainer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Container{}, ErrContainerNotFound.New("%s", id)
	}
	return c, Error.Wrap(err)
}

// ListStaleContainers returns non-committed records created before cutoff.
func (db *DB) ListStaleContainers(ctx context.Context, cutoff time.Time) (_ []Container, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT container_id, shard_id, day, bucket, object_key, state,
		       file_count, byte_size, created_at, committed_at, owner_id, generation
		FROM containers
		WHERE state IN (?, ?) AND created_at < ?
		ORDER BY created_at
	`), string(StateOpen), string(StateUploading), millis(cutoff))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var containers []Container
	for rows.Next() {
		c, err := scanContainer(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		containers = append(containers, c)
	}
	return containers, Error.Wrap(rows.Err())
}

// CommittedContainersByOwner returns the ids of committed containers
// recorded by the given owner.
func (db *DB) CommittedContainersByOwner(ctx context.Context, owner string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT container_id FROM containers WHERE owner_id = ? AND state = ?
	`), owner, string(StateCommitted))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, Error.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, Error.Wrap(rows.Err())
}

func scanContainer(scan func(dest ...interface{}) error) (Container, error) {
	var c Container
	var shardID, fileCount, byteSize, createdAt, generation int64
	var committedAt sql.NullInt64
	var state string
	err := scan(&c.ID, &shardID, &c.Day, &c.Bucket, &c.Key, &state,
		&fileCount, &byteSize, &createdAt, &committedAt, &c.OwnerID, &generation)
	if err != nil {
		return Container{}, err
	}
	c.ShardID = uint32(shardID)
	c.State = State(state)
	c.FileCount = uint64(fileCount)
	c.ByteSize = uint64(byteSize)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.Generation = uint64(generation)
	if committedAt.Valid {
		at := time.UnixMilli(committedAt.Int64)
		c.CommittedAt = &at
	}
	return c, nil
}
