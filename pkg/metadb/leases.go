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

// Lease is the right, held by one worker, to produce containers for a
// shard. A lease is expired once heartbeat_at + ttl has passed.
type Lease struct {
	ShardID     uint32
	OwnerID     string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	TTL         time.Duration
	Generation  uint64
}

// Expired reports whether the lease has run out at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.HeartbeatAt.Add(l.TTL))
}

// TryAcquire takes the lease for a shard iff nobody holds it or the
// current holder has expired. On success the stored generation is bumped
// and the new lease returned; otherwise (nil, nil).
//
// The statement is a single upsert so concurrent acquirers race on one row
// write; the database's row-level locking makes exactly one of them win.
func (db *DB) TryAcquire(ctx context.Context, shardID uint32, owner string, ttl time.Duration) (_ *Lease, err error) {
	defer mon.Task()(&ctx)(&err)

	now := db.now()
	ttlSeconds := int64(ttl / time.Second)

	var generation uint64
	err = db.db.QueryRowContext(ctx, db.rebind(`
		INSERT INTO shard_leases (shard_id, owner_id, acquired_at, heartbeat_at, ttl_seconds, generation)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (shard_id) DO UPDATE SET
			owner_id     = excluded.owner_id,
			acquired_at  = excluded.acquired_at,
			heartbeat_at = excluded.heartbeat_at,
			ttl_seconds  = excluded.ttl_seconds,
			generation   = shard_leases.generation + 1
		WHERE shard_leases.owner_id = ''
		   OR shard_leases.heartbeat_at + shard_leases.ttl_seconds * 1000 < excluded.heartbeat_at
		RETURNING generation
	`), int64(shardID), owner, millis(now), millis(now), ttlSeconds).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Lease{
		ShardID:     shardID,
		OwnerID:     owner,
		AcquiredAt:  now,
		HeartbeatAt: now,
		TTL:         time.Duration(ttlSeconds) * time.Second,
		Generation:  generation,
	}, nil
}

// Renew updates the heartbeat iff (shard, owner, generation) still holds
// the lease. It reports false, without error, when the lease was lost.
func (db *DB) Renew(ctx context.Context, shardID uint32, owner string, generation uint64) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE shard_leases SET heartbeat_at = ?
		WHERE shard_id = ? AND owner_id = ? AND generation = ?
	`), millis(db.now()), int64(shardID), owner, int64(generation))
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

// Release clears the lease iff (shard, owner, generation) still holds it.
// The row stays behind with an empty owner so the generation keeps
// monotonically increasing across re-acquisitions.
func (db *DB) Release(ctx context.Context, shardID uint32, owner string, generation uint64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(`
		UPDATE shard_leases SET owner_id = '', heartbeat_at = 0
		WHERE shard_id = ? AND owner_id = ? AND generation = ?
	`), int64(shardID), owner, int64(generation))
	return Error.Wrap(err)
}

// ListExpiredLeases returns leases whose heartbeat has run out at now.
func (db *DB) ListExpiredLeases(ctx context.Context, now time.Time) (_ []Lease, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT shard_id, owner_id, acquired_at, heartbeat_at, ttl_seconds, generation
		FROM shard_leases
		WHERE owner_id <> '' AND heartbeat_at + ttl_seconds * 1000 < ?
		ORDER BY shard_id
	`), millis(now))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var leases []Lease
	for rows.Next() {
		var shardID, acquired, heartbeat, ttlSeconds, generation int64
		var owner string
		if err := rows.Scan(&shardID, &owner, &acquired, &heartbeat, &ttlSeconds, &generation); err != nil {
			return nil, Error.Wrap(err)
		}
		leases = append(leases, Lease{
			ShardID:     uint32(shardID),
			OwnerID:     owner,
			AcquiredAt:  time.UnixMilli(acquired),
			HeartbeatAt: time.UnixMilli(heartbeat),
			TTL:         time.Duration(ttlSeconds) * time.Second,
			Generation:  uint64(generation),
		})
	}
	return leases, Error.Wrap(rows.Err())
}

// ReleaseExpired clears every lease that has expired at now and returns
// how many were cleared.
func (db *DB) ReleaseExpired(ctx context.Context, now time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE shard_leases SET owner_id = '', heartbeat_at = 0
		WHERE owner_id <> '' AND heartbeat_at + ttl_seconds * 1000 < ?
	`), millis(now))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	return affected, Error.Wrap(err)
}

// ActiveOwners returns the set of owners holding at least one unexpired
// lease at now.
func (db *DB) ActiveOwners(ctx context.Context, now time.Time) (_ map[string]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT DISTINCT owner_id FROM shard_leases
		WHERE owner_id <> '' AND heartbeat_at + ttl_seconds * 1000 >= ?
	`), millis(now))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	owners := map[string]bool{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, Error.Wrap(err)
		}
		owners[owner] = true
	}
	return owners, Error.Wrap(rows.Err())
}
