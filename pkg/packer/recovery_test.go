// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package packer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datavision-labs/easystore/internal/testcontext"
	"github.com/datavision-labs/easystore/pkg/des"
	"github.com/datavision-labs/easystore/pkg/metadb"
	"github.com/datavision-labs/easystore/pkg/packer"
)

// seedContainerObject writes a small valid container and uploads it.
func seedContainerObject(ctx *testcontext.Context, t *testing.T, f *fixture, key string, files int) des.Stats {
	t.Helper()
	path := ctx.File("seed-" + packer.ShardHex(uint32(files), 32) + ".des")
	stats, err := des.WithWriter(ctx, path, des.WriterOptions{}, func(w *des.Writer) error {
		for i := 0; i < files; i++ {
			if err := w.Add(ctx, packer.ShardHex(uint32(i), 16), []byte("content"), nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.PutFile(ctx, archiveBucket, key, path))
	return stats
}

func newTestRecovery(t *testing.T, f *fixture, staleAge time.Duration) *packer.Recovery {
	t.Helper()
	return packer.NewRecovery(zaptest.NewLogger(t), f.meta, f.provider, f.store, packer.RecoveryConfig{
		StaleAge: staleAge,
		Interval: time.Hour,
	})
}

func TestRecoveryReleasesExpiredLeases(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(ctx, t)

	now := time.Now()
	f.meta.TestingSetNow(func() time.Time { return now })

	_, err := f.meta.TryAcquire(ctx, 1, "dead-worker", 5*time.Second)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	recovery := newTestRecovery(t, f, 15*time.Minute)
	recovery.TestingSetNow(func() time.Time { return now })

	stats, err := recovery.SweepOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.LeasesReleased)

	// the shard is acquirable again with a bumped generation
	lease, err := f.meta.TryAcquire(ctx, 1, "successor", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.EqualValues(t, 2, lease.Generation)
}

func TestRecoverySalvagesValidContainer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(ctx, t)

	now := time.Now()
	f.meta.TestingSetNow(func() time.Time { return now })

	// the packer crashed after upload but before mark_uploaded
	key := "2025-08-06/0/SALVAGE.des"
	stats := seedContainerObject(ctx, t, f, key, 4)
	require.NoError(t, f.meta.CreateContainer(ctx, metadb.Container{
		ID: "SALVAGE", ShardID: 0, Day: "2025-08-06",
		Bucket: archiveBucket, Key: key,
		OwnerID: "crashed", Generation: 1,
	}))

	now = now.Add(time.Hour)
	recovery := newTestRecovery(t, f, 15*time.Minute)
	recovery.TestingSetNow(func() time.Time { return now })

	sweep, err := recovery.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.ContainersSalvaged)
	require.Equal(t, 0, sweep.ContainersAbandoned)

	record, err := f.meta.GetContainer(ctx, "SALVAGE")
	require.NoError(t, err)
	require.Equal(t, metadb.StateCommitted, record.State)
	require.Equal(t, stats.FileCount, record.FileCount)
	require.Equal(t, stats.ByteSize, record.ByteSize)
}

func TestRecoveryAbandonsPartialContainer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(ctx, t)

	now := time.Now()
	f.meta.TestingSetNow(func() time.Time { return now })

	// truncated upload: footer validation must fail
	key := "2025-08-06/0/PARTIAL.des"
	seedContainerObject(ctx, t, f, key, 4)
	f.store.Corrupt(archiveBucket, key, 100)
	require.NoError(t, f.meta.CreateContainer(ctx, metadb.Container{
		ID: "PARTIAL", ShardID: 0, Day: "2025-08-06",
		Bucket: archiveBucket, Key: key,
		OwnerID: "crashed", Generation: 1,
	}))

	// crashed before any upload at all
	require.NoError(t, f.meta.CreateContainer(ctx, metadb.Container{
		ID: "MISSING", ShardID: 1, Day: "2025-08-06",
		Bucket: archiveBucket, Key: "2025-08-06/1/MISSING.des",
		OwnerID: "crashed", Generation: 1,
	}))

	now = now.Add(time.Hour)
	recovery := newTestRecovery(t, f, 15*time.Minute)
	recovery.TestingSetNow(func() time.Time { return now })

	sweep, err := recovery.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sweep.ContainersSalvaged)
	require.Equal(t, 2, sweep.ContainersAbandoned)

	for _, id := range []string{"PARTIAL", "MISSING"} {
		record, err := f.meta.GetContainer(ctx, id)
		require.NoError(t, err)
		require.Equal(t, metadb.StateAbandoned, record.State)
	}

	// the partial object is gone from the archive
	exists, err := f.store.Exists(ctx, archiveBucket, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRecoveryResetsOrphanClaims(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(ctx, t)

	deadID := f.addPending(ctx, "orphan/a.bin", "", []byte("x"))
	liveID := f.addPending(ctx, "orphan/b.bin", "", []byte("y"))

	now := time.Now()
	_, err := f.sourceDB.Exec(
		`UPDATE source_files SET state='claimed', claimed_by='dead-worker', claimed_at=? WHERE file_id=?`,
		now.UnixMilli(), deadID)
	require.NoError(t, err)
	_, err = f.sourceDB.Exec(
		`UPDATE source_files SET state='claimed', claimed_by='live-worker', claimed_at=? WHERE file_id=?`,
		now.UnixMilli(), liveID)
	require.NoError(t, err)

	// only live-worker holds a lease
	_, err = f.meta.TryAcquire(ctx, 9, "live-worker", time.Hour)
	require.NoError(t, err)

	recovery := newTestRecovery(t, f, 15*time.Minute)
	sweep, err := recovery.SweepOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, sweep.ClaimsReset)

	require.Equal(t, 1, f.countByState("pending"))
	require.Equal(t, 1, f.countByState("claimed"))
}

func TestCrashMidUploadReconciles(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(ctx, t)

	now := time.Now()
	f.meta.TestingSetNow(func() time.Time { return now })

	// the packer died between finalize and mark_uploaded; the claim is
	// still stamped with the container its bytes went into
	rowID := f.addPending(ctx, "crash/file.bin", "", []byte("x"))
	_, err := f.sourceDB.Exec(
		`UPDATE source_files SET state='claimed', claimed_by='crashed', claimed_at=?, container_id='MIDUPLOAD' WHERE file_id=?`,
		now.UnixMilli(), rowID)
	require.NoError(t, err)

	key := "2025-08-06/0/MIDUPLOAD.des"
	seedContainerObject(ctx, t, f, key, 1)
	require.NoError(t, f.meta.CreateContainer(ctx, metadb.Container{
		ID: "MIDUPLOAD", ShardID: 0, Day: "2025-08-06",
		Bucket: archiveBucket, Key: key,
		OwnerID: "crashed", Generation: 1,
	}))

	now = now.Add(time.Hour)
	recovery := newTestRecovery(t, f, 15*time.Minute)
	recovery.TestingSetNow(func() time.Time { return now })

	sweep, err := recovery.SweepOnce(ctx)
	require.NoError(t, err)

	// the orphan object passed validation, so the record commits; the
	// claim completes as packed instead of going back to pending — a
	// reset would re-pack the file into a second container
	require.Equal(t, 1, sweep.ContainersSalvaged)
	require.EqualValues(t, 0, sweep.ClaimsReset)
	require.EqualValues(t, 1, sweep.ClaimsCompleted)

	record, err := f.meta.GetContainer(ctx, "MIDUPLOAD")
	require.NoError(t, err)
	require.Equal(t, metadb.StateCommitted, record.State)

	var state string
	require.NoError(t, f.sourceDB.QueryRow(
		`SELECT state FROM source_files WHERE file_id = ?`, rowID).Scan(&state))
	require.Equal(t, "packed", state)

	// a fresh packer finds nothing to claim: the file is not duplicated
	provider := f.provider
	files, err := provider.Claim(ctx, []uint32{0, 1, 2, 3}, 10)
	require.NoError(t, err)
	require.Empty(t, files)

	reader, err := des.OpenRange(context.Background(), f.store, archiveBucket, key, des.RangeReaderOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, reader.Footer().FileCount)
}
