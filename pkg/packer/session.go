// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package packer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datavision-labs/easystore/internal/sync2"
	"github.com/datavision-labs/easystore/pkg/des"
	"github.com/datavision-labs/easystore/pkg/metadb"
	"github.com/datavision-labs/easystore/pkg/source"
)

// session is the state of one leased shard: at most one open writer at a
// time, the claims that went into it, and checkpoint bookkeeping.
type session struct {
	packer  *Packer
	log     *zap.Logger
	shardID uint32
	lease   *metadb.Lease
	batch   *batchControl

	writer      *des.Writer
	containerID string
	archiveKey  string
	day         string
	claims      []source.PendingFile

	// lost flips when a heartbeat renewal fails; in-flight work must
	// stop instead of draining.
	lost atomic.Bool

	filesSinceCheckpoint int
	bytesSinceCheckpoint int64
}

// runSession holds a leased shard: a heartbeat renews the lease at a third
// of its TTL while the pack loop claims, fetches, and appends files. A
// failed renewal cancels the loop with ErrLeaseLost; a plain shutdown
// finalizes or aborts by the min-commit policy.
func (p *Packer) runSession(ctx context.Context, log *zap.Logger, lease *metadb.Lease) error {
	sess := &session{
		packer:  p,
		log:     log,
		shardID: lease.ShardID,
		lease:   lease,
		batch:   newBatchControl(p.config.MaxBatchSize),
	}

	heartbeat := sync2.NewCycle(p.config.LeaseTTL / 3)
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return heartbeat.Run(gctx, func(ctx context.Context) error {
			ok, err := p.db.Renew(ctx, lease.ShardID, p.ownerID, lease.Generation)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				sess.lost.Store(true)
				return ErrLeaseLost.Wrap(err)
			}
			if !ok {
				sess.lost.Store(true)
				return ErrLeaseLost.New("shard %d generation %d", lease.ShardID, lease.Generation)
			}
			p.health.RecordRenew()
			p.health.RecordDBPing()
			return nil
		})
	})

	group.Go(func() error {
		defer heartbeat.Close()
		return sess.packLoop(gctx)
	})

	err := group.Wait()

	if ErrLeaseLost.Has(err) || (err != nil && ctx.Err() == nil) {
		// shard-scope failure: nothing of the open container may commit
		sess.discard(context.WithoutCancel(ctx))
		return err
	}

	// clean shutdown: keep progress when it is worth a container
	if sess.writer != nil {
		grace, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ShutdownGrace)
		defer cancel()
		if sess.writer.Count() >= p.config.MinCommitFiles {
			if rollErr := sess.rollover(grace); rollErr != nil {
				log.Error("finalize on shutdown failed", zap.Error(rollErr))
				sess.discard(grace)
			}
		} else {
			sess.discard(grace)
		}
	}
	return err
}

// packLoop is the PACKING state: claim a batch, fetch and append each
// file, checkpoint, and roll over when a trigger fires. Returns nil on
// shutdown.
func (sess *session) packLoop(ctx context.Context) error {
	p := sess.packer

	for {
		if ctx.Err() != nil {
			return nil
		}

		// day boundary rollover
		if sess.writer != nil && sess.today() != sess.day {
			if err := sess.rollover(ctx); err != nil {
				return err
			}
		}

		files, err := p.provider.Claim(ctx, []uint32{sess.shardID}, sess.batch.Size())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sess.batch.Failure()
			sess.log.Error("claim failed", zap.Error(err))
			sync2.Sleep(ctx, p.config.IdleWait)
			continue
		}
		if len(files) == 0 {
			sync2.Sleep(ctx, p.config.IdleWait)
			continue
		}

		// the batch is already claimed, so it drains even when shutdown
		// lands mid-batch; only a lost lease stops it short
		for _, file := range files {
			if sess.lost.Load() {
				return nil
			}
			if err := sess.packFile(context.WithoutCancel(ctx), file); err != nil {
				return err
			}
		}
	}
}

// packFile moves one claim through fetch and append. Per-file failures
// mark the claim failed and are swallowed; only shard-scope errors
// propagate.
func (sess *session) packFile(ctx context.Context, file source.PendingFile) (err error) {
	defer mon.Task()(&ctx)(&err)
	p := sess.packer

	var data []byte
	err = p.withRetry(ctx, "source fetch", func() error {
		var err error
		data, err = p.provider.Fetch(ctx, file)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			// shutdown mid-fetch; the claim reverts via recovery
			return nil
		}
		sess.batch.Failure()
		sess.markFailed(ctx, file, fmt.Sprintf("fetch: %v", err))
		return nil
	}

	if err := sess.ensureWriter(ctx); err != nil {
		return err
	}

	name := file.Name
	if name == "" {
		// the writer uses the name it is told; minting happens only
		// for rows that arrive without one
		name = p.gen.Next()
		file.Name = name
	}

	if err := sess.writer.Add(ctx, name, data, file.Meta); err != nil {
		if des.ErrInvalidName.Has(err) || des.ErrNameConflict.Has(err) {
			sess.markFailed(ctx, file, err.Error())
			return nil
		}
		return err
	}

	// link the claim to its container only once the bytes are in the
	// writer; recovery keys duplicate-pack protection off this stamp
	err = p.withRetry(ctx, "stamp container", func() error {
		return p.provider.StampContainer(ctx, file, sess.containerID)
	})
	if err != nil {
		return Error.Wrap(err)
	}

	sess.claims = append(sess.claims, file)
	sess.batch.Success()
	sess.filesSinceCheckpoint++
	sess.bytesSinceCheckpoint += int64(len(data))
	mon.Counter("files_packed").Inc(1)
	p.emit("file_packed", map[string]string{"source": file.Source}, float64(len(data)))

	if sess.filesSinceCheckpoint >= p.config.CheckpointFiles ||
		sess.bytesSinceCheckpoint >= p.config.CheckpointBytes {
		if err := sess.checkpoint(ctx); err != nil {
			return err
		}
	}

	if int64(sess.writer.BytesWritten()) >= p.config.MaxContainerBytes ||
		sess.writer.Count() >= p.config.MaxFilesPerContainer {
		return sess.rollover(ctx)
	}
	return nil
}

// markFailed records a per-file failure and moves on; the batch never
// short-circuits on one bad file.
func (sess *session) markFailed(ctx context.Context, file source.PendingFile, reason string) {
	if err := sess.packer.provider.MarkFailed(ctx, file, reason); err != nil {
		sess.log.Error("mark failed did not stick",
			zap.Int64("file", file.ID), zap.Error(err))
	}
}

func (sess *session) today() string {
	return sess.packer.now().UTC().Format("2006-01-02")
}

// ensureWriter opens the writer for (shard, today) and inserts the open
// container record.
func (sess *session) ensureWriter(ctx context.Context) error {
	if sess.writer != nil {
		return nil
	}
	p := sess.packer

	sess.day = sess.today()
	sess.containerID = p.gen.Next()
	sess.archiveKey = ArchiveKey(p.config.ArchivePrefix, sess.day, sess.shardID, p.config.ShardBits, sess.containerID)

	path := filepath.Join(p.config.Workdir,
		fmt.Sprintf("%s-%s-%s.des.tmp", ShardHex(sess.shardID, p.config.ShardBits), sess.day, sess.containerID))

	writer, err := des.Create(path, des.WriterOptions{
		ContainerID:      sess.containerID,
		BigFileThreshold: p.config.BigFileThreshold,
		External:         p.external,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	err = p.withRetry(ctx, "create container record", func() error {
		return p.db.CreateContainer(ctx, metadb.Container{
			ID:         sess.containerID,
			ShardID:    sess.shardID,
			Day:        sess.day,
			Bucket:     p.config.ArchiveBucket,
			Key:        sess.archiveKey,
			OwnerID:    p.ownerID,
			Generation: sess.lease.Generation,
		})
	})
	if err != nil {
		_ = writer.Abort()
		return Error.Wrap(err)
	}

	sess.writer = writer
	sess.claims = nil
	sess.filesSinceCheckpoint = 0
	sess.bytesSinceCheckpoint = 0
	sess.log.Info("container opened",
		zap.String("container", sess.containerID),
		zap.String("day", sess.day))
	return nil
}

// checkpoint records the running progress so a restart can tell how far
// the writer got.
func (sess *session) checkpoint(ctx context.Context) error {
	p := sess.packer
	err := p.db.UpdateProgress(ctx, sess.containerID,
		uint64(sess.writer.Count()), sess.writer.BytesWritten())
	if err != nil {
		return err
	}
	p.health.RecordDBPing()
	sess.filesSinceCheckpoint = 0
	sess.bytesSinceCheckpoint = 0
	return nil
}

// rollover finalizes the open container, uploads it, commits the record,
// and marks the claims packed; container first, then rows. Any failure
// here is shard-scope.
func (sess *session) rollover(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	p := sess.packer

	writer := sess.writer
	claims := sess.claims
	containerID := sess.containerID
	archiveKey := sess.archiveKey
	path := writer.Path()
	sess.writer = nil
	sess.claims = nil

	stats, err := writer.Finalize(ctx)
	if err != nil {
		_ = p.db.Abandon(ctx, containerID)
		return Error.Wrap(err)
	}

	if err := p.db.MarkUploading(ctx, containerID); err != nil {
		_ = os.Remove(path)
		_ = p.db.Abandon(ctx, containerID)
		return Error.Wrap(err)
	}

	err = p.withRetry(ctx, "archive upload", func() error {
		return p.objects.PutFile(ctx, p.config.ArchiveBucket, archiveKey, path)
	})
	if err != nil {
		_ = os.Remove(path)
		_ = p.db.Abandon(ctx, containerID)
		return Error.Wrap(err)
	}
	p.health.RecordObjectHead()

	if err := p.db.UpdateProgress(ctx, containerID, stats.FileCount, stats.ByteSize); err != nil {
		return Error.Wrap(err)
	}
	if err := p.db.MarkUploaded(ctx, containerID); err != nil {
		return Error.Wrap(err)
	}
	if err := p.provider.MarkPacked(ctx, claims, containerID); err != nil {
		return Error.Wrap(err)
	}
	_ = os.Remove(path)

	mon.Counter("containers_committed").Inc(1)
	p.emit("container_committed",
		map[string]string{"shard": ShardHex(sess.shardID, p.config.ShardBits)},
		float64(stats.FileCount))
	sess.log.Info("container committed",
		zap.String("container", containerID),
		zap.String("key", archiveKey),
		zap.Uint64("files", stats.FileCount),
		zap.Uint64("bytes", stats.ByteSize))
	return nil
}

// discard aborts the open writer and abandons its record. The claims stay
// claimed; recovery reverts them to pending.
func (sess *session) discard(ctx context.Context) {
	if sess.writer == nil {
		return
	}
	if err := sess.writer.Abort(); err != nil {
		sess.log.Warn("writer abort failed", zap.Error(err))
	}
	if err := sess.packer.db.Abandon(ctx, sess.containerID); err != nil {
		sess.log.Warn("container abandon failed", zap.Error(err))
	}
	mon.Counter("containers_abandoned").Inc(1)
	sess.writer = nil
	sess.claims = nil
}
