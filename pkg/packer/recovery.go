// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package packer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/datavision-labs/easystore/pkg/des"
	"github.com/datavision-labs/easystore/pkg/metadb"
	"github.com/datavision-labs/easystore/pkg/objectstore"
	"github.com/datavision-labs/easystore/pkg/source"
)

// RecoveryConfig controls the crash-recovery sweep.
type RecoveryConfig struct {
	// StaleAge is how old a non-committed container record must be
	// before the sweep reconciles it.
	StaleAge time.Duration

	// Interval between periodic sweeps.
	Interval time.Duration
}

func (config RecoveryConfig) withDefaults() RecoveryConfig {
	if config.StaleAge <= 0 {
		config.StaleAge = 15 * time.Minute
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	return config
}

// RecoveryStats summarizes one sweep.
type RecoveryStats struct {
	LeasesReleased      int64
	ContainersSalvaged  int
	ContainersAbandoned int
	ClaimsReset         int64
	ClaimsCompleted     int64
}

// Recovery reconciles state left behind by crashed packers: expired
// leases, orphan partial containers, and stamped-but-unowned claims.
type Recovery struct {
	log      *zap.Logger
	db       *metadb.DB
	provider *source.Provider
	objects  objectstore.Client
	config   RecoveryConfig
	now      func() time.Time
}

// NewRecovery assembles the sweep. provider may be nil when only the
// metadata side should be reconciled.
func NewRecovery(log *zap.Logger, db *metadb.DB, provider *source.Provider, objects objectstore.Client, config RecoveryConfig) *Recovery {
	return &Recovery{
		log:      log,
		db:       db,
		provider: provider,
		objects:  objects,
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// Interval returns the configured sweep cadence.
func (r *Recovery) Interval() time.Duration { return r.config.Interval }

// TestingSetNow overrides the sweep's clock, for tests.
func (r *Recovery) TestingSetNow(now func() time.Time) { r.now = now }

// SweepOnce runs one reconciliation pass, in order: expired leases, stale
// containers, stale claims.
func (r *Recovery) SweepOnce(ctx context.Context) (_ RecoveryStats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats RecoveryStats
	now := r.now()

	stats.LeasesReleased, err = r.db.ReleaseExpired(ctx, now)
	if err != nil {
		return stats, Error.Wrap(err)
	}
	if stats.LeasesReleased > 0 {
		r.log.Info("expired leases released", zap.Int64("count", stats.LeasesReleased))
	}

	stale, err := r.db.ListStaleContainers(ctx, now.Add(-r.config.StaleAge))
	if err != nil {
		return stats, Error.Wrap(err)
	}
	for _, container := range stale {
		salvaged, err := r.reconcileContainer(ctx, container)
		if err != nil {
			r.log.Error("container reconciliation failed",
				zap.String("container", container.ID), zap.Error(err))
			continue
		}
		if salvaged {
			stats.ContainersSalvaged++
		} else {
			stats.ContainersAbandoned++
		}
	}

	if r.provider != nil {
		owners, err := r.db.ActiveOwners(ctx, now)
		if err != nil {
			return stats, Error.Wrap(err)
		}
		stats.ClaimsReset, stats.ClaimsCompleted, err = r.provider.ResetStaleClaims(ctx,
			func(owner string) bool { return owners[owner] },
			func(containerID string) bool { return r.containerCommitted(ctx, containerID) })
		if err != nil {
			return stats, Error.Wrap(err)
		}
	}

	mon.Counter("recovery_sweeps").Inc(1)
	return stats, nil
}

// containerCommitted reports whether the stamped container of a claim
// reached COMMITTED. Lookup failures err on the committed side: keeping a
// stuck claim is recoverable, packing the file twice is not.
func (r *Recovery) containerCommitted(ctx context.Context, containerID string) bool {
	record, err := r.db.GetContainer(ctx, containerID)
	if metadb.ErrContainerNotFound.Has(err) {
		return false
	}
	if err != nil {
		r.log.Warn("container lookup failed, keeping claim",
			zap.String("container", containerID), zap.Error(err))
		return true
	}
	return record.State == metadb.StateCommitted
}

// reconcileContainer decides the fate of one stale record: a well-formed
// archive object commits it (salvage); anything else abandons the record
// and deletes the partial object.
func (r *Recovery) reconcileContainer(ctx context.Context, container metadb.Container) (salvaged bool, err error) {
	reader, openErr := des.OpenRange(ctx, r.objects, container.Bucket, container.Key, des.RangeReaderOptions{})
	if openErr == nil {
		footer := reader.Footer()
		if err := r.db.UpdateProgress(ctx, container.ID, footer.FileCount, footer.ContainerSize()); err != nil {
			return false, err
		}
		if err := r.db.MarkUploaded(ctx, container.ID); err != nil {
			return false, err
		}
		r.log.Info("stale container salvaged",
			zap.String("container", container.ID),
			zap.Uint64("files", footer.FileCount))
		mon.Counter("containers_salvaged").Inc(1)
		return true, nil
	}

	// no valid footer in the archive: abandon and clean the partial
	if err := r.db.Abandon(ctx, container.ID); err != nil {
		return false, err
	}
	exists, err := r.objects.Exists(ctx, container.Bucket, container.Key)
	if err == nil && exists {
		if err := r.objects.Delete(ctx, container.Bucket, container.Key); err != nil {
			r.log.Warn("partial object delete failed",
				zap.String("container", container.ID), zap.Error(err))
		}
	}
	r.log.Info("stale container abandoned",
		zap.String("container", container.ID),
		zap.String("reason", openErr.Error()))
	mon.Counter("containers_abandoned_by_recovery").Inc(1)
	return false, nil
}
