// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package packer

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datavision-labs/easystore/internal/sync2"
	"github.com/datavision-labs/easystore/pkg/des"
	"github.com/datavision-labs/easystore/pkg/metadb"
	"github.com/datavision-labs/easystore/pkg/names"
	"github.com/datavision-labs/easystore/pkg/objectstore"
	"github.com/datavision-labs/easystore/pkg/shard"
	"github.com/datavision-labs/easystore/pkg/source"
)

// Packer runs the multi-shard packing control loop. It owns the provider
// and the stores as narrow capabilities; nothing points back at it.
type Packer struct {
	log      *zap.Logger
	db       *metadb.DB
	provider *source.Provider
	objects  objectstore.Client
	external des.ExternalStore
	gen      *names.Generator
	config   Config
	ownerID  string
	health   *Health
	sink     EventSink
	recovery *Recovery
	now      func() time.Time
}

// New assembles a packer. external may be nil to disable big-file
// diversion; sink may be nil; recovery may be nil to skip startup and
// periodic sweeps.
func New(log *zap.Logger, db *metadb.DB, provider *source.Provider, objects objectstore.Client, external des.ExternalStore, recovery *Recovery, sink EventSink, config Config) (*Packer, error) {
	config = config.withDefaults()
	if config.Workdir == "" {
		return nil, Error.New("workdir is required")
	}
	if config.ArchiveBucket == "" {
		return nil, Error.New("archive bucket is required")
	}
	if config.ShardBits == 0 || config.ShardBits > shard.MaxBits {
		return nil, Error.New("shard bits must be in [1, %d]", shard.MaxBits)
	}
	if err := os.MkdirAll(config.Workdir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}

	gen, err := names.New(names.Config{
		Prefix: config.NamePrefix,
		NodeID: config.NodeID,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Packer{
		log:      log,
		db:       db,
		provider: provider,
		objects:  objects,
		external: external,
		gen:      gen,
		config:   config,
		ownerID:  uuid.NewString(),
		health:   NewHealth(2 * config.LeaseTTL),
		sink:     sink,
		recovery: recovery,
		now:      time.Now,
	}, nil
}

// OwnerID is the opaque worker identity stamped on leases and claims.
func (p *Packer) OwnerID() string { return p.ownerID }

// Health returns the readiness probe.
func (p *Packer) Health() *Health { return p.health }

// TestingSetNow overrides the packer's clock, for tests.
func (p *Packer) TestingSetNow(now func() time.Time) { p.now = now }

// Run packs the assigned shards until ctx is canceled. Each shard is
// driven by its own task; a recovery sweep runs at startup and then
// periodically when a Recovery was provided.
func (p *Packer) Run(ctx context.Context, assignment shard.Assignment) (err error) {
	defer mon.Task()(&ctx)(&err)

	p.log.Info("packer starting",
		zap.String("owner", p.ownerID),
		zap.Int("shards", len(assignment.Shards)),
		zap.Int("pod", assignment.PodOrdinal))

	if p.recovery != nil {
		if _, err := p.recovery.SweepOnce(ctx); err != nil {
			p.log.Error("startup recovery sweep failed", zap.Error(err))
		}
	}

	group, gctx := errgroup.WithContext(ctx)

	if p.recovery != nil {
		sweeps := sync2.NewCycle(p.recovery.Interval())
		group.Go(func() error {
			return sweeps.Run(gctx, func(ctx context.Context) error {
				if _, err := p.recovery.SweepOnce(ctx); err != nil {
					p.log.Error("recovery sweep failed", zap.Error(err))
				}
				return nil
			})
		})
	}

	for _, shardID := range assignment.Shards {
		shardID := shardID
		group.Go(func() error {
			p.runShard(gctx, shardID)
			return nil
		})
	}

	err = group.Wait()
	p.log.Info("packer stopped", zap.String("owner", p.ownerID))
	return err
}

// runShard cycles one shard through acquire, pack, and release until the
// context ends. Lease loss and shard-scope errors surrender the shard and
// loop back to acquisition.
func (p *Packer) runShard(ctx context.Context, shardID uint32) {
	log := p.log.With(zap.Uint32("shard", shardID))

	for ctx.Err() == nil {
		lease, err := p.db.TryAcquire(ctx, shardID, p.ownerID, p.config.LeaseTTL)
		if err != nil {
			log.Error("lease acquisition failed", zap.Error(err))
			sync2.Sleep(ctx, p.config.AcquireWait)
			continue
		}
		if lease == nil {
			// somebody else holds the shard
			sync2.Sleep(ctx, p.config.AcquireWait)
			continue
		}
		p.health.RecordDBPing()
		p.emit("shard_leased", map[string]string{"shard": ShardHex(shardID, p.config.ShardBits)}, 1)
		log.Info("shard leased", zap.Uint64("generation", lease.Generation))

		err = p.runSession(ctx, log, lease)
		switch {
		case err == nil:
		case ErrLeaseLost.Has(err):
			log.Warn("shard lease lost", zap.Uint64("generation", lease.Generation))
			mon.Counter("lease_lost").Inc(1)
		default:
			log.Error("shard session failed", zap.Error(err))
		}

		// best-effort; a lost lease makes this a no-op
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = p.db.Release(releaseCtx, shardID, p.ownerID, lease.Generation)
		cancel()
	}
}
