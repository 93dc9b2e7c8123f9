// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package packer drives the distributed packing pipeline: it leases
// shards, claims pending files from the source provider, streams them into
// per-shard DES containers, uploads finished containers to the archive
// store, and commits metadata.
package packer

import (
	"fmt"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the packer error class.
	Error = errs.Class("packer")

	// ErrLeaseLost marks the shard-session teardown after a failed
	// heartbeat renewal.
	ErrLeaseLost = errs.Class("lease lost")
)

// Config controls the packer.
type Config struct {
	// Workdir holds in-progress container files.
	Workdir string

	// ArchiveBucket and ArchivePrefix locate finished containers in the
	// archive object store.
	ArchiveBucket string
	ArchivePrefix string

	// ShardBits is the width of the shard space, shared with the name
	// markers and the source provider.
	ShardBits uint

	// LeaseTTL is the shard lease time-to-live. The heartbeat renews at
	// a third of it.
	LeaseTTL time.Duration

	// Rollover triggers: whichever hits first closes the container.
	MaxContainerBytes    int64
	MaxFilesPerContainer int

	// Checkpoint cadence for container progress records.
	CheckpointFiles int
	CheckpointBytes int64

	// BigFileThreshold diverts oversized payloads to the sidecar store.
	BigFileThreshold int64

	// MinCommitFiles is the smallest container worth finalizing on
	// shutdown; anything smaller is aborted and its claims revert.
	MinCommitFiles int

	// ShutdownGrace bounds finalize-and-upload work after the shutdown
	// signal.
	ShutdownGrace time.Duration

	// MaxBatchSize caps the provider claim batch. The effective batch
	// grows and shrinks with fetch outcomes.
	MaxBatchSize int

	// IdleWait is the pause when a shard has no pending work.
	IdleWait time.Duration

	// AcquireWait is the pause between lease acquisition attempts.
	AcquireWait time.Duration

	// NamePrefix and NodeID configure the name generator used for rows
	// that arrive without a pre-stamped name, and for container ids.
	NamePrefix string
	NodeID     uint8
}

func (config Config) withDefaults() Config {
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = time.Minute
	}
	if config.MaxContainerBytes <= 0 {
		config.MaxContainerBytes = 1 << 30
	}
	if config.MaxFilesPerContainer <= 0 {
		config.MaxFilesPerContainer = 100000
	}
	if config.CheckpointFiles <= 0 {
		config.CheckpointFiles = 100
	}
	if config.CheckpointBytes <= 0 {
		config.CheckpointBytes = 64 << 20
	}
	if config.MinCommitFiles <= 0 {
		config.MinCommitFiles = 1
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 256
	}
	if config.IdleWait <= 0 {
		config.IdleWait = 5 * time.Second
	}
	if config.AcquireWait <= 0 {
		config.AcquireWait = 10 * time.Second
	}
	if config.NamePrefix == "" {
		config.NamePrefix = "DES"
	}
	return config
}

// ArchiveKey returns the archive object key for a finished container:
// <prefix>/<day>/<shard_hex>/<container_id>.des, where shard_hex is
// zero-padded to ceil(shard_bits/4) hex digits.
func ArchiveKey(prefix, day string, shardID uint32, shardBits uint, containerID string) string {
	key := fmt.Sprintf("%s/%s/%s.des", day, ShardHex(shardID, shardBits), containerID)
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// ShardHex formats a shard id zero-padded to the width of the shard space.
func ShardHex(shardID uint32, shardBits uint) string {
	digits := int(shardBits+3) / 4
	return fmt.Sprintf("%0*x", digits, shardID)
}
