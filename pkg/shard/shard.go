// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package shard maps file names to shards and shards to worker pods.
package shard

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/zeebo/errs"
)

// Error is the shard error class.
var Error = errs.Class("shard")

// MaxBits bounds shard_bits so that shard ids fit in uint32.
const MaxBits = 32

// Hash maps a routing key to a shard id in [0, 2^bits). It is stable
// across processes and languages: the first 8 bytes of SHA-256(value),
// big-endian, masked to bits.
func Hash(value string, bits uint) uint32 {
	digest := sha256.Sum256([]byte(value))
	v := binary.BigEndian.Uint64(digest[:8])
	return uint32(v & ((1 << bits) - 1))
}

// Assignment is the contiguous block of shards owned by one pod.
type Assignment struct {
	PodOrdinal int
	PodCount   int
	Shards     []uint32
}

// Assign partitions [0, 2^bits) across podCount pods into contiguous
// blocks. The remainder is distributed round-robin to the lowest-ordinal
// pods, so the union over all ordinals is a total partition with no
// overlap.
func Assign(podOrdinal, podCount int, bits uint) (Assignment, error) {
	if bits == 0 || bits > MaxBits {
		return Assignment{}, Error.New("shard bits must be in [1, %d], got %d", MaxBits, bits)
	}
	if podCount <= 0 {
		return Assignment{}, Error.New("pod count must be positive, got %d", podCount)
	}
	if podOrdinal < 0 || podOrdinal >= podCount {
		return Assignment{}, Error.New("pod ordinal %d out of range [0, %d)", podOrdinal, podCount)
	}

	total := uint64(1) << bits
	base := total / uint64(podCount)
	remainder := total % uint64(podCount)

	size := base
	if uint64(podOrdinal) < remainder {
		size++
	}
	start := base*uint64(podOrdinal) + min64(uint64(podOrdinal), remainder)

	shards := make([]uint32, 0, size)
	for s := start; s < start+size; s++ {
		shards = append(shards, uint32(s))
	}
	return Assignment{
		PodOrdinal: podOrdinal,
		PodCount:   podCount,
		Shards:     shards,
	}, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
