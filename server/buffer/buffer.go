// Copyright 2025 The Uniffle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buffer implements the in-memory shuffle buffer pool: per
// partition-range buffers, their flush events and the manager that
// coordinates memory admission, watermark eviction and flush dispatch.
package buffer

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/xianjingfeng/uniffle/server/buffer/lab"
	"github.com/xianjingfeng/uniffle/types"
)

// BufferEvicted is returned by Append once a buffer is terminal.
const BufferEvicted int64 = -1

// Layout selects the block storage of a partition buffer.
type Layout int

const (
	// LayoutLinkedList stores blocks in insertion order.
	LayoutLinkedList Layout = iota
	// LayoutSkipList keys blocks by (taskAttemptID, seqNo) for ordered
	// reads.
	LayoutSkipList
)

// ShuffleBuffer is the per-partition-range sink. All implementations
// synchronize internally; Append and ToFlushEvent are mutually exclusive
// within one buffer.
type ShuffleBuffer interface {
	// Append adds the blocks of data and returns the bytes to charge to
	// the pool, or BufferEvicted when the buffer is terminal.
	Append(data *types.ShufflePartitionedData) int64

	// ToFlushEvent atomically snapshots the current blocks into the
	// in-flush set and returns an event carrying them. It returns nil
	// when the buffer is empty, evicted, or isValid reports the owner is
	// gone.
	ToFlushEvent(appID string, shuffleID, startPartition, endPartition int,
		isValid func() bool, distribution types.DataDistributionType) *ShuffleDataFlushEvent

	// GetShuffleData reads blocks starting after lastBlockID (or from the
	// start when lastBlockID is InvalidBlockID), optionally filtered to the
	// given task attempts, until readBufferSize bytes are reached; the
	// block that crosses the limit is included.
	GetShuffleData(lastBlockID int64, readBufferSize int64,
		expectedTaskIDs *bitset.BitSet) *types.ShuffleDataResult

	// EncodedLength returns the bytes currently held, excluding in-flush
	// snapshots.
	EncodedLength() int64

	// BlockCount returns the number of blocks currently held.
	BlockCount() int64

	// InFlushBlockCount returns the number of blocks in unacknowledged
	// flush snapshots.
	InFlushBlockCount() int64

	// Release drops the live blocks, marks the buffer evicted and returns
	// their bytes. In-flush snapshots stay with their pending events,
	// whose cleanups release them. Idempotent; later calls return 0.
	Release() int64
}

// InvalidBlockID asks GetShuffleData to read from the beginning.
const InvalidBlockID int64 = 0

// NewShuffleBuffer builds a buffer of the given layout. A non-nil creator
// makes the buffer copy appended payloads into LAB chunks.
func NewShuffleBuffer(layout Layout, creator *lab.ChunkCreator) ShuffleBuffer {
	if layout == LayoutSkipList {
		return newShuffleBufferWithSkipList(creator)
	}
	return newShuffleBufferWithLinkedList(creator)
}

// cloneIntoLAB copies a block payload into chunk memory. The metadata is
// copied as-is; only Data moves.
func cloneIntoLAB(creator *lab.ChunkCreator, b *types.ShufflePartitionedBlock) (*types.ShufflePartitionedBlock, lab.Handle) {
	buf, h := creator.Allocate(len(b.Data))
	copy(buf, b.Data)
	clone := *b
	clone.Data = buf
	return &clone, h
}

// filteredOut reports whether a block is excluded by the task filter.
func filteredOut(expected *bitset.BitSet, taskAttemptID int64) bool {
	if expected == nil {
		return false
	}
	return taskAttemptID < 0 || !expected.Test(uint(taskAttemptID))
}

// buildResult copies the planned blocks into one slab. Runs without the
// buffer lock; the plan was collected under it.
func buildResult(plan []*types.ShufflePartitionedBlock) *types.ShuffleDataResult {
	var total int64
	for _, b := range plan {
		total += int64(b.DataLength())
	}
	result := &types.ShuffleDataResult{
		Data:     make([]byte, 0, total),
		Segments: make([]types.BufferSegment, 0, len(plan)),
	}
	var offset int64
	for _, b := range plan {
		result.Data = append(result.Data, b.Data[:b.DataLength()]...)
		result.Segments = append(result.Segments, types.BufferSegment{
			BlockID:          b.BlockID,
			Offset:           offset,
			Length:           b.DataLength(),
			UncompressLength: b.UncompressLength,
			Crc:              b.Crc,
			TaskAttemptID:    b.TaskAttemptID,
		})
		offset += int64(b.DataLength())
	}
	return result
}

// planRead selects blocks from candidates: skip everything up to and
// including lastBlockID, apply the task filter, and stop once the size
// budget is crossed (the crossing block is included).
func planRead(candidates []*types.ShufflePartitionedBlock, lastBlockID, readBufferSize int64,
	expectedTaskIDs *bitset.BitSet) []*types.ShufflePartitionedBlock {
	start := 0
	if lastBlockID != InvalidBlockID {
		found := false
		for i, b := range candidates {
			if b.BlockID == lastBlockID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	var plan []*types.ShufflePartitionedBlock
	var picked int64
	for _, b := range candidates[start:] {
		if filteredOut(expectedTaskIDs, b.TaskAttemptID) {
			continue
		}
		plan = append(plan, b)
		picked += int64(b.DataLength())
		if picked >= readBufferSize {
			break
		}
	}
	return plan
}
