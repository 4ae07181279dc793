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

package buffer

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/xianjingfeng/uniffle/server/buffer/lab"
	"github.com/xianjingfeng/uniffle/types"
)

func newBlock(blockID, taskAttemptID, seqNo int64, size int) *types.ShufflePartitionedBlock {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(blockID)
	}
	return &types.ShufflePartitionedBlock{
		BlockID:          blockID,
		TaskAttemptID:    taskAttemptID,
		SeqNo:            seqNo,
		Length:           int32(size),
		UncompressLength: int32(size),
		Crc:              types.CalcCrc(data),
		Data:             data,
	}
}

func newData(partitionID int, blocks ...*types.ShufflePartitionedBlock) *types.ShufflePartitionedData {
	return &types.ShufflePartitionedData{PartitionID: partitionID, Blocks: blocks}
}

func segmentBlockIDs(result *types.ShuffleDataResult) []int64 {
	ids := make([]int64, 0, len(result.Segments))
	for _, seg := range result.Segments {
		ids = append(ids, seg.BlockID)
	}
	return ids
}

func testLayouts(t *testing.T, fn func(t *testing.T, layout Layout)) {
	t.Run("linkedList", func(t *testing.T) { fn(t, LayoutLinkedList) })
	t.Run("skipList", func(t *testing.T) { fn(t, LayoutSkipList) })
}

func TestAppendChargesDataLength(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		size := buf.Append(newData(0, newBlock(1, 0, 0, 32), newBlock(2, 0, 1, 64)))
		require.Equal(t, int64(96), size)
		require.Equal(t, int64(96), buf.EncodedLength())
		require.Equal(t, int64(2), buf.BlockCount())
		require.Zero(t, buf.InFlushBlockCount())
	})
}

func TestAppendAfterReleaseIsEvicted(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		require.Equal(t, int64(16), buf.Append(newData(0, newBlock(1, 0, 0, 16))))

		require.Equal(t, int64(16), buf.Release())
		require.Equal(t, BufferEvicted, buf.Append(newData(0, newBlock(2, 0, 1, 16))))
		require.Zero(t, buf.EncodedLength())
		require.Zero(t, buf.BlockCount())

		// Release is idempotent.
		require.Zero(t, buf.Release())
	})
}

func TestToFlushEventSnapshotsAndResets(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		buf.Append(newData(0, newBlock(1, 0, 0, 100), newBlock(2, 0, 1, 50)))

		event := buf.ToFlushEvent("app", 1, 0, 4, nil, types.DistributionNormal)
		require.NotNil(t, event)
		require.Equal(t, int64(150), event.EncodedLength)
		require.Len(t, event.Blocks, 2)
		require.Equal(t, "app", event.AppID)
		require.Equal(t, 1, event.ShuffleID)
		require.Equal(t, 0, event.StartPartition)
		require.Equal(t, 4, event.EndPartition)

		// The snapshot moved everything into the in-flush set.
		require.Zero(t, buf.EncodedLength())
		require.Zero(t, buf.BlockCount())
		require.Equal(t, int64(2), buf.InFlushBlockCount())

		// Appends after the snapshot are not part of the event.
		buf.Append(newData(0, newBlock(3, 0, 2, 10)))
		require.Len(t, event.Blocks, 2)
		require.Equal(t, int64(10), buf.EncodedLength())

		// Cleanup drops the snapshot.
		event.DoCleanup()
		require.Zero(t, buf.InFlushBlockCount())
	})
}

func TestToFlushEventEmptyOrInvalid(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		require.Nil(t, buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal))

		buf.Append(newData(0, newBlock(1, 0, 0, 10)))
		require.Nil(t, buf.ToFlushEvent("app", 1, 0, 0, func() bool { return false }, types.DistributionNormal))
		// An invalid owner leaves the data in place.
		require.Equal(t, int64(10), buf.EncodedLength())

		buf.Release()
		require.Nil(t, buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal))
	})
}

func TestSuccessiveFlushEventsPartitionAppendOrder(t *testing.T) {
	buf := NewShuffleBuffer(LayoutLinkedList, nil)
	buf.Append(newData(0, newBlock(1, 0, 0, 10)))
	buf.Append(newData(0, newBlock(2, 0, 1, 10)))
	first := buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal)

	buf.Append(newData(0, newBlock(3, 0, 2, 10)))
	second := buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal)

	// The two events form a prefix-preserving partition of the appends.
	require.Equal(t, []int64{1, 2}, []int64{first.Blocks[0].BlockID, first.Blocks[1].BlockID})
	require.Equal(t, []int64{3}, []int64{second.Blocks[0].BlockID})
	first.DoCleanup()
	second.DoCleanup()
}

func TestGetShuffleDataFromStart(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		buf.Append(newData(0, newBlock(1, 0, 0, 10), newBlock(2, 0, 1, 10), newBlock(3, 0, 2, 10)))

		result := buf.GetShuffleData(InvalidBlockID, 1000, nil)
		require.Equal(t, []int64{1, 2, 3}, segmentBlockIDs(result))
		require.Len(t, result.Data, 30)
		for i, seg := range result.Segments {
			require.Equal(t, int64(i*10), seg.Offset)
			require.Equal(t, int32(10), seg.Length)
		}
	})
}

func TestGetShuffleDataResumesAfterBlockID(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		buf.Append(newData(0, newBlock(1, 0, 0, 10), newBlock(2, 0, 1, 10), newBlock(3, 0, 2, 10)))

		result := buf.GetShuffleData(2, 1000, nil)
		require.Equal(t, []int64{3}, segmentBlockIDs(result))

		// An unknown blockID yields an empty result.
		require.True(t, buf.GetShuffleData(99, 1000, nil).IsEmpty())
	})
}

func TestGetShuffleDataBoundedBySize(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		buf.Append(newData(0, newBlock(1, 0, 0, 10), newBlock(2, 0, 1, 10), newBlock(3, 0, 2, 10)))

		// The block crossing the limit is included, nothing after it.
		result := buf.GetShuffleData(InvalidBlockID, 15, nil)
		require.Equal(t, []int64{1, 2}, segmentBlockIDs(result))
	})
}

func TestGetShuffleDataSeesInFlushBlocks(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		buf.Append(newData(0, newBlock(1, 0, 0, 10)))
		event := buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal)
		require.NotNil(t, event)
		buf.Append(newData(0, newBlock(2, 0, 1, 10)))

		result := buf.GetShuffleData(InvalidBlockID, 1000, nil)
		require.Equal(t, []int64{1, 2}, segmentBlockIDs(result))

		// Reads resume across the in-flush boundary.
		result = buf.GetShuffleData(1, 1000, nil)
		require.Equal(t, []int64{2}, segmentBlockIDs(result))
		event.DoCleanup()
	})
}

func TestGetShuffleDataTaskFilter(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		buf := NewShuffleBuffer(layout, nil)
		buf.Append(newData(0,
			newBlock(1, 7, 0, 10),
			newBlock(2, 8, 0, 10),
			newBlock(3, 7, 1, 10)))

		expected := bitset.New(16)
		expected.Set(7)
		result := buf.GetShuffleData(InvalidBlockID, 1000, expected)
		require.Equal(t, []int64{1, 3}, segmentBlockIDs(result))
	})
}

func TestSkipListOrdersByTaskAttemptThenSeq(t *testing.T) {
	buf := NewShuffleBuffer(LayoutSkipList, nil)
	// Insert out of order across two task attempts.
	buf.Append(newData(0, newBlock(10, 2, 0, 10)))
	buf.Append(newData(0, newBlock(11, 1, 1, 10)))
	buf.Append(newData(0, newBlock(12, 1, 0, 10)))
	buf.Append(newData(0, newBlock(13, 2, 1, 10)))

	result := buf.GetShuffleData(InvalidBlockID, 1000, nil)
	require.Equal(t, []int64{12, 11, 10, 13}, segmentBlockIDs(result))

	event := buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal)
	require.NotNil(t, event)
	ids := make([]int64, 0, len(event.Blocks))
	for _, b := range event.Blocks {
		ids = append(ids, b.BlockID)
	}
	require.Equal(t, []int64{12, 11, 10, 13}, ids)
	event.DoCleanup()
}

func TestSkipListIgnoresDuplicateBlocks(t *testing.T) {
	buf := NewShuffleBuffer(LayoutSkipList, nil)
	require.Equal(t, int64(10), buf.Append(newData(0, newBlock(1, 0, 0, 10))))
	// A retried block with the same (taskAttemptID, seqNo) is dropped and
	// not charged.
	require.Zero(t, buf.Append(newData(0, newBlock(1, 0, 0, 10))))
	require.Equal(t, int64(10), buf.EncodedLength())
	require.Equal(t, int64(1), buf.BlockCount())
}

func TestLinkedListLocalOrderEvent(t *testing.T) {
	buf := NewShuffleBuffer(LayoutLinkedList, nil)
	buf.Append(newData(0, newBlock(1, 5, 0, 10)))
	buf.Append(newData(0, newBlock(2, 3, 0, 10)))
	buf.Append(newData(0, newBlock(3, 5, 1, 10)))

	event := buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionLocalOrder)
	require.NotNil(t, event)
	attempts := make([]int64, 0, len(event.Blocks))
	for _, b := range event.Blocks {
		attempts = append(attempts, b.TaskAttemptID)
	}
	// Grouped by task attempt, arrival order preserved within a group.
	require.Equal(t, []int64{3, 5, 5}, attempts)
	require.Equal(t, int64(1), event.Blocks[1].BlockID)
	require.Equal(t, int64(3), event.Blocks[2].BlockID)
	event.DoCleanup()
}

func TestLABBufferCopiesAndRecycles(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		creator := lab.NewChunkCreator(1024, 8192, 256)
		buf := NewShuffleBuffer(layout, creator)

		original := newBlock(1, 0, 0, 64)
		buf.Append(newData(0, original))

		// The buffer keeps its own copy; mutating the caller's slice must
		// not change what readers see.
		original.Data[0] = 0xFF
		result := buf.GetShuffleData(InvalidBlockID, 1000, nil)
		require.Equal(t, byte(1), result.Data[0])

		event := buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal)
		require.NotNil(t, event)
		require.Zero(t, creator.PooledChunks())
		event.DoCleanup()

		// The event cleanup released the only carved region, but the
		// chunk is recycled only after it seals.
		buf.Append(newData(0, newBlock(2, 0, 1, 64)))
		require.Equal(t, int64(64), buf.Release())
	})
}

func TestEventCleanupIdempotent(t *testing.T) {
	buf := NewShuffleBuffer(LayoutLinkedList, nil)
	buf.Append(newData(0, newBlock(1, 0, 0, 10)))
	event := buf.ToFlushEvent("app", 1, 0, 0, nil, types.DistributionNormal)
	require.NotNil(t, event)

	var calls int
	event.AddCleanupCallback(func() { calls++ })
	event.DoCleanup()
	event.DoCleanup()
	require.Equal(t, 1, calls)
	require.Zero(t, buf.InFlushBlockCount())
}
