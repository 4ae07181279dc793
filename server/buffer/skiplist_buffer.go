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
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/log"
	"github.com/ryszard/goskiplist/skiplist"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/xianjingfeng/uniffle/server/buffer/lab"
	"github.com/xianjingfeng/uniffle/types"
)

// blockKey orders blocks by task attempt, then sequence number.
type blockKey struct {
	taskAttemptID int64
	seqNo         int64
}

func blockKeyLess(l, r interface{}) bool {
	a, b := l.(blockKey), r.(blockKey)
	if a.taskAttemptID != b.taskAttemptID {
		return a.taskAttemptID < b.taskAttemptID
	}
	return a.seqNo < b.seqNo
}

// shuffleBufferWithSkipList keys blocks by (taskAttemptID, seqNo) so reads
// come out grouped by task attempt in sequence order.
type shuffleBufferWithSkipList struct {
	mu      sync.Mutex
	creator *lab.ChunkCreator

	list    *skiplist.SkipList
	inFlush map[int64]*inFlushSnapshot
	evicted bool

	encodedLength     atomic.Int64
	blockCount        atomic.Int64
	inFlushBlockCount atomic.Int64
}

func newShuffleBufferWithSkipList(creator *lab.ChunkCreator) *shuffleBufferWithSkipList {
	return &shuffleBufferWithSkipList{
		creator: creator,
		list:    skiplist.NewCustomMap(blockKeyLess),
		inFlush: make(map[int64]*inFlushSnapshot),
	}
}

func (b *shuffleBufferWithSkipList) Append(data *types.ShufflePartitionedData) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return BufferEvicted
	}
	var added int64
	for _, blk := range data.Blocks {
		key := blockKey{taskAttemptID: blk.TaskAttemptID, seqNo: blk.SeqNo}
		if _, ok := b.list.Get(key); ok {
			// Client retries can resend a block; storing it twice would
			// double both the data and the accounting.
			log.Warn("duplicate block ignored",
				zap.Int64("blockId", blk.BlockID),
				zap.Int64("taskAttemptId", blk.TaskAttemptID),
				zap.Int64("seqNo", blk.SeqNo))
			continue
		}
		entry := blockEntry{block: blk}
		if b.creator != nil {
			entry.block, entry.handle = cloneIntoLAB(b.creator, blk)
		}
		b.list.Set(key, entry)
		added += int64(blk.DataLength())
		b.blockCount.Add(1)
	}
	b.encodedLength.Add(added)
	return added
}

func (b *shuffleBufferWithSkipList) ToFlushEvent(
	appID string,
	shuffleID, startPartition, endPartition int,
	isValid func() bool,
	distribution types.DataDistributionType,
) *ShuffleDataFlushEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted || b.list.Len() == 0 {
		return nil
	}
	if isValid != nil && !isValid() {
		return nil
	}

	entries := make([]blockEntry, 0, b.list.Len())
	it := b.list.Iterator()
	for it.Next() {
		entries = append(entries, it.Value().(blockEntry))
	}
	it.Close()

	snapshot := &inFlushSnapshot{
		entries: entries,
		bytes:   b.encodedLength.Load(),
	}
	eventBlocks := make([]*types.ShufflePartitionedBlock, len(entries))
	for i, e := range entries {
		eventBlocks[i] = e.block
	}

	event := newFlushEvent(appID, shuffleID, startPartition, endPartition,
		eventBlocks, snapshot.bytes, isValid, distribution)
	b.inFlush[event.EventID] = snapshot
	b.inFlushBlockCount.Add(int64(len(entries)))
	b.list = skiplist.NewCustomMap(blockKeyLess)
	b.encodedLength.Store(0)
	b.blockCount.Store(0)

	eventID := event.EventID
	event.AddCleanupCallback(func() {
		b.clearInFlushBuffer(eventID)
	})
	return event
}

func (b *shuffleBufferWithSkipList) clearInFlushBuffer(eventID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := b.inFlush[eventID]
	if snapshot == nil {
		return
	}
	delete(b.inFlush, eventID)
	b.inFlushBlockCount.Sub(int64(len(snapshot.entries)))
	for _, e := range snapshot.entries {
		e.handle.Release()
	}
}

func (b *shuffleBufferWithSkipList) GetShuffleData(
	lastBlockID int64, readBufferSize int64, expectedTaskIDs *bitset.BitSet,
) *types.ShuffleDataResult {
	b.mu.Lock()
	candidates := make([]*types.ShufflePartitionedBlock, 0,
		int(b.blockCount.Load()+b.inFlushBlockCount.Load()))
	for _, snapshot := range b.inFlush {
		for _, e := range snapshot.entries {
			candidates = append(candidates, e.block)
		}
	}
	it := b.list.Iterator()
	for it.Next() {
		candidates = append(candidates, it.Value().(blockEntry).block)
	}
	it.Close()
	b.mu.Unlock()

	// Present one globally ordered view across live and in-flush blocks.
	sort.SliceStable(candidates, func(i, j int) bool {
		return blockKeyLess(
			blockKey{candidates[i].TaskAttemptID, candidates[i].SeqNo},
			blockKey{candidates[j].TaskAttemptID, candidates[j].SeqNo})
	})
	return buildResult(planRead(candidates, lastBlockID, readBufferSize, expectedTaskIDs))
}

func (b *shuffleBufferWithSkipList) EncodedLength() int64 {
	return b.encodedLength.Load()
}

func (b *shuffleBufferWithSkipList) BlockCount() int64 {
	return b.blockCount.Load()
}

func (b *shuffleBufferWithSkipList) InFlushBlockCount() int64 {
	return b.inFlushBlockCount.Load()
}

func (b *shuffleBufferWithSkipList) Release() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return 0
	}
	b.evicted = true
	released := b.encodedLength.Load()
	it := b.list.Iterator()
	for it.Next() {
		it.Value().(blockEntry).handle.Release()
	}
	it.Close()
	b.list = skiplist.NewCustomMap(blockKeyLess)
	b.encodedLength.Store(0)
	b.blockCount.Store(0)
	return released
}
