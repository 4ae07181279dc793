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
	"go.uber.org/atomic"

	"github.com/xianjingfeng/uniffle/server/buffer/lab"
	"github.com/xianjingfeng/uniffle/types"
)

type blockEntry struct {
	block  *types.ShufflePartitionedBlock
	handle lab.Handle
}

// inFlushSnapshot is the block set owned by one dispatched flush event.
type inFlushSnapshot struct {
	entries []blockEntry
	bytes   int64
}

// shuffleBufferWithLinkedList keeps blocks in insertion order.
type shuffleBufferWithLinkedList struct {
	mu      sync.Mutex
	creator *lab.ChunkCreator

	entries []blockEntry
	inFlush map[int64]*inFlushSnapshot
	evicted bool

	// Exposed without the lock for threshold checks and metric walkers.
	encodedLength     atomic.Int64
	blockCount        atomic.Int64
	inFlushBlockCount atomic.Int64
}

func newShuffleBufferWithLinkedList(creator *lab.ChunkCreator) *shuffleBufferWithLinkedList {
	return &shuffleBufferWithLinkedList{
		creator: creator,
		inFlush: make(map[int64]*inFlushSnapshot),
	}
}

func (b *shuffleBufferWithLinkedList) Append(data *types.ShufflePartitionedData) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return BufferEvicted
	}
	var added int64
	for _, blk := range data.Blocks {
		entry := blockEntry{block: blk}
		if b.creator != nil {
			entry.block, entry.handle = cloneIntoLAB(b.creator, blk)
		}
		b.entries = append(b.entries, entry)
		added += int64(blk.DataLength())
	}
	b.encodedLength.Add(added)
	b.blockCount.Add(int64(len(data.Blocks)))
	return added
}

func (b *shuffleBufferWithLinkedList) ToFlushEvent(
	appID string,
	shuffleID, startPartition, endPartition int,
	isValid func() bool,
	distribution types.DataDistributionType,
) *ShuffleDataFlushEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted || len(b.entries) == 0 {
		return nil
	}
	if isValid != nil && !isValid() {
		return nil
	}

	snapshot := &inFlushSnapshot{
		entries: b.entries,
		bytes:   b.encodedLength.Load(),
	}
	eventBlocks := make([]*types.ShufflePartitionedBlock, len(snapshot.entries))
	for i, e := range snapshot.entries {
		eventBlocks[i] = e.block
	}
	if distribution == types.DistributionLocalOrder {
		sort.SliceStable(eventBlocks, func(i, j int) bool {
			return eventBlocks[i].TaskAttemptID < eventBlocks[j].TaskAttemptID
		})
	}

	event := newFlushEvent(appID, shuffleID, startPartition, endPartition,
		eventBlocks, snapshot.bytes, isValid, distribution)
	b.inFlush[event.EventID] = snapshot
	b.inFlushBlockCount.Add(int64(len(snapshot.entries)))
	b.entries = nil
	b.encodedLength.Store(0)
	b.blockCount.Store(0)

	eventID := event.EventID
	event.AddCleanupCallback(func() {
		b.clearInFlushBuffer(eventID)
	})
	return event
}

// clearInFlushBuffer drops the snapshot of an acknowledged event and
// returns its LAB regions.
func (b *shuffleBufferWithLinkedList) clearInFlushBuffer(eventID int64) {
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

func (b *shuffleBufferWithLinkedList) GetShuffleData(
	lastBlockID int64, readBufferSize int64, expectedTaskIDs *bitset.BitSet,
) *types.ShuffleDataResult {
	b.mu.Lock()
	// In-flush snapshots hold the oldest data; iterate them in dispatch
	// order, then the live blocks.
	eventIDs := make([]int64, 0, len(b.inFlush))
	for id := range b.inFlush {
		eventIDs = append(eventIDs, id)
	}
	sort.Slice(eventIDs, func(i, j int) bool { return eventIDs[i] < eventIDs[j] })

	candidates := make([]*types.ShufflePartitionedBlock, 0,
		int(b.blockCount.Load()+b.inFlushBlockCount.Load()))
	for _, id := range eventIDs {
		for _, e := range b.inFlush[id].entries {
			candidates = append(candidates, e.block)
		}
	}
	for _, e := range b.entries {
		candidates = append(candidates, e.block)
	}
	b.mu.Unlock()

	return buildResult(planRead(candidates, lastBlockID, readBufferSize, expectedTaskIDs))
}

func (b *shuffleBufferWithLinkedList) EncodedLength() int64 {
	return b.encodedLength.Load()
}

func (b *shuffleBufferWithLinkedList) BlockCount() int64 {
	return b.blockCount.Load()
}

func (b *shuffleBufferWithLinkedList) InFlushBlockCount() int64 {
	return b.inFlushBlockCount.Load()
}

func (b *shuffleBufferWithLinkedList) Release() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return 0
	}
	b.evicted = true
	released := b.encodedLength.Load()
	for _, e := range b.entries {
		e.handle.Release()
	}
	// In-flush snapshots stay owned by their pending events; the event
	// cleanup releases those bytes.
	b.entries = nil
	b.encodedLength.Store(0)
	b.blockCount.Store(0)
	return released
}
