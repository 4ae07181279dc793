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
	"fmt"

	"go.uber.org/atomic"

	"github.com/xianjingfeng/uniffle/types"
)

var eventIDGenerator atomic.Int64

// ShuffleDataFlushEvent carries one buffer snapshot to the flush manager.
// Its cleanup callbacks release the memory and the in-flush bookkeeping;
// they run exactly once no matter how often DoCleanup is invoked, so a
// misbehaving flusher cannot double-release.
type ShuffleDataFlushEvent struct {
	EventID        int64
	AppID          string
	ShuffleID      int
	StartPartition int
	EndPartition   int
	Blocks         []*types.ShufflePartitionedBlock
	EncodedLength  int64
	Distribution   types.DataDistributionType

	ownedByHugePartition bool
	valid                func() bool
	cleanup              []func()
	completed            atomic.Bool
}

func newFlushEvent(
	appID string,
	shuffleID, startPartition, endPartition int,
	blocks []*types.ShufflePartitionedBlock,
	encodedLength int64,
	valid func() bool,
	distribution types.DataDistributionType,
) *ShuffleDataFlushEvent {
	return &ShuffleDataFlushEvent{
		EventID:        eventIDGenerator.Inc(),
		AppID:          appID,
		ShuffleID:      shuffleID,
		StartPartition: startPartition,
		EndPartition:   endPartition,
		Blocks:         blocks,
		EncodedLength:  encodedLength,
		Distribution:   distribution,
		valid:          valid,
	}
}

// AddCleanupCallback appends fn to the cleanup chain.
func (e *ShuffleDataFlushEvent) AddCleanupCallback(fn func()) {
	e.cleanup = append(e.cleanup, fn)
}

// DoCleanup runs the cleanup chain once. Later calls are no-ops.
func (e *ShuffleDataFlushEvent) DoCleanup() {
	if !e.completed.CompareAndSwap(false, true) {
		return
	}
	for _, fn := range e.cleanup {
		fn()
	}
}

// IsValid reports whether the owning shuffle still exists; flushers check
// it before doing I/O so data of removed shuffles is not written.
func (e *ShuffleDataFlushEvent) IsValid() bool {
	return e.valid == nil || e.valid()
}

// MarkOwnedByHugePartition tags the event for storage-side routing.
func (e *ShuffleDataFlushEvent) MarkOwnedByHugePartition() {
	e.ownedByHugePartition = true
}

// IsOwnedByHugePartition reports the huge partition tag.
func (e *ShuffleDataFlushEvent) IsOwnedByHugePartition() bool {
	return e.ownedByHugePartition
}

// String implements fmt.Stringer for flush logging.
func (e *ShuffleDataFlushEvent) String() string {
	return fmt.Sprintf("event[%d] app[%s] shuffle[%d] partitions[%d, %d] bytes[%d]",
		e.EventID, e.AppID, e.ShuffleID, e.StartPartition, e.EndPartition, e.EncodedLength)
}
