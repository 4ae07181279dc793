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

package types

import (
	"hash/crc32"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ShufflePartitionedBlock is the unit of data a client delivers for one
// partition. The payload is opaque to the server; the metadata identifies
// the block and lets readers verify and order it.
type ShufflePartitionedBlock struct {
	BlockID          int64
	TaskAttemptID    int64
	SeqNo            int64
	Length           int32
	UncompressLength int32
	Crc              int64
	Data             []byte
}

// DataLength returns the number of payload bytes this block charges
// against the pool.
func (b *ShufflePartitionedBlock) DataLength() int32 {
	return b.Length
}

// CalcCrc computes the checksum of a block payload. Clients fill
// ShufflePartitionedBlock.Crc with the same function so readers can
// detect corruption.
func CalcCrc(data []byte) int64 {
	return int64(crc32.Checksum(data, crcTable))
}

// ShufflePartitionedData carries the blocks of one append call, all
// destined for a single partition.
type ShufflePartitionedData struct {
	PartitionID int
	Blocks      []*ShufflePartitionedBlock
}

// TotalBlockDataLength sums the payload bytes over all blocks.
func (d *ShufflePartitionedData) TotalBlockDataLength() int64 {
	var total int64
	for _, b := range d.Blocks {
		total += int64(b.DataLength())
	}
	return total
}
