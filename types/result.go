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

// BufferSegment locates one block inside the byte slab of a
// ShuffleDataResult.
type BufferSegment struct {
	BlockID          int64
	Offset           int64
	Length           int32
	UncompressLength int32
	Crc              int64
	TaskAttemptID    int64
}

// ShuffleDataResult is what a memory read returns: a contiguous slab of
// block payloads plus the segments describing each block in it.
type ShuffleDataResult struct {
	Data     []byte
	Segments []BufferSegment
}

// IsEmpty reports whether the read produced no blocks.
func (r *ShuffleDataResult) IsEmpty() bool {
	return r == nil || len(r.Segments) == 0
}
