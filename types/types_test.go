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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCodeString(t *testing.T) {
	require.Equal(t, "SUCCESS", StatusSuccess.String())
	require.Equal(t, "NO_BUFFER", StatusNoBuffer.String())
	require.Equal(t, "NO_REGISTER", StatusNoRegister.String())
	require.Equal(t, "INTERNAL_ERROR", StatusInternalError.String())
	require.Equal(t, "UNKNOWN", StatusCode(42).String())
}

func TestCrcDetectsCorruption(t *testing.T) {
	data := []byte("shuffle block payload")
	crc := CalcCrc(data)
	require.Equal(t, crc, CalcCrc(data))

	data[0] ^= 0xFF
	require.NotEqual(t, crc, CalcCrc(data))
}

func TestTotalBlockDataLength(t *testing.T) {
	data := &ShufflePartitionedData{
		PartitionID: 1,
		Blocks: []*ShufflePartitionedBlock{
			{Length: 100},
			{Length: 28},
		},
	}
	require.Equal(t, int64(128), data.TotalBlockDataLength())
	require.Equal(t, int32(100), data.Blocks[0].DataLength())
}

func TestShuffleDataResultIsEmpty(t *testing.T) {
	var nilResult *ShuffleDataResult
	require.True(t, nilResult.IsEmpty())
	require.True(t, (&ShuffleDataResult{}).IsEmpty())
	require.False(t, (&ShuffleDataResult{Segments: []BufferSegment{{}}}).IsEmpty())
}
