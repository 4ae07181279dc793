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

package lab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateWithinChunk(t *testing.T) {
	cc := NewChunkCreator(1024, 4096, 256)

	buf1, h1 := cc.Allocate(100)
	require.Len(t, buf1, 100)
	require.NotNil(t, h1.chunk)

	buf2, h2 := cc.Allocate(100)
	require.Len(t, buf2, 100)
	// Both regions carve from the same slab.
	require.Same(t, h1.chunk, h2.chunk)

	// Regions must not overlap.
	buf1[99] = 0xAA
	buf2[0] = 0xBB
	require.Equal(t, byte(0xAA), buf1[99])
	require.Equal(t, byte(0xBB), buf2[0])

	h1.Release()
	h2.Release()
}

func TestOversizedAllocationBypassesPool(t *testing.T) {
	cc := NewChunkCreator(1024, 4096, 256)
	buf, h := cc.Allocate(512)
	require.Len(t, buf, 512)
	require.Nil(t, h.chunk)
	h.Release() // no-op
	require.Zero(t, cc.PooledChunks())
}

func TestChunkRecycledWhenDrained(t *testing.T) {
	cc := NewChunkCreator(256, 1024, 128)

	_, h1 := cc.Allocate(128)
	_, h2 := cc.Allocate(128)
	require.Same(t, h1.chunk, h2.chunk)

	// Chunk is full; the next allocation seals it and opens a new one.
	_, h3 := cc.Allocate(64)
	require.NotSame(t, h1.chunk, h3.chunk)

	require.Zero(t, cc.PooledChunks())
	h1.Release()
	h2.Release()
	require.Equal(t, 1, cc.PooledChunks())

	// The recycled chunk is reused after the current one seals.
	_, h4 := cc.Allocate(128)
	_, h5 := cc.Allocate(128)
	require.Same(t, h1.chunk, h5.chunk)
	require.Zero(t, cc.PooledChunks())
	h3.Release()
	h4.Release()
	h5.Release()
}

func TestFreeListCap(t *testing.T) {
	cc := NewChunkCreator(256, 512, 128) // at most 2 pooled chunks

	handles := make([]Handle, 0, 8)
	for i := 0; i < 8; i++ {
		_, h := cc.Allocate(128)
		handles = append(handles, h)
	}
	// Seal the last chunk too.
	_, hLast := cc.Allocate(128)
	for _, h := range handles {
		h.Release()
	}
	hLast.Release()
	require.LessOrEqual(t, cc.PooledChunks(), 2)
}

func TestConcurrentAllocateRelease(t *testing.T) {
	cc := NewChunkCreator(4096, 64*1024, 512)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				buf, h := cc.Allocate(64)
				buf[0] = byte(i)
				h.Release()
			}
		}()
	}
	wg.Wait()
}
