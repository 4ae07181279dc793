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

// Package lab implements a local allocation buffer for shuffle blocks: a
// slab-style arena that co-locates many small block copies into fixed-size
// chunks. Freeing a chunk frees every block carved from it, which keeps
// allocator pressure low for short-lived shuffle data.
package lab

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Chunk is one slab. Regions are carved front to back; the chunk is
// recycled once it is sealed and every carved region has been released.
type Chunk struct {
	creator     *ChunkCreator
	data        []byte
	off         int
	outstanding int
	sealed      bool
	pooled      bool
}

// Handle is the release token for one carved region. The zero Handle is
// valid and releases nothing; it is what direct (non-slab) allocations get.
type Handle struct {
	chunk *Chunk
}

// Release returns the region to its chunk. Safe to call on the zero
// Handle.
func (h Handle) Release() {
	if h.chunk != nil {
		h.chunk.creator.release(h.chunk)
	}
}

// ChunkCreator hands out regions of pooled chunks. Requests larger than
// maxAlloc bypass the pool and go straight to the general allocator.
type ChunkCreator struct {
	chunkSize int
	maxAlloc  int
	maxPooled int

	mu   sync.Mutex
	cur  *Chunk
	free []*Chunk

	allocatedChunks int64
}

// NewChunkCreator builds a creator with the given slab size, total pooled
// byte budget and largest slab-served request.
func NewChunkCreator(chunkSize, poolCapacity, maxAlloc int64) *ChunkCreator {
	maxPooled := int(poolCapacity / chunkSize)
	if maxPooled < 1 {
		maxPooled = 1
	}
	return &ChunkCreator{
		chunkSize: int(chunkSize),
		maxAlloc:  int(maxAlloc),
		maxPooled: maxPooled,
	}
}

// Allocate returns a region of n bytes and its release token. Regions
// carved from a recycled chunk are not cleared.
func (cc *ChunkCreator) Allocate(n int) ([]byte, Handle) {
	if n > cc.maxAlloc {
		// Oversized regions get their own chunk so they never pin a
		// pooled slab.
		return make([]byte, n), Handle{}
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.cur == nil || cc.cur.off+n > len(cc.cur.data) {
		cc.sealCurrentLocked()
		cc.cur = cc.takeChunkLocked()
	}
	c := cc.cur
	buf := c.data[c.off : c.off+n : c.off+n]
	c.off += n
	c.outstanding++
	return buf, Handle{chunk: c}
}

func (cc *ChunkCreator) sealCurrentLocked() {
	if cc.cur == nil {
		return
	}
	cc.cur.sealed = true
	if cc.cur.outstanding == 0 {
		cc.recycleLocked(cc.cur)
	}
	cc.cur = nil
}

func (cc *ChunkCreator) takeChunkLocked() *Chunk {
	if n := len(cc.free); n > 0 {
		c := cc.free[n-1]
		cc.free = cc.free[:n-1]
		return c
	}
	cc.allocatedChunks++
	if cc.allocatedChunks%256 == 0 {
		log.Info("lab allocated chunks", zap.Int64("chunks", cc.allocatedChunks),
			zap.Int("chunkSize", cc.chunkSize))
	}
	return &Chunk{creator: cc, data: make([]byte, cc.chunkSize), pooled: true}
}

func (cc *ChunkCreator) release(c *Chunk) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if c.outstanding <= 0 {
		log.Warn("lab chunk released more regions than carved")
		return
	}
	c.outstanding--
	if c.sealed && c.outstanding == 0 {
		cc.recycleLocked(c)
	}
}

func (cc *ChunkCreator) recycleLocked(c *Chunk) {
	if !c.pooled || len(cc.free) >= cc.maxPooled {
		return
	}
	c.off = 0
	c.sealed = false
	cc.free = append(cc.free, c)
}

// PooledChunks returns how many chunks sit in the free list.
func (cc *ChunkCreator) PooledChunks() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.free)
}

// ChunkSize returns the slab size in bytes.
func (cc *ChunkCreator) ChunkSize() int {
	return cc.chunkSize
}

// MaxAlloc returns the largest request served from slabs.
func (cc *ChunkCreator) MaxAlloc() int {
	return cc.maxAlloc
}
