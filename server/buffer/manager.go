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
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/xianjingfeng/uniffle/config"
	"github.com/xianjingfeng/uniffle/metrics"
	"github.com/xianjingfeng/uniffle/server/buffer/lab"
	"github.com/xianjingfeng/uniffle/types"
	"github.com/xianjingfeng/uniffle/util/rangemap"
)

// ShuffleTaskManager is what the pool needs from the task layer: per-app
// locks, liveness and huge partition classification.
type ShuffleTaskManager interface {
	GetAppReadLock(appID string) *sync.RWMutex
	IsAppExpired(appID string) bool
	IsHugePartition(appID string, shuffleID, partitionID int) bool
}

// ShuffleFlushManager is what the pool needs from the flush layer. An
// event handed to AddToFlushQueue must eventually have DoCleanup invoked,
// whether the flush succeeded or not; a rejected enqueue runs it before
// returning false.
type ShuffleFlushManager interface {
	AddToFlushQueue(event *ShuffleDataFlushEvent) bool
	GetDataDistributionType(appID string) types.DataDistributionType
}

const shutdownDrainTimeout = 30 * time.Second

// partitionRanges guards one shuffle's range map; registration and point
// lookups may race across RPC workers.
type partitionRanges struct {
	mu     sync.RWMutex
	ranges *rangemap.RangeMap[ShuffleBuffer]
}

func newPartitionRanges() *partitionRanges {
	return &partitionRanges{ranges: rangemap.New[ShuffleBuffer]()}
}

func (p *partitionRanges) getEntry(partitionID int) *rangemap.Entry[ShuffleBuffer] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ranges.GetEntry(partitionID)
}

func (p *partitionRanges) ascend(fn func(e *rangemap.Entry[ShuffleBuffer]) bool) {
	p.mu.RLock()
	entries := make([]*rangemap.Entry[ShuffleBuffer], 0, p.ranges.Len())
	p.ranges.Ascend(func(e *rangemap.Entry[ShuffleBuffer]) bool {
		entries = append(entries, e)
		return true
	})
	p.mu.RUnlock()
	for _, e := range entries {
		if !fn(e) {
			return
		}
	}
}

func (p *partitionRanges) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ranges.Len()
}

// ShuffleBufferManager is the top-level facade of the buffer pool. It owns
// the memory accounting, the watermark flush scheduler and the
// appID -> shuffleID -> partition range -> buffer hierarchy.
type ShuffleBufferManager struct {
	bufferType Layout
	labCreator *lab.ChunkCreator

	// capacity is clamped to zero on Close so late admissions fail;
	// staticCapacity keeps the configured value for watermark math.
	capacity       atomic.Int64
	staticCapacity int64
	readCapacity   int64

	highWaterMark atomic.Int64
	lowWaterMark  atomic.Int64

	bufferFlushWhenCachingData    bool
	bufferFlushEnabled            bool
	bufferFlushThreshold          int64
	bufferFlushBlocksNumThreshold int64
	shuffleFlushThreshold         int64
	flushTryLockTimeout           time.Duration
	hugePartitionMemoryLimitSize  int64
	appBlockSizeMetricEnabled     bool

	usedMemory       atomic.Int64
	preAllocatedSize atomic.Int64
	inFlushSize      atomic.Int64
	readDataMemory   atomic.Int64

	// requireMu serializes the capacity check against the usedMemory
	// bump; flushMu admits one watermark picker at a time.
	requireMu sync.Mutex
	flushMu   sync.Mutex

	// appID -> *sync.Map of shuffleID -> *partitionRanges.
	bufferPool sync.Map
	// appID -> *sync.Map of shuffleID -> *atomic.Int64 aggregate size.
	shuffleSizeMap sync.Map

	taskManager  ShuffleTaskManager
	flushManager ShuffleFlushManager

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewShuffleBufferManager builds a manager from an adjusted config. The
// registry, when non-nil, feeds runtime watermark changes; the task
// manager is attached afterwards with SetShuffleTaskManager because the
// two reference each other.
func NewShuffleBufferManager(cfg *config.Config, flushManager ShuffleFlushManager, registry *config.Registry) *ShuffleBufferManager {
	m := &ShuffleBufferManager{
		staticCapacity: cfg.CapacityBytes(),
		readCapacity:   cfg.ReadCapacityBytes(),

		bufferFlushWhenCachingData:    cfg.BufferFlushWhenCachingData,
		bufferFlushEnabled:            cfg.SingleBufferFlushEnabled,
		bufferFlushThreshold:          cfg.SingleBufferFlushBytes(),
		bufferFlushBlocksNumThreshold: cfg.SingleBufferFlushBlocks,
		shuffleFlushThreshold:         cfg.ShuffleFlushThresholdBytes(),
		flushTryLockTimeout:           cfg.FlushTryLockTimeoutD(),
		hugePartitionMemoryLimitSize:  int64(float64(cfg.CapacityBytes()) * cfg.HugePartitionMemoryLimitRatio),
		appBlockSizeMetricEnabled:     cfg.AppBlockSizeMetricEnabled,

		flushManager: flushManager,
		flushCh:      make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}
	m.capacity.Store(cfg.CapacityBytes())
	if cfg.BufferType == config.BufferTypeSkipList {
		m.bufferType = LayoutSkipList
	}
	if cfg.LABEnabled {
		m.labCreator = lab.NewChunkCreator(
			cfg.LABChunkSizeBytes(),
			int64(float64(cfg.CapacityBytes())*cfg.LABPoolRatio),
			int64(float64(cfg.LABChunkSizeBytes())*cfg.LABMaxAllocRatio))
	}
	m.recomputeWatermarks(cfg)
	log.Info("init shuffle buffer manager",
		zap.Int64("capacity", m.staticCapacity),
		zap.Int64("readCapacity", m.readCapacity),
		zap.Int64("highWaterMark", m.highWaterMark.Load()),
		zap.Int64("lowWaterMark", m.lowWaterMark.Load()),
		zap.String("bufferType", cfg.BufferType),
		zap.Bool("labEnabled", cfg.LABEnabled))

	if registry != nil {
		registry.Register(func(c *config.Config, changed map[string]bool) {
			m.recomputeWatermarks(c)
			log.Info("watermarks reconfigured",
				zap.Int64("highWaterMark", m.highWaterMark.Load()),
				zap.Int64("lowWaterMark", m.lowWaterMark.Load()))
		}, config.KeyHighWatermarkPct, config.KeyLowWatermarkPct)
	}

	m.wg.Add(1)
	go m.flushTriggerLoop()
	return m
}

// recomputeWatermarks derives both bounds from the configured percentages
// so readers always observe a pair produced by one call.
func (m *ShuffleBufferManager) recomputeWatermarks(cfg *config.Config) {
	m.highWaterMark.Store(int64(float64(m.staticCapacity) / 100.0 * cfg.HighWatermarkPct))
	m.lowWaterMark.Store(int64(float64(m.staticCapacity) / 100.0 * cfg.LowWatermarkPct))
}

// SetShuffleTaskManager attaches the task layer.
func (m *ShuffleBufferManager) SetShuffleTaskManager(tm ShuffleTaskManager) {
	m.taskManager = tm
}

// flushTriggerLoop runs watermark picks requested by the append path.
// Appenders only post a signal, so a caching thread never runs the picker
// on its own stack.
func (m *ShuffleBufferManager) flushTriggerLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.closeCh:
			return
		case <-m.flushCh:
			m.FlushIfNecessary()
		}
	}
}

func (m *ShuffleBufferManager) triggerFlush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
		// A pick is already pending.
	}
}

// RegisterBuffer creates the buffer for [startPartition, endPartition] of
// the given shuffle. Re-registration keeps the existing buffer and warns.
func (m *ShuffleBufferManager) RegisterBuffer(appID string, shuffleID, startPartition, endPartition int) types.StatusCode {
	appShuffles, _ := m.bufferPool.LoadOrStore(appID, &sync.Map{})
	rangesAny, _ := appShuffles.(*sync.Map).LoadOrStore(shuffleID, newPartitionRanges())
	ranges := rangesAny.(*partitionRanges)

	ranges.mu.Lock()
	defer ranges.mu.Unlock()
	if ranges.ranges.GetEntry(startPartition) != nil {
		log.Warn("already registered",
			zap.String("appId", appID),
			zap.Int("shuffleId", shuffleID),
			zap.Int("startPartition", startPartition),
			zap.Int("endPartition", endPartition))
		return types.StatusSuccess
	}
	buf := NewShuffleBuffer(m.bufferType, m.labCreator)
	if err := ranges.ranges.Put(startPartition, endPartition, buf); err != nil {
		log.Error("register buffer failed", zap.Error(err),
			zap.String("appId", appID), zap.Int("shuffleId", shuffleID))
		return types.StatusInternalError
	}
	metrics.CounterTotalPartitionNum.Inc()
	metrics.GaugeTotalPartitionNum.Inc()
	return types.StatusSuccess
}

// GetShuffleBufferEntry locates the registered range covering a partition.
func (m *ShuffleBufferManager) GetShuffleBufferEntry(appID string, shuffleID, partitionID int) *rangemap.Entry[ShuffleBuffer] {
	appShuffles, ok := m.bufferPool.Load(appID)
	if !ok {
		return nil
	}
	rangesAny, ok := appShuffles.(*sync.Map).Load(shuffleID)
	if !ok {
		return nil
	}
	return rangesAny.(*partitionRanges).getEntry(partitionID)
}

// GetShuffleBuffer returns the buffer covering a partition, or nil.
func (m *ShuffleBufferManager) GetShuffleBuffer(appID string, shuffleID, partitionID int) ShuffleBuffer {
	entry := m.GetShuffleBufferEntry(appID, shuffleID, partitionID)
	if entry == nil {
		return nil
	}
	return entry.Value
}

// CacheShuffleData admits one append call into the pool.
func (m *ShuffleBufferManager) CacheShuffleData(appID string, shuffleID int, isPreAllocated bool, spd *types.ShufflePartitionedData) types.StatusCode {
	if !isPreAllocated && m.IsFull() {
		log.Warn("got unexpected data, can't cache it because the space is full")
		return types.StatusNoBuffer
	}

	entry := m.GetShuffleBufferEntry(appID, shuffleID, spd.PartitionID)
	if entry == nil {
		return types.StatusNoRegister
	}
	buf := entry.Value
	size := buf.Append(spd)
	if size == BufferEvicted {
		return types.StatusNoRegister
	}
	if !isPreAllocated {
		m.UpdateUsedMemory(size)
	}
	if m.appBlockSizeMetricEnabled {
		for _, b := range spd.Blocks {
			metrics.AppHistogramWriteBlockSize.WithLabelValues(appID).Observe(float64(b.DataLength()))
		}
	}
	log.Debug("cache shuffle data",
		zap.Int64("size", size),
		zap.Int("blockCount", len(spd.Blocks)),
		zap.String("appId", appID),
		zap.Int("shuffleId", shuffleID),
		zap.Int("partitionId", spd.PartitionID))
	m.updateShuffleSize(appID, shuffleID, size)
	m.flushSingleBufferIfNecessary(buf, appID, shuffleID, spd.PartitionID, entry.Lo, entry.Hi)
	if m.bufferFlushWhenCachingData && m.NeedToFlush() {
		m.triggerFlush()
	}
	return types.StatusSuccess
}

// GetShuffleData reads buffered blocks of one partition, starting after
// lastBlockID.
func (m *ShuffleBufferManager) GetShuffleData(appID string, shuffleID, partitionID int,
	lastBlockID int64, readBufferSize int64, expectedTaskIDs *bitset.BitSet) *types.ShuffleDataResult {
	entry := m.GetShuffleBufferEntry(appID, shuffleID, partitionID)
	if entry == nil {
		return nil
	}
	return entry.Value.GetShuffleData(lastBlockID, readBufferSize, expectedTaskIDs)
}

func (m *ShuffleBufferManager) updateShuffleSize(appID string, shuffleID int, delta int64) {
	appSizes, _ := m.shuffleSizeMap.LoadOrStore(appID, &sync.Map{})
	sizeAny, _ := appSizes.(*sync.Map).LoadOrStore(shuffleID, atomic.NewInt64(0))
	sizeAny.(*atomic.Int64).Add(delta)
}

// flushSingleBufferIfNecessary dispatches one buffer when it crosses the
// size or block-count threshold. The snapshot inside ToFlushEvent is the
// second check; a concurrent flush that already drained the buffer yields
// a nil event and no dispatch.
func (m *ShuffleBufferManager) flushSingleBufferIfNecessary(buf ShuffleBuffer, appID string,
	shuffleID, partitionID, startPartition, endPartition int) {
	if buf.EncodedLength() <= m.bufferFlushThreshold && buf.BlockCount() <= m.bufferFlushBlocksNumThreshold {
		return
	}
	isHuge := m.isHugePartition(appID, shuffleID, partitionID)
	if !isHuge && !m.bufferFlushEnabled {
		return
	}
	log.Debug("start to flush single buffer",
		zap.Int("shuffleId", shuffleID),
		zap.Int("startPartition", startPartition),
		zap.Int("endPartition", endPartition),
		zap.Bool("isHugePartition", isHuge),
		zap.Int64("bufferSize", buf.EncodedLength()),
		zap.Int64("blocksNum", buf.BlockCount()))
	m.flushBuffer(buf, appID, shuffleID, startPartition, endPartition, isHuge)
}

// NeedToFlush reports whether live memory exceeds the high watermark.
func (m *ShuffleBufferManager) NeedToFlush() bool {
	return m.usedMemory.Load()-m.preAllocatedSize.Load()-m.inFlushSize.Load() > m.highWaterMark.Load()
}

// FlushIfNecessary runs one watermark pick when live memory is above the
// high watermark. At most one picker runs at a time; a second caller
// waits and usually finds nothing left to do.
func (m *ShuffleBufferManager) FlushIfNecessary() {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if !m.NeedToFlush() {
		return
	}
	log.Info("start to flush",
		zap.Int64("usedMemory", m.usedMemory.Load()),
		zap.Int64("preAllocatedSize", m.preAllocatedSize.Load()),
		zap.Int64("inFlushSize", m.inFlushSize.Load()))
	m.flushLocked(m.pickFlushedShuffle())
}

// CommitShuffleTask force-flushes every partition buffer of one shuffle.
func (m *ShuffleBufferManager) CommitShuffleTask(appID string, shuffleID int) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	appShuffles, ok := m.bufferPool.Load(appID)
	if !ok {
		return
	}
	rangesAny, ok := appShuffles.(*sync.Map).Load(shuffleID)
	if !ok {
		return
	}
	rangesAny.(*partitionRanges).ascend(func(e *rangemap.Entry[ShuffleBuffer]) bool {
		m.flushBuffer(e.Value, appID, shuffleID, e.Lo, e.Hi,
			m.isHugePartition(appID, shuffleID, e.Lo))
		return true
	})
}

// flushBuffer dispatches under the app read lock.
func (m *ShuffleBufferManager) flushBuffer(buf ShuffleBuffer, appID string,
	shuffleID, startPartition, endPartition int, isHuge bool) {
	if lock := m.appReadLock(appID); lock != nil {
		lock.RLock()
		defer lock.RUnlock()
	}
	m.flushBufferLocked(buf, appID, shuffleID, startPartition, endPartition, isHuge)
}

// flushBufferLocked dispatches one buffer; the caller holds the app read
// lock (or there is no task manager to provide one).
func (m *ShuffleBufferManager) flushBufferLocked(buf ShuffleBuffer, appID string,
	shuffleID, startPartition, endPartition int, isHuge bool) {
	if !m.containsShuffle(appID, shuffleID) {
		log.Info("shuffle has already been removed, no need to flush the buffer",
			zap.String("appId", appID), zap.Int("shuffleId", shuffleID))
		return
	}
	event := buf.ToFlushEvent(appID, shuffleID, startPartition, endPartition,
		func() bool { return m.containsShuffle(appID, shuffleID) },
		m.flushManager.GetDataDistributionType(appID))
	if event == nil {
		return
	}
	encodedLength := event.EncodedLength
	event.AddCleanupCallback(func() {
		m.ReleaseMemory(encodedLength, true, false)
	})
	m.updateShuffleSize(appID, shuffleID, -encodedLength)
	m.inFlushSize.Add(encodedLength)
	if isHuge {
		event.MarkOwnedByHugePartition()
	}
	metrics.GaugeInFlushBufferSize.Set(float64(m.inFlushSize.Load()))
	metrics.CounterTotalFlushNum.Inc()
	if !m.flushManager.AddToFlushQueue(event) {
		log.Warn("flush queue rejected event", zap.Stringer("event", event))
	}
}

func (m *ShuffleBufferManager) containsShuffle(appID string, shuffleID int) bool {
	appShuffles, ok := m.bufferPool.Load(appID)
	if !ok {
		return false
	}
	_, ok = appShuffles.(*sync.Map).Load(shuffleID)
	return ok
}

func (m *ShuffleBufferManager) appReadLock(appID string) *sync.RWMutex {
	if m.taskManager == nil {
		return nil
	}
	return m.taskManager.GetAppReadLock(appID)
}

func (m *ShuffleBufferManager) isHugePartition(appID string, shuffleID, partitionID int) bool {
	return m.taskManager != nil && m.taskManager.IsHugePartition(appID, shuffleID, partitionID)
}

// RemoveBuffer drops every shuffle of an app. The caller (task layer)
// holds the app write lock so no flush dispatch is concurrent.
func (m *ShuffleBufferManager) RemoveBuffer(appID string) {
	appShuffles, ok := m.bufferPool.Load(appID)
	if !ok {
		return
	}
	var shuffleIDs []int
	appShuffles.(*sync.Map).Range(func(key, _ any) bool {
		shuffleIDs = append(shuffleIDs, key.(int))
		return true
	})
	m.RemoveBufferByShuffleID(appID, shuffleIDs)
	m.shuffleSizeMap.Delete(appID)
	m.bufferPool.Delete(appID)
	if m.appBlockSizeMetricEnabled {
		metrics.AppHistogramWriteBlockSize.DeleteLabelValues(appID)
	}
}

// RemoveBufferByShuffleID terminates every buffer of the listed shuffles
// and returns their live bytes to the pool. In-flush bytes come back
// through each pending event's cleanup.
func (m *ShuffleBufferManager) RemoveBufferByShuffleID(appID string, shuffleIDs []int) {
	appShuffles, ok := m.bufferPool.Load(appID)
	if !ok {
		return
	}
	appSizesAny, _ := m.shuffleSizeMap.Load(appID)
	for _, shuffleID := range shuffleIDs {
		rangesAny, ok := appShuffles.(*sync.Map).LoadAndDelete(shuffleID)
		if !ok {
			continue
		}
		rangesAny.(*partitionRanges).ascend(func(e *rangemap.Entry[ShuffleBuffer]) bool {
			released := e.Value.Release()
			metrics.GaugeTotalPartitionNum.Dec()
			m.ReleaseMemory(released, false, false)
			log.Debug("released partition buffer",
				zap.String("appId", appID),
				zap.Int("shuffleId", shuffleID),
				zap.Int("startPartition", e.Lo),
				zap.Int64("released", released))
			return true
		})
		if appSizesAny != nil {
			appSizesAny.(*sync.Map).Delete(shuffleID)
		}
	}
}

// RequireMemory reserves size bytes against the write budget. The check
// and the bump are serialized so concurrent reservations cannot oversell
// the capacity.
func (m *ShuffleBufferManager) RequireMemory(size int64, isPreAllocated bool) bool {
	m.requireMu.Lock()
	defer m.requireMu.Unlock()
	if m.capacity.Load()-m.usedMemory.Load() < size {
		log.Debug("require memory failed",
			zap.Int64("size", size),
			zap.Int64("usedMemory", m.usedMemory.Load()),
			zap.Int64("preAllocatedSize", m.preAllocatedSize.Load()),
			zap.Int64("inFlushSize", m.inFlushSize.Load()))
		return false
	}
	m.usedMemory.Add(size)
	metrics.GaugeUsedBufferSize.Set(float64(m.usedMemory.Load()))
	if isPreAllocated {
		m.requirePreAllocatedSize(size)
	}
	return true
}

// UpdateUsedMemory accounts bytes that arrived without a reservation.
func (m *ShuffleBufferManager) UpdateUsedMemory(delta int64) {
	m.usedMemory.Add(delta)
	metrics.GaugeUsedBufferSize.Set(float64(m.usedMemory.Load()))
}

// ReleaseMemory returns bytes to the pool, optionally also draining the
// in-flush or pre-allocated counters. Underflow clamps to zero with a
// warning; accounting drift must never take the server down.
func (m *ShuffleBufferManager) ReleaseMemory(size int64, isReleaseFlushMemory, isReleasePreAllocation bool) {
	if m.usedMemory.Load() >= size {
		m.usedMemory.Sub(size)
	} else {
		log.Warn("allocated memory is less than released, set allocated memory to 0",
			zap.Int64("usedMemory", m.usedMemory.Load()),
			zap.Int64("released", size))
		m.usedMemory.Store(0)
	}
	metrics.GaugeUsedBufferSize.Set(float64(m.usedMemory.Load()))
	if isReleaseFlushMemory {
		m.releaseFlushMemory(size)
	}
	if isReleasePreAllocation {
		m.ReleasePreAllocatedSize(size)
	}
}

func (m *ShuffleBufferManager) releaseFlushMemory(size int64) {
	if m.inFlushSize.Load() >= size {
		m.inFlushSize.Sub(size)
	} else {
		log.Warn("in flush memory is less than released, set in flush memory to 0",
			zap.Int64("inFlushSize", m.inFlushSize.Load()),
			zap.Int64("released", size))
		m.inFlushSize.Store(0)
	}
	metrics.GaugeInFlushBufferSize.Set(float64(m.inFlushSize.Load()))
}

func (m *ShuffleBufferManager) requirePreAllocatedSize(delta int64) {
	m.preAllocatedSize.Add(delta)
	metrics.GaugeAllocatedBufferSize.Set(float64(m.preAllocatedSize.Load()))
}

// ReleasePreAllocatedSize returns reservation bytes, for appends that
// consumed a reservation and for reservations that timed out.
func (m *ShuffleBufferManager) ReleasePreAllocatedSize(delta int64) {
	if m.preAllocatedSize.Load() >= delta {
		m.preAllocatedSize.Sub(delta)
	} else {
		log.Warn("pre-allocated memory is less than released, set pre-allocated memory to 0",
			zap.Int64("preAllocatedSize", m.preAllocatedSize.Load()),
			zap.Int64("released", delta))
		m.preAllocatedSize.Store(0)
	}
	metrics.GaugeAllocatedBufferSize.Set(float64(m.preAllocatedSize.Load()))
}

// RequireReadMemory reserves bytes against the read budget, which is
// independent from the write side.
func (m *ShuffleBufferManager) RequireReadMemory(size int64) bool {
	metrics.CounterTotalRequireReadMemoryNum.Inc()
	for {
		current := m.readDataMemory.Load()
		next := current + size
		if next >= m.readCapacity {
			log.Warn("can't require read memory",
				zap.Int64("size", size),
				zap.Int64("current", current),
				zap.Int64("capacity", m.readCapacity))
			metrics.CounterTotalRequireReadMemoryFailedNum.Inc()
			return false
		}
		if m.readDataMemory.CompareAndSwap(current, next) {
			metrics.GaugeReadBufferUsedSize.Add(float64(size))
			return true
		}
	}
}

// ReleaseReadMemory returns read budget bytes, clamping on underflow.
func (m *ShuffleBufferManager) ReleaseReadMemory(size int64) {
	if m.readDataMemory.Load() >= size {
		m.readDataMemory.Sub(size)
		metrics.GaugeReadBufferUsedSize.Sub(float64(size))
	} else {
		log.Warn("read memory is less than released, set read memory to 0",
			zap.Int64("readDataMemory", m.readDataMemory.Load()),
			zap.Int64("released", size))
		m.readDataMemory.Store(0)
		metrics.GaugeReadBufferUsedSize.Set(0)
	}
}

// IsFull reports whether the write budget is exhausted.
func (m *ShuffleBufferManager) IsFull() bool {
	return m.usedMemory.Load() >= m.capacity.Load()
}

type shuffleSizeEntry struct {
	appID     string
	shuffleID int
	size      int64
}

// pickFlushedShuffle sorts shuffles by buffered size and selects from the
// top until the expected flush amount is covered. Small shuffles below
// the flush threshold are left in memory unless needed for progress.
func (m *ShuffleBufferManager) pickFlushedShuffle() map[string]map[int]bool {
	sizeList := m.generateSizeList()
	sort.SliceStable(sizeList, func(i, j int) bool {
		return sizeList[i].size > sizeList[j].size
	})

	picked := make(map[string]map[int]bool)
	expectedFlushSize := m.highWaterMark.Load() - m.lowWaterMark.Load()
	atLeastFlushSizeIgnoreThreshold := expectedFlushSize >> 1
	var pickedFlushSize int64
	printed := 0
	const printMax = 10
	for _, entry := range sizeList {
		if entry.size <= m.shuffleFlushThreshold && pickedFlushSize > atLeastFlushSizeIgnoreThreshold {
			// The list is sorted; everything after this is smaller and
			// below the threshold, with enough already picked.
			break
		}
		pickedFlushSize += entry.size
		if picked[entry.appID] == nil {
			picked[entry.appID] = make(map[int]bool)
		}
		picked[entry.appID][entry.shuffleID] = true
		if printed < printMax {
			log.Info("pick shuffle to flush",
				zap.String("appId", entry.appID),
				zap.Int("shuffleId", entry.shuffleID),
				zap.Int64("bytes", entry.size))
			printed++
		}
		if pickedFlushSize > expectedFlushSize {
			log.Info("finish flush pick", zap.Int64("bytes", pickedFlushSize))
			break
		}
	}
	return picked
}

func (m *ShuffleBufferManager) generateSizeList() []shuffleSizeEntry {
	var sizeList []shuffleSizeEntry
	m.shuffleSizeMap.Range(func(appKey, appSizesAny any) bool {
		appID := appKey.(string)
		appSizesAny.(*sync.Map).Range(func(shuffleKey, sizeAny any) bool {
			sizeList = append(sizeList, shuffleSizeEntry{
				appID:     appID,
				shuffleID: shuffleKey.(int),
				size:      sizeAny.(*atomic.Int64).Load(),
			})
			return true
		})
		return true
	})
	return sizeList
}

// flushLocked drains the picked shuffles. Per-app read locks are taken
// with a bounded try so a stuck removal can only delay its own app.
func (m *ShuffleBufferManager) flushLocked(picked map[string]map[int]bool) {
	var pickedFlushSize int64
	expectedFlushSize := m.highWaterMark.Load() - m.lowWaterMark.Load()
	done := false
	m.bufferPool.Range(func(appKey, appShufflesAny any) bool {
		appID := appKey.(string)
		pickedShuffles, ok := picked[appID]
		if !ok {
			return true
		}
		if m.taskManager != nil && m.taskManager.IsAppExpired(appID) {
			return true
		}
		lock := m.appReadLock(appID)
		if lock != nil && !tryRLockWithTimeout(lock, m.flushTryLockTimeout) {
			log.Warn("skip flushing app, read lock not acquired",
				zap.String("appId", appID),
				zap.Duration("timeout", m.flushTryLockTimeout))
			return true
		}
		func() {
			if lock != nil {
				defer lock.RUnlock()
			}
			appShufflesAny.(*sync.Map).Range(func(shuffleKey, rangesAny any) bool {
				shuffleID := shuffleKey.(int)
				if !pickedShuffles[shuffleID] {
					return true
				}
				rangesAny.(*partitionRanges).ascend(func(e *rangemap.Entry[ShuffleBuffer]) bool {
					pickedFlushSize += e.Value.EncodedLength()
					m.flushBufferLocked(e.Value, appID, shuffleID, e.Lo, e.Hi,
						m.isHugePartition(appID, shuffleID, e.Lo))
					if pickedFlushSize > expectedFlushSize {
						log.Info("already picked enough buffers to flush",
							zap.Int64("bytes", pickedFlushSize))
						done = true
					}
					return !done
				})
				return !done
			})
		}()
		return !done
	})
}

// tryRLockWithTimeout polls TryRLock until the deadline. Go's RWMutex has
// no timed acquisition; the poll interval is far below the configured
// timeouts.
func tryRLockWithTimeout(l *sync.RWMutex, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if l.TryRLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// UsedMemory returns the used counter.
func (m *ShuffleBufferManager) UsedMemory() int64 { return m.usedMemory.Load() }

// PreAllocatedSize returns the reservation counter.
func (m *ShuffleBufferManager) PreAllocatedSize() int64 { return m.preAllocatedSize.Load() }

// InFlushSize returns the in-flush counter.
func (m *ShuffleBufferManager) InFlushSize() int64 { return m.inFlushSize.Load() }

// ReadUsedMemory returns the read-side counter.
func (m *ShuffleBufferManager) ReadUsedMemory() int64 { return m.readDataMemory.Load() }

// Capacity returns the current admission capacity (zero after Close).
func (m *ShuffleBufferManager) Capacity() int64 { return m.capacity.Load() }

// ReadCapacity returns the read budget.
func (m *ShuffleBufferManager) ReadCapacity() int64 { return m.readCapacity }

// HugePartitionMemoryLimitSize returns the memory cap for huge
// partitions.
func (m *ShuffleBufferManager) HugePartitionMemoryLimitSize() int64 {
	return m.hugePartitionMemoryLimitSize
}

// SetUsedMemory overwrites the used counter. Test hook.
func (m *ShuffleBufferManager) SetUsedMemory(v int64) { m.usedMemory.Store(v) }

// BlockCountInPool sums live blocks over every buffer.
func (m *ShuffleBufferManager) BlockCountInPool() int64 {
	return m.sumBuffers(func(b ShuffleBuffer) int64 { return b.BlockCount() })
}

// InFlushBlockCountInPool sums in-flush blocks over every buffer.
func (m *ShuffleBufferManager) InFlushBlockCountInPool() int64 {
	return m.sumBuffers(func(b ShuffleBuffer) int64 { return b.InFlushBlockCount() })
}

// BufferCountInPool counts partition buffers.
func (m *ShuffleBufferManager) BufferCountInPool() int64 {
	var count int64
	m.bufferPool.Range(func(_, appShufflesAny any) bool {
		appShufflesAny.(*sync.Map).Range(func(_, rangesAny any) bool {
			count += int64(rangesAny.(*partitionRanges).len())
			return true
		})
		return true
	})
	return count
}

// ShuffleCountInPool counts shuffles with registered buffers.
func (m *ShuffleBufferManager) ShuffleCountInPool() int64 {
	var count int64
	m.bufferPool.Range(func(_, appShufflesAny any) bool {
		appShufflesAny.(*sync.Map).Range(func(_, _ any) bool {
			count++
			return true
		})
		return true
	})
	return count
}

func (m *ShuffleBufferManager) sumBuffers(fn func(b ShuffleBuffer) int64) int64 {
	var sum int64
	m.bufferPool.Range(func(_, appShufflesAny any) bool {
		appShufflesAny.(*sync.Map).Range(func(_, rangesAny any) bool {
			rangesAny.(*partitionRanges).ascend(func(e *rangemap.Entry[ShuffleBuffer]) bool {
				sum += fn(e.Value)
				return true
			})
			return true
		})
		return true
	})
	return sum
}

// Close shuts the pool down: new reservations fail, every buffer is
// force-flushed and the manager waits (bounded) for in-flush bytes to
// drain.
func (m *ShuffleBufferManager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.closeCh)
	m.wg.Wait()
	m.capacity.Store(0)

	type shuffleRef struct {
		appID     string
		shuffleID int
	}
	var refs []shuffleRef
	m.bufferPool.Range(func(appKey, appShufflesAny any) bool {
		appShufflesAny.(*sync.Map).Range(func(shuffleKey, _ any) bool {
			refs = append(refs, shuffleRef{appKey.(string), shuffleKey.(int)})
			return true
		})
		return true
	})
	for _, ref := range refs {
		m.CommitShuffleTask(ref.appID, ref.shuffleID)
	}

	deadline := time.Now().Add(shutdownDrainTimeout)
	for m.inFlushSize.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if remaining := m.inFlushSize.Load(); remaining > 0 {
		log.Warn("in-flush memory not drained before shutdown",
			zap.Int64("remaining", remaining))
	}
	log.Info("shuffle buffer manager closed",
		zap.Int64("usedMemory", m.usedMemory.Load()))
}
