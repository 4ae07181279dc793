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

// Package server wires the buffer pool core to its collaborators: the
// task layer that tracks app liveness and locks, and the flush layer that
// drains dispatched events to storage.
package server

import (
	"context"
	"sync"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/xianjingfeng/uniffle/config"
	"github.com/xianjingfeng/uniffle/server/buffer"
	"github.com/xianjingfeng/uniffle/types"
)

type appInfo struct {
	distribution types.DataDistributionType
}

type partitionKey struct {
	appID       string
	shuffleID   int
	partitionID int
}

// TaskManager tracks registered apps: their heartbeat-driven liveness,
// their read/write locks and per-partition sizes for huge partition
// classification. Apps whose heartbeats stop are expired and their
// buffers removed.
type TaskManager struct {
	hugePartitionSizeThreshold int64

	apps  *ttlcache.Cache[string, *appInfo]
	locks sync.Map // appID -> *sync.RWMutex
	sizes sync.Map // partitionKey -> *atomic.Int64

	mu            sync.Mutex
	bufferManager *buffer.ShuffleBufferManager
}

// NewTaskManager builds the task layer from an adjusted config.
func NewTaskManager(cfg *config.Config) *TaskManager {
	tm := &TaskManager{
		hugePartitionSizeThreshold: cfg.HugePartitionSizeThresholdBytes(),
		apps: ttlcache.New[string, *appInfo](
			ttlcache.WithTTL[string, *appInfo](cfg.AppExpiryD()),
			ttlcache.WithDisableTouchOnHit[string, *appInfo](),
		),
	}
	tm.apps.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *appInfo]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// The callback runs under the cache lock; resource removal takes
		// app locks and walks the pool, so it moves off this goroutine.
		appID := item.Key()
		go func() {
			log.Info("app expired, removing its resources", zap.String("appId", appID))
			tm.removeResources(appID)
		}()
	})
	return tm
}

// SetBufferManager attaches the buffer pool; the two reference each
// other, so this runs after both are constructed.
func (tm *TaskManager) SetBufferManager(bm *buffer.ShuffleBufferManager) {
	tm.mu.Lock()
	tm.bufferManager = bm
	tm.mu.Unlock()
}

// Start begins the heartbeat expiry loop.
func (tm *TaskManager) Start() {
	go tm.apps.Start()
}

// Stop halts the expiry loop.
func (tm *TaskManager) Stop() {
	tm.apps.Stop()
}

// Register records an app and its data distribution. Re-registration
// refreshes the heartbeat.
func (tm *TaskManager) Register(appID string, distribution types.DataDistributionType) {
	tm.apps.Set(appID, &appInfo{distribution: distribution}, ttlcache.DefaultTTL)
}

// Heartbeat refreshes an app's expiry clock.
func (tm *TaskManager) Heartbeat(appID string) {
	item := tm.apps.Get(appID)
	if item == nil {
		log.Warn("heartbeat for unknown app", zap.String("appId", appID))
		tm.Register(appID, types.DistributionNormal)
		return
	}
	tm.apps.Set(appID, item.Value(), ttlcache.DefaultTTL)
}

// GetAppReadLock returns the app's lock. Flush dispatch holds it shared;
// app removal holds it exclusive.
func (tm *TaskManager) GetAppReadLock(appID string) *sync.RWMutex {
	lockAny, _ := tm.locks.LoadOrStore(appID, &sync.RWMutex{})
	return lockAny.(*sync.RWMutex)
}

// IsAppExpired reports whether the app's heartbeats have stopped.
func (tm *TaskManager) IsAppExpired(appID string) bool {
	return tm.apps.Get(appID, ttlcache.WithDisableTouchOnHit[string, *appInfo]()) == nil
}

// GetDataDistributionType returns the distribution the app registered
// with.
func (tm *TaskManager) GetDataDistributionType(appID string) types.DataDistributionType {
	item := tm.apps.Get(appID)
	if item == nil {
		return types.DistributionNormal
	}
	return item.Value().distribution
}

// RecordPartitionSize accumulates flushed-plus-buffered bytes of one
// partition; the RPC layer calls it on every successful cache operation.
func (tm *TaskManager) RecordPartitionSize(appID string, shuffleID, partitionID int, delta int64) {
	sizeAny, _ := tm.sizes.LoadOrStore(partitionKey{appID, shuffleID, partitionID}, atomic.NewInt64(0))
	sizeAny.(*atomic.Int64).Add(delta)
}

// PartitionSize returns the recorded size of one partition.
func (tm *TaskManager) PartitionSize(appID string, shuffleID, partitionID int) int64 {
	sizeAny, ok := tm.sizes.Load(partitionKey{appID, shuffleID, partitionID})
	if !ok {
		return 0
	}
	return sizeAny.(*atomic.Int64).Load()
}

// IsHugePartition reports whether a partition crossed the configured size
// threshold. Huge partitions are flushed by the single-buffer path even
// when per-buffer flushing is disabled; no size cap is enforced on them.
func (tm *TaskManager) IsHugePartition(appID string, shuffleID, partitionID int) bool {
	return tm.hugePartitionSizeThreshold > 0 &&
		tm.PartitionSize(appID, shuffleID, partitionID) > tm.hugePartitionSizeThreshold
}

// RemoveApp drops every trace of an app: its buffers (under the app write
// lock), its partition sizes, its lock and its liveness entry.
func (tm *TaskManager) RemoveApp(appID string) {
	tm.apps.Delete(appID)
	tm.removeResources(appID)
}

func (tm *TaskManager) removeResources(appID string) {
	lock := tm.GetAppReadLock(appID)
	lock.Lock()
	tm.mu.Lock()
	bm := tm.bufferManager
	tm.mu.Unlock()
	if bm != nil {
		bm.RemoveBuffer(appID)
	}
	lock.Unlock()

	tm.sizes.Range(func(key, _ any) bool {
		if key.(partitionKey).appID == appID {
			tm.sizes.Delete(key)
		}
		return true
	})
	tm.locks.Delete(appID)
	log.Info("removed app resources", zap.String("appId", appID))
}
