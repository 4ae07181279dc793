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

package server

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xianjingfeng/uniffle/config"
	"github.com/xianjingfeng/uniffle/metrics"
	"github.com/xianjingfeng/uniffle/server/buffer"
	"github.com/xianjingfeng/uniffle/types"
)

// StorageWriter persists the blocks of one flush event. Implementations
// may be slow; the flush worker pool absorbs the latency.
type StorageWriter interface {
	Write(event *buffer.ShuffleDataFlushEvent) error
}

// FlushManager drains flush events from a bounded queue to storage. Every
// accepted event has its cleanup run after the write attempt, success or
// not, so the pool's memory is always returned.
type FlushManager struct {
	writer      StorageWriter
	taskManager *TaskManager

	mu      sync.RWMutex
	stopped bool
	queue   chan *buffer.ShuffleDataFlushEvent
	eg      errgroup.Group
	workers int
}

// NewFlushManager builds the flush layer from an adjusted config.
func NewFlushManager(cfg *config.Config, tm *TaskManager, writer StorageWriter) *FlushManager {
	return &FlushManager{
		writer:      writer,
		taskManager: tm,
		queue:       make(chan *buffer.ShuffleDataFlushEvent, cfg.FlushQueueCapacity),
		workers:     cfg.FlushWorkerNum,
	}
}

// Start launches the worker pool.
func (f *FlushManager) Start() {
	for i := 0; i < f.workers; i++ {
		f.eg.Go(func() error {
			for event := range f.queue {
				f.processEvent(event)
			}
			return nil
		})
	}
}

// Stop rejects new events, drains the queue and waits for the workers.
func (f *FlushManager) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	close(f.queue)
	f.mu.Unlock()
	_ = f.eg.Wait()
}

// AddToFlushQueue enqueues without blocking. A full queue or a stopped
// manager rejects the event after running its cleanup; backpressure is
// the pool's memory counters, not this queue.
func (f *FlushManager) AddToFlushQueue(event *buffer.ShuffleDataFlushEvent) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		event.DoCleanup()
		return false
	}
	select {
	case f.queue <- event:
		return true
	default:
		log.Warn("flush queue full, dropping event", zap.Stringer("event", event))
		metrics.CounterDroppedFlushNum.Inc()
		event.DoCleanup()
		return false
	}
}

// GetDataDistributionType reports how an app's flushed blocks should be
// laid out.
func (f *FlushManager) GetDataDistributionType(appID string) types.DataDistributionType {
	if f.taskManager == nil {
		return types.DistributionNormal
	}
	return f.taskManager.GetDataDistributionType(appID)
}

// PendingEvents returns the queue depth.
func (f *FlushManager) PendingEvents() int {
	return len(f.queue)
}

func (f *FlushManager) processEvent(event *buffer.ShuffleDataFlushEvent) {
	defer event.DoCleanup()
	if !event.IsValid() {
		log.Info("discard event of removed shuffle", zap.Stringer("event", event))
		return
	}
	if err := f.writer.Write(event); err != nil {
		log.Error("flush event failed", zap.Stringer("event", event), zap.Error(err))
	}
}
