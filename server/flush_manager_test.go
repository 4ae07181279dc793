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
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/xianjingfeng/uniffle/config"
	"github.com/xianjingfeng/uniffle/server/buffer"
	"github.com/xianjingfeng/uniffle/types"
)

type fakeWriter struct {
	mu     sync.Mutex
	events []*buffer.ShuffleDataFlushEvent
	err    error
}

func (w *fakeWriter) Write(event *buffer.ShuffleDataFlushEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return w.err
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func flushTestConfig(t *testing.T, mutate func(cfg *config.Config)) *config.Config {
	cfg := config.NewConfig()
	cfg.Capacity = "64MB"
	cfg.ReadCapacity = "16MB"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Adjust())
	return cfg
}

func makeEvent(t *testing.T, size int, valid func() bool) (*buffer.ShuffleDataFlushEvent, *bool) {
	buf := buffer.NewShuffleBuffer(buffer.LayoutLinkedList, nil)
	data := make([]byte, size)
	buf.Append(&types.ShufflePartitionedData{
		PartitionID: 0,
		Blocks: []*types.ShufflePartitionedBlock{{
			BlockID: 1, Length: int32(size), UncompressLength: int32(size), Data: data,
		}},
	})
	event := buf.ToFlushEvent("appA", 1, 0, 0, valid, types.DistributionNormal)
	require.NotNil(t, event)
	cleaned := false
	event.AddCleanupCallback(func() { cleaned = true })
	return event, &cleaned
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFlushManagerWritesAndCleansUp(t *testing.T) {
	writer := &fakeWriter{}
	fm := NewFlushManager(flushTestConfig(t, nil), nil, writer)
	fm.Start()
	defer fm.Stop()

	event, cleaned := makeEvent(t, 128, nil)
	require.True(t, fm.AddToFlushQueue(event))
	waitFor(t, func() bool { return *cleaned })
	require.Equal(t, 1, writer.count())
}

func TestFlushManagerCleansUpOnWriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("disk gone")}
	fm := NewFlushManager(flushTestConfig(t, nil), nil, writer)
	fm.Start()
	defer fm.Stop()

	event, cleaned := makeEvent(t, 128, nil)
	require.True(t, fm.AddToFlushQueue(event))
	// The cleanup runs whether the flush succeeded or not.
	waitFor(t, func() bool { return *cleaned })
}

func TestFlushManagerSkipsInvalidEvents(t *testing.T) {
	writer := &fakeWriter{}
	fm := NewFlushManager(flushTestConfig(t, nil), nil, writer)
	fm.Start()
	defer fm.Stop()

	valid := true
	event, cleaned := makeEvent(t, 128, func() bool { return valid })
	// The owning shuffle goes away after dispatch, before the flush runs.
	valid = false
	require.True(t, fm.AddToFlushQueue(event))
	waitFor(t, func() bool { return *cleaned })
	require.Zero(t, writer.count())
}

func TestFlushManagerRejectsWhenQueueFull(t *testing.T) {
	writer := &fakeWriter{}
	// No workers started, so the queue never drains.
	fm := NewFlushManager(flushTestConfig(t, func(cfg *config.Config) {
		cfg.FlushQueueCapacity = 1
	}), nil, writer)

	first, _ := makeEvent(t, 16, nil)
	require.True(t, fm.AddToFlushQueue(first))

	second, cleaned := makeEvent(t, 16, nil)
	require.False(t, fm.AddToFlushQueue(second))
	// A rejected event still releases its memory.
	require.True(t, *cleaned)

	fm.Start()
	fm.Stop()
}

func TestFlushManagerStop(t *testing.T) {
	writer := &fakeWriter{}
	fm := NewFlushManager(flushTestConfig(t, nil), nil, writer)
	fm.Start()

	event, cleaned := makeEvent(t, 64, nil)
	require.True(t, fm.AddToFlushQueue(event))
	fm.Stop()
	// Stop drains queued events before returning.
	require.True(t, *cleaned)
	require.Equal(t, 1, writer.count())

	// After Stop, events are rejected with their cleanup run.
	late, lateCleaned := makeEvent(t, 64, nil)
	require.False(t, fm.AddToFlushQueue(late))
	require.True(t, *lateCleaned)
	fm.Stop() // idempotent
}
