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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LblApp is the label name for per-app metrics.
const LblApp = "app"

// Buffer pool metrics.
var (
	GaugeUsedBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "used_buffer_size",
			Help:      "Bytes of write buffer memory currently accounted as used.",
		})

	GaugeAllocatedBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "allocated_buffer_size",
			Help:      "Bytes reserved by clients but not yet delivered.",
		})

	GaugeInFlushBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "in_flush_buffer_size",
			Help:      "Bytes snapshotted into flush events and not yet acknowledged.",
		})

	GaugeReadBufferUsedSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "read_buffer_used_size",
			Help:      "Bytes of read buffer memory currently in use.",
		})

	CounterTotalPartitionNum = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "total_partition_total",
			Help:      "Counter of partition buffers ever registered.",
		})

	GaugeTotalPartitionNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "partition_num",
			Help:      "Number of live partition buffers.",
		})

	CounterTotalRequireReadMemoryNum = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "require_read_memory_total",
			Help:      "Counter of read memory acquisition attempts.",
		})

	CounterTotalRequireReadMemoryFailedNum = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "require_read_memory_failed_total",
			Help:      "Counter of read memory acquisition failures.",
		})

	CounterTotalFlushNum = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "flush_total",
			Help:      "Counter of flush events dispatched to the flush queue.",
		})

	CounterDroppedFlushNum = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "dropped_flush_total",
			Help:      "Counter of flush events rejected by a full flush queue.",
		})

	AppHistogramWriteBlockSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "uniffle",
			Subsystem: "server",
			Name:      "app_write_block_size",
			Help:      "Bucketed histogram of cached block sizes per app.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 12), // 256B ~ 1GB
		}, []string{LblApp})
)

// RegisterMetrics registers every collector of this package with the
// default registerer. Call it once from the server binary.
func RegisterMetrics() {
	prometheus.MustRegister(GaugeUsedBufferSize)
	prometheus.MustRegister(GaugeAllocatedBufferSize)
	prometheus.MustRegister(GaugeInFlushBufferSize)
	prometheus.MustRegister(GaugeReadBufferUsedSize)
	prometheus.MustRegister(CounterTotalPartitionNum)
	prometheus.MustRegister(GaugeTotalPartitionNum)
	prometheus.MustRegister(CounterTotalRequireReadMemoryNum)
	prometheus.MustRegister(CounterTotalRequireReadMemoryFailedNum)
	prometheus.MustRegister(CounterTotalFlushNum)
	prometheus.MustRegister(CounterDroppedFlushNum)
	prometheus.MustRegister(AppHistogramWriteBlockSize)
}

// RegisterBufferPoolGauges wires gauges that are computed by walking the
// buffer pool. The walkers run at scrape time.
func RegisterBufferPoolGauges(blockCount, inFlushBlockCount, bufferCount, shuffleCount func() float64) {
	newFunc := func(name, help string, fn func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "uniffle",
				Subsystem: "server",
				Name:      name,
				Help:      help,
			}, fn)
	}
	prometheus.MustRegister(newFunc("block_count_in_buffer_pool",
		"Number of blocks held by live partition buffers.", blockCount))
	prometheus.MustRegister(newFunc("in_flush_block_count_in_buffer_pool",
		"Number of blocks snapshotted into unacknowledged flush events.", inFlushBlockCount))
	prometheus.MustRegister(newFunc("buffer_count_in_buffer_pool",
		"Number of partition buffers in the pool.", bufferCount))
	prometheus.MustRegister(newFunc("shuffle_count_in_buffer_pool",
		"Number of shuffles with registered buffers.", shuffleCount))
}
