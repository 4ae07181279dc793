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

package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/xianjingfeng/uniffle/util/logutil"
)

// Buffer layout names accepted by buffer-type.
const (
	BufferTypeLinkedList = "linkedlist"
	BufferTypeSkipList   = "skiplist"
)

// Config contains the shuffle server configuration options.
//
// Sizes are human-readable strings ("8GB", "128kb"); a size of "" defers to
// the matching ratio, resolved against total system memory. Durations are
// strings accepted by time.ParseDuration.
type Config struct {
	Capacity          string  `toml:"capacity" json:"capacity"`
	CapacityRatio     float64 `toml:"capacity-ratio" json:"capacity-ratio"`
	ReadCapacity      string  `toml:"read-capacity" json:"read-capacity"`
	ReadCapacityRatio float64 `toml:"read-capacity-ratio" json:"read-capacity-ratio"`

	HighWatermarkPct float64 `toml:"high-watermark-pct" json:"high-watermark-pct"`
	LowWatermarkPct  float64 `toml:"low-watermark-pct" json:"low-watermark-pct"`

	SingleBufferFlushEnabled   bool   `toml:"single-buffer-flush-enabled" json:"single-buffer-flush-enabled"`
	SingleBufferFlushThreshold string `toml:"single-buffer-flush-threshold" json:"single-buffer-flush-threshold"`
	SingleBufferFlushBlocks    int64  `toml:"single-buffer-flush-blocks" json:"single-buffer-flush-blocks"`

	ShuffleFlushThreshold string `toml:"shuffle-flush-threshold" json:"shuffle-flush-threshold"`
	FlushTryLockTimeout   string `toml:"flush-trylock-timeout" json:"flush-trylock-timeout"`

	BufferType string `toml:"buffer-type" json:"buffer-type"`

	LABEnabled       bool    `toml:"lab-enabled" json:"lab-enabled"`
	LABChunkSize     string  `toml:"lab-chunk-size" json:"lab-chunk-size"`
	LABPoolRatio     float64 `toml:"lab-pool-ratio" json:"lab-pool-ratio"`
	LABMaxAllocRatio float64 `toml:"lab-max-alloc-ratio" json:"lab-max-alloc-ratio"`

	HugePartitionMemoryLimitRatio float64 `toml:"huge-partition-memory-limit-ratio" json:"huge-partition-memory-limit-ratio"`
	HugePartitionSizeThreshold    string  `toml:"huge-partition-size-threshold" json:"huge-partition-size-threshold"`
	HugePartitionSizeHardLimit    string  `toml:"huge-partition-size-hard-limit" json:"huge-partition-size-hard-limit"`
	HugePartitionSplitLimit       string  `toml:"huge-partition-split-limit" json:"huge-partition-split-limit"`

	BufferFlushWhenCachingData bool `toml:"buffer-flush-when-caching-data" json:"buffer-flush-when-caching-data"`
	AppBlockSizeMetricEnabled  bool `toml:"app-block-size-metric-enabled" json:"app-block-size-metric-enabled"`

	AppExpiry string `toml:"app-expiry" json:"app-expiry"`

	FlushQueueCapacity int    `toml:"flush-queue-capacity" json:"flush-queue-capacity"`
	FlushWorkerNum     int    `toml:"flush-worker-num" json:"flush-worker-num"`
	DataDir            string `toml:"data-dir" json:"data-dir"`

	Log    logutil.LogConfig `toml:"log" json:"log"`
	Status Status            `toml:"status" json:"status"`

	resolved resolved
}

// Status is the status server section of the config.
type Status struct {
	ReportStatus bool   `toml:"report-status" json:"report-status"`
	StatusAddr   string `toml:"status-addr" json:"status-addr"`
}

// resolved holds the numeric values computed by Adjust.
type resolved struct {
	capacity               int64
	readCapacity           int64
	singleBufferFlushBytes int64
	shuffleFlushThreshold  int64
	flushTryLockTimeout    time.Duration
	labChunkSize           int64
	hugePartitionThreshold int64
	hugePartitionHardLimit int64
	hugePartitionSplit     int64
	appExpiry              time.Duration
}

var defaultConf = Config{
	Capacity:                   "",
	CapacityRatio:              0.6,
	ReadCapacity:               "",
	ReadCapacityRatio:          0.2,
	HighWatermarkPct:           75,
	LowWatermarkPct:            25,
	SingleBufferFlushEnabled:   false,
	SingleBufferFlushThreshold: "128MB",
	SingleBufferFlushBlocks:    1 << 30,
	ShuffleFlushThreshold:      "0",
	FlushTryLockTimeout:        "100ms",
	BufferType:                 BufferTypeLinkedList,
	LABEnabled:                 false,
	LABChunkSize:               "4MB",
	LABPoolRatio:               0.5,
	LABMaxAllocRatio:           0.2,

	HugePartitionMemoryLimitRatio: 0.2,
	HugePartitionSizeThreshold:    "20GB",
	HugePartitionSizeHardLimit:    "1PB",
	HugePartitionSplitLimit:       "1PB",

	BufferFlushWhenCachingData: false,
	AppBlockSizeMetricEnabled:  false,

	AppExpiry: "60s",

	FlushQueueCapacity: 1024,
	FlushWorkerNum:     4,
	DataDir:            "/tmp/uniffle",

	Log: logutil.LogConfig{
		Level:  "info",
		Format: "text",
	},
	Status: Status{
		ReportStatus: true,
		StatusAddr:   "0.0.0.0:19998",
	},
}

// NewConfig returns a Config filled with defaults. Adjust must still run
// before the config is used.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// Load reads a TOML file over the defaults and resolves it. An empty path
// yields the adjusted defaults.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Annotate(err, "decode config file")
		}
	}
	if err := cfg.Adjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Adjust parses sizes and durations, resolves capacity ratios against the
// system memory and validates the result. A config with
// high-watermark-pct <= low-watermark-pct refuses to start.
func (c *Config) Adjust() error {
	var err error
	if c.resolved.capacity, err = c.resolveCapacity(c.Capacity, c.CapacityRatio); err != nil {
		return errors.Annotate(err, "capacity")
	}
	if c.resolved.readCapacity, err = c.resolveCapacity(c.ReadCapacity, c.ReadCapacityRatio); err != nil {
		return errors.Annotate(err, "read-capacity")
	}
	if c.resolved.singleBufferFlushBytes, err = parseSize(c.SingleBufferFlushThreshold); err != nil {
		return errors.Annotate(err, "single-buffer-flush-threshold")
	}
	if c.resolved.shuffleFlushThreshold, err = parseSize(c.ShuffleFlushThreshold); err != nil {
		return errors.Annotate(err, "shuffle-flush-threshold")
	}
	if c.resolved.labChunkSize, err = parseSize(c.LABChunkSize); err != nil {
		return errors.Annotate(err, "lab-chunk-size")
	}
	if c.resolved.hugePartitionThreshold, err = parseSize(c.HugePartitionSizeThreshold); err != nil {
		return errors.Annotate(err, "huge-partition-size-threshold")
	}
	if c.resolved.hugePartitionHardLimit, err = parseSize(c.HugePartitionSizeHardLimit); err != nil {
		return errors.Annotate(err, "huge-partition-size-hard-limit")
	}
	if c.resolved.hugePartitionSplit, err = parseSize(c.HugePartitionSplitLimit); err != nil {
		return errors.Annotate(err, "huge-partition-split-limit")
	}
	if c.resolved.flushTryLockTimeout, err = time.ParseDuration(c.FlushTryLockTimeout); err != nil {
		return errors.Annotate(err, "flush-trylock-timeout")
	}
	if c.resolved.appExpiry, err = time.ParseDuration(c.AppExpiry); err != nil {
		return errors.Annotate(err, "app-expiry")
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.resolved.capacity <= 0 {
		return errors.Errorf("buffer capacity must be positive, got %d", c.resolved.capacity)
	}
	if c.resolved.readCapacity <= 0 {
		return errors.Errorf("read capacity must be positive, got %d", c.resolved.readCapacity)
	}
	if c.HighWatermarkPct <= 0 || c.HighWatermarkPct > 100 {
		return errors.Errorf("high-watermark-pct out of (0, 100]: %v", c.HighWatermarkPct)
	}
	if c.LowWatermarkPct < 0 || c.LowWatermarkPct > 100 {
		return errors.Errorf("low-watermark-pct out of [0, 100]: %v", c.LowWatermarkPct)
	}
	if c.HighWatermarkPct <= c.LowWatermarkPct {
		return errors.Errorf("high-watermark-pct (%v) must be greater than low-watermark-pct (%v)",
			c.HighWatermarkPct, c.LowWatermarkPct)
	}
	if c.BufferType != BufferTypeLinkedList && c.BufferType != BufferTypeSkipList {
		return errors.Errorf("unknown buffer-type %q", c.BufferType)
	}
	if c.LABEnabled {
		if c.resolved.labChunkSize <= 0 {
			return errors.Errorf("lab-chunk-size must be positive")
		}
		if c.LABPoolRatio <= 0 || c.LABPoolRatio > 1 {
			return errors.Errorf("lab-pool-ratio out of (0, 1]: %v", c.LABPoolRatio)
		}
		if c.LABMaxAllocRatio <= 0 || c.LABMaxAllocRatio > 1 {
			return errors.Errorf("lab-max-alloc-ratio out of (0, 1]: %v", c.LABMaxAllocRatio)
		}
	}
	if c.FlushQueueCapacity <= 0 {
		return errors.Errorf("flush-queue-capacity must be positive")
	}
	if c.FlushWorkerNum <= 0 {
		return errors.Errorf("flush-worker-num must be positive")
	}
	return nil
}

// resolveCapacity prefers the explicit size; an empty size falls back to
// ratio * total system memory.
func (c *Config) resolveCapacity(size string, ratio float64) (int64, error) {
	if size != "" {
		return parseSize(size)
	}
	if ratio <= 0 || ratio > 1 {
		return 0, errors.Errorf("capacity ratio out of (0, 1]: %v", ratio)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Annotate(err, "read system memory")
	}
	return int64(float64(vm.Total) * ratio), nil
}

func parseSize(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Annotatef(err, "parse size %q", s)
	}
	return n, nil
}

// CapacityBytes returns the resolved write-memory budget.
func (c *Config) CapacityBytes() int64 { return c.resolved.capacity }

// ReadCapacityBytes returns the resolved read-memory budget.
func (c *Config) ReadCapacityBytes() int64 { return c.resolved.readCapacity }

// SingleBufferFlushBytes returns the single-buffer flush size threshold.
func (c *Config) SingleBufferFlushBytes() int64 { return c.resolved.singleBufferFlushBytes }

// ShuffleFlushThresholdBytes returns the per-shuffle picker threshold.
func (c *Config) ShuffleFlushThresholdBytes() int64 { return c.resolved.shuffleFlushThreshold }

// FlushTryLockTimeoutD returns the app lock acquisition budget during
// watermark flushes.
func (c *Config) FlushTryLockTimeoutD() time.Duration { return c.resolved.flushTryLockTimeout }

// LABChunkSizeBytes returns the chunk allocator slab size.
func (c *Config) LABChunkSizeBytes() int64 { return c.resolved.labChunkSize }

// HugePartitionSizeThresholdBytes returns the size beyond which a partition
// counts as huge.
func (c *Config) HugePartitionSizeThresholdBytes() int64 { return c.resolved.hugePartitionThreshold }

// HugePartitionSizeHardLimitBytes returns the hard cap for one partition.
func (c *Config) HugePartitionSizeHardLimitBytes() int64 { return c.resolved.hugePartitionHardLimit }

// HugePartitionSplitLimitBytes returns the size that asks clients to split
// a partition.
func (c *Config) HugePartitionSplitLimitBytes() int64 { return c.resolved.hugePartitionSplit }

// AppExpiryD returns the heartbeat TTL after which an app is expired.
func (c *Config) AppExpiryD() time.Duration { return c.resolved.appExpiry }
