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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdjustDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Adjust())
	require.Greater(t, cfg.CapacityBytes(), int64(0))
	require.Greater(t, cfg.ReadCapacityBytes(), int64(0))
	require.Equal(t, int64(128*1024*1024), cfg.SingleBufferFlushBytes())
	require.Equal(t, 100*time.Millisecond, cfg.FlushTryLockTimeoutD())
	require.Equal(t, 60*time.Second, cfg.AppExpiryD())
}

func TestExplicitSizesWinOverRatios(t *testing.T) {
	cfg := NewConfig()
	cfg.Capacity = "1GB"
	cfg.ReadCapacity = "256MB"
	require.NoError(t, cfg.Adjust())
	require.Equal(t, int64(1<<30), cfg.CapacityBytes())
	require.Equal(t, int64(256<<20), cfg.ReadCapacityBytes())
}

func TestWatermarkValidation(t *testing.T) {
	cfg := NewConfig()
	cfg.Capacity = "1GB"
	cfg.HighWatermarkPct = 30
	cfg.LowWatermarkPct = 30
	require.Error(t, cfg.Adjust())

	cfg.HighWatermarkPct = 20
	cfg.LowWatermarkPct = 40
	require.Error(t, cfg.Adjust())

	cfg.HighWatermarkPct = 120
	cfg.LowWatermarkPct = 10
	require.Error(t, cfg.Adjust())
}

func TestInvalidOptions(t *testing.T) {
	cfg := NewConfig()
	cfg.Capacity = "1GB"
	cfg.BufferType = "btree"
	require.Error(t, cfg.Adjust())

	cfg = NewConfig()
	cfg.Capacity = "1GB"
	cfg.FlushTryLockTimeout = "forever"
	require.Error(t, cfg.Adjust())

	cfg = NewConfig()
	cfg.Capacity = "1GB"
	cfg.LABEnabled = true
	cfg.LABPoolRatio = 1.5
	require.Error(t, cfg.Adjust())

	cfg = NewConfig()
	cfg.Capacity = "not-a-size"
	require.Error(t, cfg.Adjust())
}

func TestLoadFromFile(t *testing.T) {
	content := `
capacity = "2GB"
read-capacity = "512MB"
high-watermark-pct = 80.0
low-watermark-pct = 40.0
buffer-type = "skiplist"
single-buffer-flush-enabled = true
single-buffer-flush-threshold = "64MB"

[log]
level = "warn"

[status]
status-addr = "127.0.0.1:29998"
`
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(2<<30), cfg.CapacityBytes())
	require.Equal(t, int64(512<<20), cfg.ReadCapacityBytes())
	require.Equal(t, 80.0, cfg.HighWatermarkPct)
	require.Equal(t, BufferTypeSkipList, cfg.BufferType)
	require.True(t, cfg.SingleBufferFlushEnabled)
	require.Equal(t, int64(64<<20), cfg.SingleBufferFlushBytes())
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "127.0.0.1:29998", cfg.Status.StatusAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestRegistryDispatch(t *testing.T) {
	cfg := NewConfig()
	cfg.Capacity = "1GB"
	require.NoError(t, cfg.Adjust())

	reg := NewRegistry()
	var gotHigh, gotLow bool
	reg.Register(func(c *Config, changed map[string]bool) {
		gotHigh = gotHigh || changed[KeyHighWatermarkPct]
		gotLow = gotLow || changed[KeyLowWatermarkPct]
	}, KeyHighWatermarkPct, KeyLowWatermarkPct)

	var other int
	reg.Register(func(c *Config, changed map[string]bool) {
		other++
	}, "unrelated-key")

	cfg.HighWatermarkPct = 90
	reg.Update(cfg, KeyHighWatermarkPct)
	require.True(t, gotHigh)
	require.False(t, gotLow)
	require.Zero(t, other)

	cfg.LowWatermarkPct = 10
	reg.Update(cfg, KeyLowWatermarkPct)
	require.True(t, gotLow)
}
