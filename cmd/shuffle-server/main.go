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

package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/xianjingfeng/uniffle/config"
	"github.com/xianjingfeng/uniffle/metrics"
	"github.com/xianjingfeng/uniffle/server"
	"github.com/xianjingfeng/uniffle/server/buffer"
	"github.com/xianjingfeng/uniffle/util/logutil"
)

var (
	configPath string
	logLevel   string
)

func main() {
	cmd := &cobra.Command{
		Use:           "shuffle-server",
		Short:         "Remote shuffle server buffer pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	if err := cmd.Execute(); err != nil {
		log.Fatal("shuffle-server exited", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Annotate(err, "load config")
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logutil.InitLogger(&cfg.Log); err != nil {
		return errors.Annotate(err, "init logger")
	}
	metrics.RegisterMetrics()

	registry := config.NewRegistry()
	taskManager := server.NewTaskManager(cfg)
	flushManager := server.NewFlushManager(cfg, taskManager, server.NewLocalFileWriter(cfg.DataDir))
	bufferManager := buffer.NewShuffleBufferManager(cfg, flushManager, registry)
	bufferManager.SetShuffleTaskManager(taskManager)
	taskManager.SetBufferManager(bufferManager)

	metrics.RegisterBufferPoolGauges(
		func() float64 { return float64(bufferManager.BlockCountInPool()) },
		func() float64 { return float64(bufferManager.InFlushBlockCountInPool()) },
		func() float64 { return float64(bufferManager.BufferCountInPool()) },
		func() float64 { return float64(bufferManager.ShuffleCountInPool()) },
	)

	flushManager.Start()
	taskManager.Start()
	if cfg.Status.ReportStatus {
		go startStatusServer(cfg, bufferManager)
	}
	log.Info("shuffle server started",
		zap.Int64("capacity", bufferManager.Capacity()),
		zap.String("dataDir", cfg.DataDir))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	bufferManager.Close()
	flushManager.Stop()
	taskManager.Stop()
	return nil
}

type status struct {
	Capacity         int64 `json:"capacity"`
	UsedMemory       int64 `json:"used_memory"`
	PreAllocatedSize int64 `json:"pre_allocated_size"`
	InFlushSize      int64 `json:"in_flush_size"`
	ReadUsedMemory   int64 `json:"read_used_memory"`
}

func startStatusServer(cfg *config.Config, bm *buffer.ShuffleBufferManager) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		st := status{
			Capacity:         bm.Capacity(),
			UsedMemory:       bm.UsedMemory(),
			PreAllocatedSize: bm.PreAllocatedSize(),
			InFlushSize:      bm.InFlushSize(),
			ReadUsedMemory:   bm.ReadUsedMemory(),
		}
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Error("encode status", zap.Error(err))
		}
	})
	log.Info("listening for status and metrics report",
		zap.String("addr", cfg.Status.StatusAddr))
	if err := http.ListenAndServe(cfg.Status.StatusAddr, router); err != nil {
		log.Error("status server stopped", zap.Error(err))
	}
}
