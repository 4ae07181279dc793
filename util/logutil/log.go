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

package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// DefaultLogLevel is used when the config leaves the level empty.
	DefaultLogLevel = "info"
	// DefaultLogFormat is used when the config leaves the format empty.
	DefaultLogFormat = "text"
)

// LogConfig carries the logging section of the server config.
type LogConfig struct {
	// Level is one of debug, info, warn, error, fatal.
	Level string `toml:"level" json:"level"`
	// Format is one of text or json.
	Format string `toml:"format" json:"format"`
	// File is the log file path. Empty means stderr.
	File string `toml:"file" json:"file"`
	// MaxSize is the max size of the log file in MB before rotation.
	MaxSize int `toml:"max-size" json:"max-size"`
	// MaxDays is how long rotated files are retained.
	MaxDays int `toml:"max-days" json:"max-days"`
	// MaxBackups is how many rotated files are retained.
	MaxBackups int `toml:"max-backups" json:"max-backups"`
}

// InitLogger sets up the global logger used by every package. It must be
// called once, before any component starts logging.
func InitLogger(cfg *LogConfig) error {
	level := cfg.Level
	if level == "" {
		level = DefaultLogLevel
	}
	format := cfg.Format
	if format == "" {
		format = DefaultLogFormat
	}
	logCfg := &log.Config{
		Level:  level,
		Format: format,
	}
	if cfg.File != "" {
		logCfg.File = log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxDays:    cfg.MaxDays,
			MaxBackups: cfg.MaxBackups,
		}
	}
	logger, props, err := log.InitLogger(logCfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// BgLogger returns the logger for background goroutines.
func BgLogger() *zap.Logger {
	return log.L()
}
