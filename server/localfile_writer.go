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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pingcap/errors"

	"github.com/xianjingfeng/uniffle/server/buffer"
)

// LocalFileWriter appends flushed blocks to per-partition-range data
// files, with a sibling index file describing each block. It is a minimal
// sink; richer storages implement StorageWriter elsewhere.
type LocalFileWriter struct {
	baseDir string

	// Flush workers can race on the same partition range; appends to one
	// file pair must be serialized.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalFileWriter builds a writer rooted at baseDir.
func NewLocalFileWriter(baseDir string) *LocalFileWriter {
	return &LocalFileWriter{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (w *LocalFileWriter) fileLock(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	return l
}

// Write implements StorageWriter.
func (w *LocalFileWriter) Write(event *buffer.ShuffleDataFlushEvent) error {
	dir := filepath.Join(w.baseDir, event.AppID, strconv.Itoa(event.ShuffleID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Annotate(err, "create shuffle dir")
	}
	base := filepath.Join(dir, fmt.Sprintf("partition-%d-%d", event.StartPartition, event.EndPartition))

	lock := w.fileLock(base)
	lock.Lock()
	defer lock.Unlock()

	dataFile, err := os.OpenFile(base+".data", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Annotate(err, "open data file")
	}
	defer dataFile.Close()
	indexFile, err := os.OpenFile(base+".index", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Annotate(err, "open index file")
	}
	defer indexFile.Close()

	info, err := dataFile.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	offset := info.Size()

	for _, block := range event.Blocks {
		if _, err := dataFile.Write(block.Data[:block.DataLength()]); err != nil {
			return errors.Annotate(err, "append block data")
		}
		record := []any{
			block.BlockID,
			offset,
			block.DataLength(),
			block.UncompressLength,
			block.Crc,
			block.TaskAttemptID,
		}
		for _, field := range record {
			if err := binary.Write(indexFile, binary.BigEndian, field); err != nil {
				return errors.Annotate(err, "append block index")
			}
		}
		offset += int64(block.DataLength())
	}
	return nil
}
