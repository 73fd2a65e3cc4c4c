// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
	MemoryKVType     = LsmKVType("memory")

	FIFOStyle      = CompactionStyle("fifo")
	LevelStyle     = CompactionStyle("level")
	UniversalStyle = CompactionStyle("universal")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrColumnNotFound = errors.New("column family not found")
)

type (
	CF              string
	LsmKVType       string
	CompactionStyle string

	// Store is an ordered key value engine partitioned by column families.
	Store interface {
		CreateColumn(col CF) error
		GetAllColumns() []CF
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List iterates keys in ascending order. A non nil prefix bounds the
		// iteration, a non empty marker sets the first key to read.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		Write(ctx context.Context, batch WriteBatch) error
		NewWriteBatch() WriteBatch
		FlushCF(ctx context.Context, col CF) error
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	ListReader interface {
		// ReadNextCopy returns copies of the next pair, or a nil key once
		// the range is exhausted.
		ReadNextCopy() (key []byte, value []byte, err error)
		// SeekTo moves to the first key not less than key, keeping the
		// prefix bound of the reader.
		SeekTo(key []byte)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		// DeleteRange removes keys in [startKey, endKey).
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Stats struct {
		Used        uint64      `json:"used"`
		Keys        uint64      `json:"keys"`
		MemoryUsage MemoryUsage `json:"memory_usage"`
	}
	MemoryUsage struct {
		BlockCacheUsage     uint64 `json:"block_cache_usage"`
		IndexAndFilterUsage uint64 `json:"index_and_filter_usage"`
		MemtableUsage       uint64 `json:"memtable_usage"`
		Total               uint64 `json:"total"`
	}
	Option struct {
		Sync                        bool            `json:"sync"`
		ColumnFamily                []CF            `json:"column_family"`
		CreateIfMissing             bool            `json:"create_if_missing"`
		BlockSize                   int             `json:"block_size"`
		BlockCache                  uint64          `json:"block_cache"`
		MaxBackgroundCompactions    int             `json:"max_background_compactions"`
		MaxBackgroundFlushes        int             `json:"max_background_flushes"`
		MaxOpenFiles                int             `json:"max_open_files"`
		MaxWriteBufferNumber        int             `json:"max_write_buffer_number"`
		WriteBufferSize             int             `json:"write_buffer_size"`
		TargetFileSizeBase          uint64          `json:"target_file_size_base"`
		MaxBytesForLevelBase        uint64          `json:"max_bytes_for_level_base"`
		KeepLogFileNum              int             `json:"keep_log_file_num"`
		MaxLogFileSize              int             `json:"max_log_file_size"`
		Level0SlowdownWritesTrigger int             `json:"level0_slowdown_writes_trigger"`
		Level0StopWritesTrigger     int             `json:"level0_stop_writes_trigger"`
		MaxWalLogSize               uint64          `json:"max_wal_log_size"`
		CompactionStyle             CompactionStyle `json:"compaction_style"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	if option == nil {
		option = &Option{CreateIfMissing: true}
	}
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	case MemoryKVType:
		return newMemory(ctx, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
