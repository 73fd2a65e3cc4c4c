// Copyright 2023 The CubeFS Authors.
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

// Package columnstore is a thin wide-column adapter: rows addressed by key
// inside a column family hold sorted columns, each carrying its value and
// the microsecond timestamp of its last write.
package columnstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// ObjUUIDTable holds one row per resource keyed by uuid.
	ObjUUIDTable = CF("obj_uuid_table")
	// ObjFQNameTable holds one row per resource type indexing encoded fq_names.
	ObjFQNameTable = CF("obj_fq_name_table")
	// ObjSharedTable holds one row per resource type indexing shares.
	ObjSharedTable = CF("obj_shared_table")
)

// AllTables lists the column families the object store requires.
var AllTables = []CF{ObjUUIDTable, ObjFQNameTable, ObjSharedTable}

type (
	CF string

	Column struct {
		Name  string
		Value []byte
		// Ts is the write timestamp in microseconds.
		Ts int64
	}

	// SliceOption restricts a row read. Columns wins over the range; Start
	// and Finish are inclusive and an empty Finish is unbounded.
	SliceOption struct {
		Start   string
		Finish  string
		Columns []string
		Limit   int
	}

	// ColumnIterator lazily walks the columns of one row.
	ColumnIterator interface {
		Next() (col Column, ok bool)
		Err() error
		Close()
	}

	// RowFunc receives each row of a scan. Returning an error stops the scan.
	RowFunc func(key string, cols []Column) error

	Driver interface {
		// Get returns the matching columns of a row, empty if the row is
		// absent.
		Get(ctx context.Context, cf CF, key string, opt *SliceOption) ([]Column, error)
		// MultiGet returns the matching columns of each present row.
		MultiGet(ctx context.Context, cf CF, keys []string, opt *SliceOption) (map[string][]Column, error)
		XGet(ctx context.Context, cf CF, key string, opt *SliceOption) ColumnIterator
		Insert(ctx context.Context, cf CF, key string, cols ...Column) error
		// Remove deletes the named columns, or the whole row when none are
		// named.
		Remove(ctx context.Context, cf CF, key string, columns ...string) error
		// Write commits all mutations of the batch atomically.
		Write(ctx context.Context, b *Batch) error
		// Scan walks every row of a column family in driver order.
		Scan(ctx context.Context, cf CF, opt *SliceOption, fn RowFunc) error
		Close()
	}
)

func (cf CF) String() string {
	return string(cf)
}

// Match reports whether a column name satisfies the slice option.
func (opt *SliceOption) Match(name string) bool {
	if opt == nil {
		return true
	}
	if len(opt.Columns) > 0 {
		for _, c := range opt.Columns {
			if c == name {
				return true
			}
		}
		return false
	}
	if opt.Start != "" && name < opt.Start {
		return false
	}
	if opt.Finish != "" && name > opt.Finish {
		return false
	}
	return true
}

// PrefixSlice selects every column starting with prefix.
func PrefixSlice(prefix string) *SliceOption {
	return &SliceOption{Start: prefix, Finish: prefix + "\xff"}
}

// ColumnMap indexes columns by name.
func ColumnMap(cols []Column) map[string]Column {
	m := make(map[string]Column, len(cols))
	for _, c := range cols {
		m[c.Name] = c
	}
	return m
}

func sortColumns(cols []Column) {
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
}

// Clock hands out strictly increasing microsecond timestamps so that
// mutations issued in order are ordered by timestamp too.
type Clock struct {
	last int64
	lock sync.Mutex
}

// Reserve returns the first of n consecutive timestamps.
func (c *Clock) Reserve(n int) int64 {
	if n <= 0 {
		n = 1
	}
	now := time.Now().UnixNano() / int64(time.Microsecond)
	c.lock.Lock()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now + int64(n) - 1
	c.lock.Unlock()
	return now
}

func (c *Clock) Now() int64 {
	return c.Reserve(1)
}
