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

package columnstore

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/confdb/common/kvstore"
)

const (
	keySep  = byte(0)
	tsBytes = 8
)

// kvDriver lays rows out on an ordered kv engine: every column is one key
// "<row>\x00<column>" whose value is the big endian write timestamp followed
// by the raw column value.
type kvDriver struct {
	kv    kvstore.Store
	clock *Clock
	retry *Retryer
}

type kvIterator struct {
	lr     kvstore.ListReader
	row    []byte
	opt    *SliceOption
	count  int
	err    error
	closed bool
}

// NewKVDriver creates any missing column families and wraps kv.
func NewKVDriver(kv kvstore.Store, retry *Retryer) (Driver, error) {
	for _, cf := range AllTables {
		if err := kv.CreateColumn(kvstore.CF(cf)); err != nil {
			return nil, errors.Info(err, "create column family", cf).Detail(err)
		}
	}
	if retry == nil {
		retry = NewRetryer(nil)
	}
	return &kvDriver{kv: kv, clock: &Clock{}, retry: retry}, nil
}

func rowPrefix(key string) []byte {
	b := make([]byte, 0, len(key)+1)
	b = append(b, key...)
	return append(b, keySep)
}

func columnKey(row, name string) []byte {
	b := make([]byte, 0, len(row)+len(name)+1)
	b = append(b, row...)
	b = append(b, keySep)
	return append(b, name...)
}

func splitKey(raw []byte) (row, name string, ok bool) {
	idx := bytes.IndexByte(raw, keySep)
	if idx < 0 {
		return "", "", false
	}
	return string(raw[:idx]), string(raw[idx+1:]), true
}

func encodeValue(ts int64, value []byte) []byte {
	b := make([]byte, tsBytes+len(value))
	binary.BigEndian.PutUint64(b, uint64(ts))
	copy(b[tsBytes:], value)
	return b
}

func decodeValue(raw []byte) ([]byte, int64) {
	if len(raw) < tsBytes {
		return raw, 0
	}
	return raw[tsBytes:], int64(binary.BigEndian.Uint64(raw[:tsBytes]))
}

func (d *kvDriver) Get(ctx context.Context, cf CF, key string, opt *SliceOption) (cols []Column, err error) {
	err = d.retry.Do(ctx, "get", func() error {
		cols, err = d.get(ctx, cf, key, opt)
		return err
	})
	return
}

func (d *kvDriver) get(ctx context.Context, cf CF, key string, opt *SliceOption) ([]Column, error) {
	if opt != nil && len(opt.Columns) > 0 {
		cols := make([]Column, 0, len(opt.Columns))
		for _, name := range opt.Columns {
			raw, err := d.kv.GetRaw(ctx, kvstore.CF(cf), columnKey(key, name))
			if err == kvstore.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			value, ts := decodeValue(raw)
			cols = append(cols, Column{Name: name, Value: value, Ts: ts})
		}
		sortColumns(cols)
		if opt.Limit > 0 && len(cols) > opt.Limit {
			cols = cols[:opt.Limit]
		}
		return cols, nil
	}

	it := d.xget(ctx, cf, key, opt)
	defer it.Close()
	var cols []Column
	for {
		col, ok := it.Next()
		if !ok {
			break
		}
		cols = append(cols, col)
	}
	return cols, it.Err()
}

func (d *kvDriver) MultiGet(ctx context.Context, cf CF, keys []string, opt *SliceOption) (map[string][]Column, error) {
	ret := make(map[string][]Column, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, d.retry.wrap("multiget", err)
		}
		cols, err := d.Get(ctx, cf, key, opt)
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			ret[key] = cols
		}
	}
	return ret, nil
}

func (d *kvDriver) XGet(ctx context.Context, cf CF, key string, opt *SliceOption) ColumnIterator {
	if opt != nil && len(opt.Columns) > 0 {
		cols, err := d.Get(ctx, cf, key, opt)
		return &sliceIterator{cols: cols, err: err}
	}
	return d.xget(ctx, cf, key, opt)
}

func (d *kvDriver) xget(ctx context.Context, cf CF, key string, opt *SliceOption) *kvIterator {
	prefix := rowPrefix(key)
	var marker []byte
	if opt != nil && opt.Start != "" {
		marker = columnKey(key, opt.Start)
	}
	return &kvIterator{
		lr:  d.kv.List(ctx, kvstore.CF(cf), prefix, marker),
		row: prefix,
		opt: opt,
	}
}

func (d *kvDriver) Insert(ctx context.Context, cf CF, key string, cols ...Column) error {
	return d.Write(ctx, NewBatch().Insert(cf, key, cols...))
}

func (d *kvDriver) Remove(ctx context.Context, cf CF, key string, columns ...string) error {
	return d.Write(ctx, NewBatch().Remove(cf, key, columns...))
}

func (d *kvDriver) Write(ctx context.Context, b *Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	base := d.clock.Reserve(b.Len())
	return d.retry.Do(ctx, "write", func() error {
		wb := d.kv.NewWriteBatch()
		defer wb.Close()
		for i, m := range b.mutations {
			col := kvstore.CF(m.cf)
			switch m.kind {
			case mutationInsert:
				wb.Put(col, columnKey(m.key, m.name), encodeValue(base+int64(i), m.value))
			case mutationRemoveColumn:
				wb.Delete(col, columnKey(m.key, m.name))
			case mutationRemoveRow:
				start := rowPrefix(m.key)
				end := append([]byte(m.key), keySep+1)
				wb.DeleteRange(col, start, end)
			}
		}
		if err := d.kv.Write(ctx, wb); err != nil {
			span.Warnf("write batch of %d mutations failed: %v", b.Len(), err)
			return err
		}
		return nil
	})
}

func (d *kvDriver) Scan(ctx context.Context, cf CF, opt *SliceOption, fn RowFunc) error {
	lr := d.kv.List(ctx, kvstore.CF(cf), nil, nil)
	defer lr.Close()

	var (
		curRow string
		cols   []Column
		inRow  bool
	)
	flush := func() error {
		if !inRow {
			return nil
		}
		sortColumns(cols)
		err := fn(curRow, cols)
		cols = nil
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return d.retry.wrap("scan", err)
		}
		k, v, err := lr.ReadNextCopy()
		if err != nil {
			return d.retry.wrap("scan", err)
		}
		if k == nil {
			break
		}
		row, name, ok := splitKey(k)
		if !ok {
			continue
		}
		if !inRow || row != curRow {
			if err = flush(); err != nil {
				return err
			}
			curRow, inRow = row, true
		}
		if opt.Match(name) {
			value, ts := decodeValue(v)
			cols = append(cols, Column{Name: name, Value: value, Ts: ts})
		}
	}
	return flush()
}

func (d *kvDriver) Close() {
	d.kv.Close()
}

func (it *kvIterator) Next() (Column, bool) {
	if it.err != nil || it.closed {
		return Column{}, false
	}
	if it.opt != nil && it.opt.Limit > 0 && it.count >= it.opt.Limit {
		return Column{}, false
	}
	k, v, err := it.lr.ReadNextCopy()
	if err != nil {
		it.err = err
		return Column{}, false
	}
	if k == nil {
		return Column{}, false
	}
	name := string(k[len(it.row):])
	if it.opt != nil && it.opt.Finish != "" && name > it.opt.Finish {
		return Column{}, false
	}
	it.count++
	value, ts := decodeValue(v)
	return Column{Name: name, Value: value, Ts: ts}, true
}

func (it *kvIterator) Err() error {
	return it.err
}

func (it *kvIterator) Close() {
	if !it.closed {
		it.lr.Close()
		it.closed = true
	}
}

type sliceIterator struct {
	cols []Column
	idx  int
	err  error
}

func (it *sliceIterator) Next() (Column, bool) {
	if it.err != nil || it.idx >= len(it.cols) {
		return Column{}, false
	}
	c := it.cols[it.idx]
	it.idx++
	return c, true
}

func (it *sliceIterator) Err() error {
	return it.err
}

func (it *sliceIterator) Close() {}
