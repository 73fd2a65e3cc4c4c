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
	"bytes"
	"context"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memoryDegree = 32

type (
	// memory is an in-process Store over copy-on-write btrees, one per
	// column family. Iterators read from a clone taken when listing starts.
	memory struct {
		trees map[CF]*btree.BTree
		lock  sync.RWMutex
	}
	memItem struct {
		key   []byte
		value []byte
	}
	memListReader struct {
		tree    *btree.BTree
		prefix  []byte
		next    []byte
		started bool
		err     error
	}
	memWriteOp struct {
		col    CF
		key    []byte
		value  []byte
		endKey []byte
		del    bool
		ranged bool
	}
	memWriteBatch struct {
		ops []memWriteOp
	}
)

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

func (i *memItem) Copy() btree.Item {
	return &memItem{key: i.key, value: i.value}
}

func newMemory(ctx context.Context, option *Option) (Store, error) {
	m := &memory{trees: make(map[CF]*btree.BTree)}
	m.trees[defaultCF] = btree.New(memoryDegree)
	for _, col := range option.ColumnFamily {
		m.trees[col] = btree.New(memoryDegree)
	}
	return m, nil
}

func (m *memory) tree(col CF) *btree.BTree {
	if col == "" {
		col = defaultCF
	}
	return m.trees[col]
}

func (m *memory) CreateColumn(col CF) error {
	m.lock.Lock()
	if _, ok := m.trees[col]; !ok {
		m.trees[col] = btree.New(memoryDegree)
	}
	m.lock.Unlock()
	return nil
}

func (m *memory) GetAllColumns() (ret []CF) {
	m.lock.RLock()
	for col := range m.trees {
		ret = append(ret, col)
	}
	m.lock.RUnlock()
	return
}

func (m *memory) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.trees[col]
	return ok
}

func (m *memory) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	t := m.tree(col)
	if t == nil {
		return nil, ErrColumnNotFound
	}
	item := t.Get(&memItem{key: key})
	if item == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.(*memItem).value...), nil
}

func (m *memory) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	t := m.tree(col)
	if t == nil {
		return ErrColumnNotFound
	}
	t.ReplaceOrInsert(&memItem{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (m *memory) Delete(ctx context.Context, col CF, key []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	t := m.tree(col)
	if t == nil {
		return ErrColumnNotFound
	}
	t.Delete(&memItem{key: key})
	return nil
}

func (m *memory) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	// Clone swaps the copy-on-write context of the source tree.
	m.lock.Lock()
	defer m.lock.Unlock()
	t := m.tree(col)
	if t == nil {
		return &memListReader{err: ErrColumnNotFound}
	}
	start := prefix
	if len(marker) > 0 {
		start = marker
	}
	return &memListReader{
		tree:   t.Clone(),
		prefix: prefix,
		next:   start,
	}
}

func (m *memory) Write(ctx context.Context, batch WriteBatch) error {
	b := batch.(*memWriteBatch)
	m.lock.Lock()
	defer m.lock.Unlock()
	for i := range b.ops {
		if m.tree(b.ops[i].col) == nil {
			return ErrColumnNotFound
		}
	}
	for _, op := range b.ops {
		t := m.tree(op.col)
		switch {
		case op.ranged:
			var doomed []btree.Item
			t.AscendRange(&memItem{key: op.key}, &memItem{key: op.endKey}, func(i btree.Item) bool {
				doomed = append(doomed, i)
				return true
			})
			for _, item := range doomed {
				t.Delete(item)
			}
		case op.del:
			t.Delete(&memItem{key: op.key})
		default:
			t.ReplaceOrInsert(&memItem{key: op.key, value: op.value})
		}
	}
	return nil
}

func (m *memory) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (m *memory) FlushCF(ctx context.Context, col CF) error {
	if !m.CheckColumns(col) {
		return ErrColumnNotFound
	}
	return nil
}

func (m *memory) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	m.lock.RLock()
	for _, t := range m.trees {
		stats.Keys += uint64(t.Len())
		t.Ascend(func(i btree.Item) bool {
			item := i.(*memItem)
			stats.Used += uint64(len(item.key) + len(item.value))
			return true
		})
	}
	m.lock.RUnlock()
	stats.MemoryUsage.Total = stats.Used
	return stats, nil
}

func (m *memory) Close() {
	m.lock.Lock()
	m.trees = make(map[CF]*btree.BTree)
	m.lock.Unlock()
}

func (lr *memListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.err != nil {
		return nil, nil, lr.err
	}
	var found *memItem
	pivot := &memItem{key: lr.next}
	lr.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		item := i.(*memItem)
		if lr.started && bytes.Equal(item.key, lr.next) {
			return true
		}
		found = item
		return false
	})
	if found == nil {
		return nil, nil, nil
	}
	if lr.prefix != nil && !bytes.HasPrefix(found.key, lr.prefix) {
		return nil, nil, nil
	}
	lr.started = true
	lr.next = found.key
	return append([]byte(nil), found.key...), append([]byte(nil), found.value...), nil
}

func (lr *memListReader) SeekTo(key []byte) {
	lr.next = key
	lr.started = false
}

func (lr *memListReader) Close() {
	lr.tree = nil
}

func (b *memWriteBatch) Put(col CF, key, value []byte) {
	b.ops = append(b.ops, memWriteOp{
		col:   col,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *memWriteBatch) Delete(col CF, key []byte) {
	b.ops = append(b.ops, memWriteOp{col: col, key: append([]byte(nil), key...), del: true})
}

func (b *memWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	b.ops = append(b.ops, memWriteOp{
		col:    col,
		key:    append([]byte(nil), startKey...),
		endKey: append([]byte(nil), endKey...),
		ranged: true,
	})
}

func (b *memWriteBatch) Count() int {
	return len(b.ops)
}

func (b *memWriteBatch) Close() {
	b.ops = nil
}
