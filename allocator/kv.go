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

package allocator

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/common/kvstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/metrics"
)

const cf = kvstore.CF("allocator")

const nameSep = 0x00

type storage struct {
	kvStore kvstore.Store
}

func (s *storage) Load(ctx context.Context, name string) (map[uint64]string, error) {
	prefix := encodeName(name)
	lr := s.kvStore.List(ctx, cf, prefix, nil)
	defer lr.Close()

	ret := make(map[uint64]string)
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, err
		}
		if key == nil {
			break
		}
		if len(key) != len(prefix)+8 {
			continue
		}
		ret[decodeID(key[len(prefix):])] = string(value)
	}
	return ret, nil
}

func (s *storage) Put(ctx context.Context, name string, id uint64, owner string) error {
	return s.kvStore.SetRaw(ctx, cf, encodeKey(name, id), []byte(owner))
}

func (s *storage) Delete(ctx context.Context, name string, id uint64) error {
	return s.kvStore.Delete(ctx, cf, encodeKey(name, id))
}

func (s *storage) Drop(ctx context.Context, name string, ids []uint64) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	for _, id := range ids {
		batch.Delete(cf, encodeKey(name, id))
	}
	return s.kvStore.Write(ctx, batch)
}

func encodeName(name string) []byte {
	b := make([]byte, 0, len(name)+1)
	b = append(b, name...)
	return append(b, nameSep)
}

func encodeKey(name string, id uint64) []byte {
	b := encodeName(name)
	return binary.BigEndian.AppendUint64(b, id)
}

func decodeID(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}

// kvPool keeps the owners of a pool in memory and persists every change
// to the allocator column family before it becomes visible.
type kvPool struct {
	cfg     PoolConfig
	storage *storage

	lock   sync.Mutex
	owners map[uint64]string
	// every offset below hint is held
	hint uint64
}

// NewKVPool opens the pool described by cfg, loading held ids from kv.
func NewKVPool(ctx context.Context, kv kvstore.Store, cfg PoolConfig) (Pool, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.Max < cfg.Min {
		return nil, apierrors.NewBadRequest("invalid range [%d, %d] of %s", cfg.Min, cfg.Max, cfg.Name)
	}
	if err := kv.CreateColumn(cf); err != nil {
		return nil, err
	}
	p := &kvPool{cfg: cfg, storage: &storage{kvStore: kv}}
	owners, err := p.storage.Load(ctx, cfg.Name)
	if err != nil {
		span.Errorf("load pool %s failed, err: %v", cfg.Name, err)
		return nil, unavailable(cfg.Name, err)
	}
	p.owners = owners
	p.report()
	span.Debugf("load pool %s success, held %d", cfg.Name, len(owners))
	return p, nil
}

func (p *kvPool) Name() string {
	return p.cfg.Name
}

func (p *kvPool) Alloc(ctx context.Context, owner string) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	p.lock.Lock()
	defer p.lock.Unlock()

	size := p.cfg.size()
	if uint64(len(p.owners)) >= size {
		return 0, exhausted(p.cfg.Name)
	}
	off := p.hint
	for ; off < size; off++ {
		if _, ok := p.owners[p.cfg.id(off)]; !ok {
			break
		}
	}
	if off >= size {
		return 0, exhausted(p.cfg.Name)
	}
	id := p.cfg.id(off)
	if err := p.storage.Put(ctx, p.cfg.Name, id, owner); err != nil {
		span.Errorf("put id failed, pool %s, id %d, err: %v", p.cfg.Name, id, err)
		return 0, unavailable(p.cfg.Name, err)
	}
	p.owners[id] = owner
	p.hint = off + 1
	p.report()
	span.Debugf("alloc id success, pool %s, id %d, owner %s", p.cfg.Name, id, owner)
	return id, nil
}

func (p *kvPool) Reserve(ctx context.Context, id uint64, owner string) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := p.cfg.check(id); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	if cur, ok := p.owners[id]; ok {
		if cur == owner {
			return nil
		}
		return heldByOther(p.cfg.Name, id, cur)
	}
	if err := p.storage.Put(ctx, p.cfg.Name, id, owner); err != nil {
		span.Errorf("put id failed, pool %s, id %d, err: %v", p.cfg.Name, id, err)
		return unavailable(p.cfg.Name, err)
	}
	p.owners[id] = owner
	p.report()
	span.Debugf("reserve id success, pool %s, id %d, owner %s", p.cfg.Name, id, owner)
	return nil
}

func (p *kvPool) Free(ctx context.Context, id uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	if !p.cfg.contains(id) {
		return nil
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.owners[id]; !ok {
		return nil
	}
	if err := p.storage.Delete(ctx, p.cfg.Name, id); err != nil {
		span.Errorf("delete id failed, pool %s, id %d, err: %v", p.cfg.Name, id, err)
		return unavailable(p.cfg.Name, err)
	}
	delete(p.owners, id)
	if off := p.cfg.offset(id); off < p.hint {
		p.hint = off
	}
	p.report()
	span.Debugf("free id success, pool %s, id %d", p.cfg.Name, id)
	return nil
}

func (p *kvPool) Read(ctx context.Context, id uint64) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	owner, ok := p.owners[id]
	if !ok {
		return "", apierrors.NewNotFound("id %d not allocated in %s", id, p.cfg.Name)
	}
	return owner, nil
}

func (p *kvPool) Allocated(ctx context.Context) ([]uint64, error) {
	p.lock.Lock()
	ids := make([]uint64, 0, len(p.owners))
	for id := range p.owners {
		ids = append(ids, id)
	}
	p.lock.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (p *kvPool) Drop(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	p.lock.Lock()
	defer p.lock.Unlock()

	ids := make([]uint64, 0, len(p.owners))
	for id := range p.owners {
		ids = append(ids, id)
	}
	if err := p.storage.Drop(ctx, p.cfg.Name, ids); err != nil {
		span.Errorf("drop pool %s failed, err: %v", p.cfg.Name, err)
		return unavailable(p.cfg.Name, err)
	}
	p.owners = make(map[uint64]string)
	p.hint = 0
	metrics.AllocatedIDs.DeleteLabelValues(p.cfg.Name)
	return nil
}

func (p *kvPool) report() {
	metrics.AllocatedIDs.WithLabelValues(p.cfg.Name).Set(float64(len(p.owners)))
}
