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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/confdb/common/kvstore"
	apierrors "github.com/cubefs/confdb/errors"
)

func newTestKV(t *testing.T) kvstore.Store {
	kv, err := kvstore.NewKVStore(context.TODO(), "", kvstore.MemoryKVType, nil)
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	return kv
}

func TestKVPool_AllocFree(t *testing.T) {
	ctx := context.TODO()
	kv := newTestKV(t)
	p, err := NewKVPool(ctx, kv, PoolConfig{Name: "/id/test/", Min: 10, Max: 13})
	require.NoError(t, err)

	for i := uint64(10); i <= 13; i++ {
		id, err := p.Alloc(ctx, "owner")
		require.NoError(t, err)
		require.Equal(t, i, id)
	}
	_, err = p.Alloc(ctx, "owner")
	require.ErrorIs(t, err, apierrors.ErrResourceExhausted)
	status, _ := apierrors.Status(err)
	require.Equal(t, 400, status)

	require.NoError(t, p.Free(ctx, 12))
	require.NoError(t, p.Free(ctx, 12))
	require.NoError(t, p.Free(ctx, 99))
	_, err = p.Read(ctx, 12)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	id, err := p.Alloc(ctx, "again")
	require.NoError(t, err)
	require.Equal(t, uint64(12), id)
	owner, err := p.Read(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, "again", owner)
}

func TestKVPool_LowestFree(t *testing.T) {
	ctx := context.TODO()
	p, err := NewKVPool(ctx, newTestKV(t), PoolConfig{Name: "p", Min: 1, Max: 100})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := p.Alloc(ctx, "o")
		require.NoError(t, err)
	}
	require.NoError(t, p.Free(ctx, 2))
	require.NoError(t, p.Free(ctx, 4))
	id, err := p.Alloc(ctx, "o")
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)
	id, err = p.Alloc(ctx, "o")
	require.NoError(t, err)
	require.Equal(t, uint64(4), id)
	id, err = p.Alloc(ctx, "o")
	require.NoError(t, err)
	require.Equal(t, uint64(6), id)
}

func TestKVPool_Reserve(t *testing.T) {
	ctx := context.TODO()
	p, err := NewKVPool(ctx, newTestKV(t), PoolConfig{Name: "p", Min: 1, Max: 10})
	require.NoError(t, err)

	require.NoError(t, p.Reserve(ctx, 1, "a"))
	require.NoError(t, p.Reserve(ctx, 1, "a"))
	require.ErrorIs(t, p.Reserve(ctx, 1, "b"), apierrors.ErrConflict)
	require.ErrorIs(t, p.Reserve(ctx, 11, "b"), apierrors.ErrBadRequest)

	id, err := p.Alloc(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)

	ids, err := p.Allocated(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, ids)
}

func TestKVPool_FromTop(t *testing.T) {
	ctx := context.TODO()
	p, err := NewKVPool(ctx, newTestKV(t), PoolConfig{Name: "p", Min: 1, Max: 254, FromTop: true})
	require.NoError(t, err)
	require.NoError(t, p.Reserve(ctx, 254, "gw"))
	id, err := p.Alloc(ctx, "vm")
	require.NoError(t, err)
	require.Equal(t, uint64(253), id)
}

func TestKVPool_Reload(t *testing.T) {
	ctx := context.TODO()
	kv := newTestKV(t)
	cfg := PoolConfig{Name: "/id/a", Min: 1, Max: 10}
	p, err := NewKVPool(ctx, kv, cfg)
	require.NoError(t, err)
	_, err = p.Alloc(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, p.Reserve(ctx, 7, "y"))

	// a pool whose name extends ours must not see our ids
	other, err := NewKVPool(ctx, kv, PoolConfig{Name: "/id/a/b", Min: 1, Max: 10})
	require.NoError(t, err)
	ids, err := other.Allocated(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	p2, err := NewKVPool(ctx, kv, cfg)
	require.NoError(t, err)
	ids, err = p2.Allocated(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 7}, ids)
	owner, err := p2.Read(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "y", owner)

	require.NoError(t, p2.Drop(ctx))
	p3, err := NewKVPool(ctx, kv, cfg)
	require.NoError(t, err)
	ids, err = p3.Allocated(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestManager(t *testing.T) {
	ctx := context.TODO()
	m, err := NewManager(ctx, &Config{SGID: Range{Min: 8000000, Max: 8000001}}, newTestKV(t))
	require.NoError(t, err)
	defer m.Close()

	id, err := m.AllocVNID(ctx, "default-domain:p:vn1")
	require.NoError(t, err)
	require.Equal(t, uint64(VNIDMinAlloc), id)
	require.ErrorIs(t, m.ReserveVNID(ctx, id, "default-domain:p:vn2"), apierrors.ErrConflict)
	require.NoError(t, m.FreeVNID(ctx, id))

	sg, err := m.AllocSGID(ctx, "default-domain:p:sg1")
	require.NoError(t, err)
	require.Equal(t, uint64(SGIDMinAlloc), sg)
	fq, err := m.SGFromID(ctx, sg)
	require.NoError(t, err)
	require.Equal(t, "default-domain:p:sg1", fq)
	require.NoError(t, m.SGIDs().Reserve(ctx, 8000001, "default-domain:p:sg2"))
	_, err = m.AllocSGID(ctx, "default-domain:p:sg3")
	require.ErrorIs(t, err, apierrors.ErrResourceExhausted)

	rt, err := m.RouteTargets(false).Alloc(ctx, "target:64512:8000000")
	require.NoError(t, err)
	require.Equal(t, uint64(BGPRtgtMinID), rt)
	rt, err = m.RouteTargets(true).Alloc(ctx, "ri")
	require.NoError(t, err)
	require.Equal(t, uint64(BGPRtgtMinIDType1_2), rt)

	p, err := m.Pool(ctx, PoolConfig{Name: "/id/ipam/x", Min: 1, Max: 3})
	require.NoError(t, err)
	same, err := m.Pool(ctx, PoolConfig{Name: "/id/ipam/x", Min: 1, Max: 3})
	require.NoError(t, err)
	require.Equal(t, p, same)
	_, err = p.Alloc(ctx, "o")
	require.NoError(t, err)
	require.NoError(t, m.DropPool(ctx, "/id/ipam/x"))
	p, err = m.Pool(ctx, PoolConfig{Name: "/id/ipam/x", Min: 1, Max: 3})
	require.NoError(t, err)
	ids, err := p.Allocated(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = NewManager(ctx, &Config{Backend: "zk"}, nil)
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
}
