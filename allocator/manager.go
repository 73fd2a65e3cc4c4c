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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/redis/go-redis/v9"

	"github.com/cubefs/confdb/common/kvstore"
	apierrors "github.com/cubefs/confdb/errors"
)

const (
	BackendKV    = "kv"
	BackendRedis = "redis"

	VNIDMinAlloc = 1
	VNIDMax      = 1<<24 - 1

	SGIDMinAlloc = 8000000
	SGIDMax      = 1<<32 - 1

	// BGPRtgtMinID is the first route target number handed out for 2 byte
	// ASNs. Explicit targets at or above it collide with allocations.
	BGPRtgtMinID = 8000000
	BGPRtgtMaxID = 1<<31 - 1

	BGPRtgtMinIDType1_2 = 8000
	BGPRtgtMaxIDType1_2 = 1<<16 - 1

	VNIDPath           = "/id/virtual-networks/"
	SGIDPath           = "/id/security-groups/id/"
	RouteTargetPath    = "/id/bgp/route-targets/type0/"
	RouteTargetPath1_2 = "/id/bgp/route-targets/type1_2/"
)

type Range struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

type Config struct {
	Backend          string      `json:"backend"`
	Redis            RedisConfig `json:"redis"`
	VNID             Range       `json:"vn_id"`
	SGID             Range       `json:"sg_id"`
	RouteTarget      Range       `json:"route_target"`
	RouteTargetType1 Range       `json:"route_target_type1_2"`
}

func fixRange(r *Range, min, max uint64) {
	if r.Min == 0 {
		r.Min = min
	}
	if r.Max == 0 {
		r.Max = max
	}
}

func (c *Config) fix() {
	if c.Backend == "" {
		c.Backend = BackendKV
	}
	fixRange(&c.VNID, VNIDMinAlloc, VNIDMax)
	fixRange(&c.SGID, SGIDMinAlloc, SGIDMax)
	fixRange(&c.RouteTarget, BGPRtgtMinID, BGPRtgtMaxID)
	fixRange(&c.RouteTargetType1, BGPRtgtMinIDType1_2, BGPRtgtMaxIDType1_2)
}

// Manager owns the fixed id pools and opens address pools on demand.
type Manager struct {
	cfg    Config
	kv     kvstore.Store
	client *redis.Client

	vn      Pool
	sg      Pool
	rt      Pool
	rtType1 Pool

	lock  sync.Mutex
	pools map[string]Pool
}

// NewManager opens the fixed pools. kv is required for the kv backend and
// ignored otherwise.
func NewManager(ctx context.Context, cfg *Config, kv kvstore.Store) (*Manager, error) {
	span := trace.SpanFromContextSafe(ctx)
	m := &Manager{cfg: *cfg, kv: kv, pools: make(map[string]Pool)}
	m.cfg.fix()

	switch m.cfg.Backend {
	case BackendKV:
		if kv == nil {
			return nil, apierrors.NewBadRequest("kv allocator requires a kv store")
		}
	case BackendRedis:
		client, err := NewRedisClient(ctx, &m.cfg.Redis)
		if err != nil {
			return nil, err
		}
		m.client = client
	default:
		return nil, apierrors.NewBadRequest("unknown allocator backend %s", m.cfg.Backend)
	}

	var err error
	open := func(name string, r Range) Pool {
		if err != nil {
			return nil
		}
		var p Pool
		p, err = m.Pool(ctx, PoolConfig{Name: name, Min: r.Min, Max: r.Max})
		return p
	}
	m.vn = open(VNIDPath, m.cfg.VNID)
	m.sg = open(SGIDPath, m.cfg.SGID)
	m.rt = open(RouteTargetPath, m.cfg.RouteTarget)
	m.rtType1 = open(RouteTargetPath1_2, m.cfg.RouteTargetType1)
	if err != nil {
		m.Close()
		return nil, err
	}
	span.Infof("allocator manager opened, backend %s", m.cfg.Backend)
	return m, nil
}

// Pool opens or returns the pool named by cfg.Name.
func (m *Manager) Pool(ctx context.Context, cfg PoolConfig) (Pool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if p, ok := m.pools[cfg.Name]; ok {
		return p, nil
	}
	var (
		p   Pool
		err error
	)
	if m.client != nil {
		p, err = NewRedisPool(m.client, cfg)
	} else {
		p, err = NewKVPool(ctx, m.kv, cfg)
	}
	if err != nil {
		return nil, err
	}
	m.pools[cfg.Name] = p
	return p, nil
}

// DropPool releases every id of the named pool and forgets it. The pool
// need not be open.
func (m *Manager) DropPool(ctx context.Context, name string) error {
	p, err := m.Pool(ctx, PoolConfig{Name: name})
	if err != nil {
		return err
	}
	m.lock.Lock()
	delete(m.pools, name)
	m.lock.Unlock()
	return p.Drop(ctx)
}

func (m *Manager) VNIDs() Pool { return m.vn }

func (m *Manager) SGIDs() Pool { return m.sg }

// RouteTargets returns the pool for 2 byte ASNs, or for 4 byte ASNs and
// ip based targets when type1_2 is set.
func (m *Manager) RouteTargets(type1_2 bool) Pool {
	if type1_2 {
		return m.rtType1
	}
	return m.rt
}

func (m *Manager) AllocVNID(ctx context.Context, fqName string) (uint64, error) {
	return m.vn.Alloc(ctx, fqName)
}

func (m *Manager) ReserveVNID(ctx context.Context, id uint64, fqName string) error {
	return m.vn.Reserve(ctx, id, fqName)
}

func (m *Manager) FreeVNID(ctx context.Context, id uint64) error {
	return m.vn.Free(ctx, id)
}

func (m *Manager) AllocSGID(ctx context.Context, fqName string) (uint64, error) {
	return m.sg.Alloc(ctx, fqName)
}

func (m *Manager) FreeSGID(ctx context.Context, id uint64) error {
	return m.sg.Free(ctx, id)
}

// SGFromID returns the fq_name the security group id was allocated to.
func (m *Manager) SGFromID(ctx context.Context, id uint64) (string, error) {
	return m.sg.Read(ctx, id)
}

func (m *Manager) Close() {
	if m.client != nil {
		m.client.Close()
	}
}
