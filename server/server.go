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

// Package server runs configuration requests against the object store: it
// derives defaults, runs the per type hooks, commits, unwinds on failure and
// publishes notifications once the outermost request succeeded.
package server

import (
	"context"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/confdb/allocator"
	"github.com/cubefs/confdb/common/columnstore"
	"github.com/cubefs/confdb/common/kvstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/ipam"
	"github.com/cubefs/confdb/notify"
	"github.com/cubefs/confdb/resource"
	"github.com/cubefs/confdb/store"
	"github.com/cubefs/confdb/util/limiter"
	"github.com/cubefs/confdb/walk"
)

const (
	BackendRocksdb   = "rocksdb"
	BackendMemory    = "memory"
	BackendCassandra = "cassandra"

	allocatorDir = "allocator"
)

var defaultGraphTypes = []string{"virtual_network", "routing_instance", "virtual_machine_interface"}

type StoreConfig struct {
	Path      string                      `json:"path"`
	Backend   string                      `json:"backend"`
	KVOption  kvstore.Option              `json:"kv_option"`
	Cassandra columnstore.CassandraConfig `json:"cassandra"`
	Retry     columnstore.RetryConfig     `json:"retry"`
}

type ServerConfig struct {
	resource.Config
	limiter.LimitConfig
}

type Config struct {
	StoreConfig     StoreConfig       `json:"store_config"`
	CacheConfig     store.CacheConfig `json:"cache_config"`
	AllocatorConfig allocator.Config  `json:"allocator_config"`
	ServerConfig    ServerConfig      `json:"server_config"`
	WalkConfig      walk.Config       `json:"walk_config"`
}

type Server struct {
	cfg Config

	// allocKV backs the kv allocator when the store is remote
	allocKV kvstore.Store

	store   *store.Store
	alloc   *allocator.Manager
	addr    *ipam.Manager
	bus     *notify.Bus
	walker  *walk.Walker
	graph   *walk.Graph
	limiter limiter.Limiter

	stopGraph context.CancelFunc
	graphDone chan struct{}
	env       *resource.Env
}

func openKV(ctx context.Context, backend kvstore.LsmKVType, path string, opt kvstore.Option) (kvstore.Store, error) {
	opt.CreateIfMissing = true
	kv, err := kvstore.NewKVStore(ctx, path, backend, &opt)
	if err != nil {
		return nil, errors.Info(err, "open kv store", path).Detail(err)
	}
	return kv, nil
}

// NewServer opens the store and allocators described by cfg and walks the
// store once to warm the name cache.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := &Server{cfg: *cfg}
	sc := &s.cfg.StoreConfig
	retry := columnstore.NewRetryer(&sc.Retry)

	var (
		db  columnstore.Driver
		kv  kvstore.Store
		err error
	)
	switch sc.Backend {
	case BackendMemory, BackendRocksdb, "":
		lsm := kvstore.RocksdbLsmKVType
		if sc.Backend == BackendMemory {
			lsm = kvstore.MemoryKVType
		}
		if kv, err = openKV(ctx, lsm, sc.Path, sc.KVOption); err != nil {
			return nil, err
		}
		if db, err = columnstore.NewKVDriver(kv, retry); err != nil {
			kv.Close()
			return nil, err
		}
	case BackendCassandra:
		if db, err = columnstore.NewCassandraDriver(ctx, &sc.Cassandra, retry); err != nil {
			return nil, err
		}
		if s.cfg.AllocatorConfig.Backend != allocator.BackendRedis {
			if kv, err = openKV(ctx, kvstore.RocksdbLsmKVType, filepath.Join(sc.Path, allocatorDir), sc.KVOption); err != nil {
				db.Close()
				return nil, err
			}
			s.allocKV = kv
		}
	default:
		return nil, apierrors.NewBadRequest("unknown store backend %s", sc.Backend)
	}

	if s.store, err = store.NewStore(db, &store.Config{Cache: s.cfg.CacheConfig}); err != nil {
		db.Close()
		s.closeAllocKV()
		return nil, err
	}
	if s.alloc, err = allocator.NewManager(ctx, &s.cfg.AllocatorConfig, kv); err != nil {
		s.store.Close()
		s.closeAllocKV()
		return nil, err
	}
	s.init()

	ret, err := s.walker.Walk(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	span.Infof("confdb server started, backend %s, %d objects", sc.Backend, len(ret.Names))
	return s, nil
}

// NewServerWith builds a server on already opened components.
func NewServerWith(cfg *Config, st *store.Store, alloc *allocator.Manager) *Server {
	s := &Server{cfg: *cfg, store: st, alloc: alloc}
	s.init()
	return s
}

func (c *Config) fix() {
	if c.ServerConfig.DefaultQuota == 0 {
		c.ServerConfig.DefaultQuota = -1
	}
	if c.WalkConfig.GraphTypes == nil {
		c.WalkConfig.GraphTypes = defaultGraphTypes
	}
}

func (s *Server) init() {
	s.cfg.fix()
	s.addr = ipam.NewManager(s.alloc, resource.Networks(s.store))
	s.bus = notify.NewBus()
	s.walker = walk.NewWalker(s.store, &s.cfg.WalkConfig)

	// subscribed before any walk so no commit is lost
	s.graph = walk.NewGraph(s.store, s.cfg.WalkConfig.GraphTypes...)
	s.graph.Register(s.walker)
	sub := s.graph.Subscribe(s.bus)
	ctx, cancel := context.WithCancel(context.Background())
	s.stopGraph = cancel
	s.graphDone = make(chan struct{})
	go func() {
		defer close(s.graphDone)
		defer sub.Close()
		s.graph.Follow(ctx, sub)
	}()
	s.limiter = limiter.NewLimiter(s.cfg.ServerConfig.LimitConfig)
	s.env = &resource.Env{
		Store:    s.store,
		Alloc:    s.alloc,
		Addr:     s.addr,
		Bus:      s.bus,
		Dispatch: s,
		Config:   s.cfg.ServerConfig.Config,
	}
}

func (s *Server) Store() *store.Store { return s.store }

func (s *Server) Allocator() *allocator.Manager { return s.alloc }

func (s *Server) AddrMgmt() ipam.AddrMgmt { return s.addr }

func (s *Server) Bus() *notify.Bus { return s.bus }

func (s *Server) Walker() *walk.Walker { return s.walker }

func (s *Server) Graph() *walk.Graph { return s.graph }

func (s *Server) Limiter() limiter.Limiter { return s.limiter }

func (s *Server) closeAllocKV() {
	if s.allocKV != nil {
		s.allocKV.Close()
	}
}

func (s *Server) Close() {
	s.stopGraph()
	<-s.graphDone
	s.walker.Close()
	s.bus.Close()
	s.alloc.Close()
	s.store.Close()
	s.closeAllocKV()
}
