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

package store

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cubefs/confdb/common/columnstore"
	"github.com/cubefs/confdb/metrics"
	"github.com/cubefs/confdb/proto"
)

const defaultCacheEntries = 10000

type CacheConfig struct {
	MaxEntries   int      `json:"max_entries"`
	ExcludeTypes []string `json:"exclude_types"`
	Disable      bool     `json:"disable"`
}

type cacheEntry struct {
	obj       proto.Object
	typ       string
	idPermsTs int64
	latestTs  int64
	// withLinks is set when back-refs and children were rendered
	withLinks bool
}

type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Stale     uint64 `json:"stale"`
	Evictions uint64 `json:"evictions"`
}

// ObjectCache holds unfiltered renders of read only objects. Every hit is
// validated against the write timestamp of a sentinel column before use.
type ObjectCache struct {
	db         columnstore.Driver
	lru        *lru.Cache[string, *cacheEntry]
	maxEntries int
	exclude    map[string]struct{}
	disabled   bool

	hits, misses, stale, evictions uint64
}

func NewObjectCache(db columnstore.Driver, cfg *CacheConfig) (*ObjectCache, error) {
	c := &ObjectCache{db: db, exclude: map[string]struct{}{}, maxEntries: cfg.MaxEntries, disabled: cfg.Disable}
	if c.maxEntries <= 0 {
		c.maxEntries = defaultCacheEntries
	}
	for _, typ := range cfg.ExcludeTypes {
		c.exclude[typ] = struct{}{}
	}
	l, err := lru.NewWithEvict[string, *cacheEntry](c.maxEntries, func(string, *cacheEntry) {
		atomic.AddUint64(&c.evictions, 1)
		metrics.CacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Cacheable reports whether reads of typ may be served from the cache.
func (c *ObjectCache) Cacheable(typ string) bool {
	if c.disabled {
		return false
	}
	_, ok := c.exclude[typ]
	return !ok
}

func (c *ObjectCache) MaxEntries() int {
	return c.maxEntries
}

// Get returns filtered copies of fresh entries keyed by uuid and the uuids
// that must be read from the database.
func (c *ObjectCache) Get(ctx context.Context, typ string, uuids []string, withLinks bool, fields []string) (map[string]proto.Object, []string, error) {
	hits := make(map[string]*cacheEntry, len(uuids))
	var misses, hitUUIDs []string
	for _, uuid := range uuids {
		e, ok := c.lru.Get(uuid)
		if !ok || e.typ != typ || (withLinks && !e.withLinks) {
			misses = append(misses, uuid)
			continue
		}
		hits[uuid] = e
		hitUUIDs = append(hitUUIDs, uuid)
	}
	if len(hitUUIDs) == 0 {
		c.count(0, len(misses), 0)
		return nil, misses, nil
	}

	sentinel := colIDPerms
	if withLinks {
		sentinel = colLatestTs
	}
	rows, err := c.db.MultiGet(ctx, columnstore.ObjUUIDTable, hitUUIDs, &columnstore.SliceOption{Columns: []string{sentinel}})
	if err != nil {
		return nil, nil, err
	}

	ret := make(map[string]proto.Object, len(hitUUIDs))
	stale := 0
	for _, uuid := range hitUUIDs {
		e := hits[uuid]
		expected := e.idPermsTs
		if withLinks {
			expected = e.latestTs
		}
		var ts int64
		if cols := rows[uuid]; len(cols) == 1 {
			ts = cols[0].Ts
		}
		if ts == 0 || ts != expected {
			c.lru.Remove(uuid)
			misses = append(misses, uuid)
			stale++
			continue
		}
		ret[uuid] = e.obj.Filter(fields)
	}
	c.count(len(ret), len(misses)-stale, stale)
	return ret, misses, nil
}

func (c *ObjectCache) count(hits, misses, stale int) {
	atomic.AddUint64(&c.hits, uint64(hits))
	atomic.AddUint64(&c.misses, uint64(misses))
	atomic.AddUint64(&c.stale, uint64(stale))
	metrics.CacheLookups.WithLabelValues("hit").Add(float64(hits))
	metrics.CacheLookups.WithLabelValues("miss").Add(float64(misses))
	metrics.CacheLookups.WithLabelValues("stale").Add(float64(stale))
}

// Set stores an unfiltered render, replacing any previous entry.
func (c *ObjectCache) Set(uuid string, r *rendered, withLinks bool) {
	c.lru.Add(uuid, &cacheEntry{
		obj:       r.obj,
		typ:       r.typ,
		idPermsTs: r.idPermsTs,
		latestTs:  r.latestTs,
		withLinks: withLinks,
	})
}

func (c *ObjectCache) Evict(uuids ...string) {
	for _, uuid := range uuids {
		c.lru.Remove(uuid)
	}
}

func (c *ObjectCache) Contains(uuid string) bool {
	return c.lru.Contains(uuid)
}

func (c *ObjectCache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.lru.Len(),
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Stale:     atomic.LoadUint64(&c.stale),
		Evictions: atomic.LoadUint64(&c.evictions),
	}
}
