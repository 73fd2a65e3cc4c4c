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

// Package store maps configuration resources onto the wide column tables
// and keeps the object and uuid caches coherent with them.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/confdb/common/columnstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/metrics"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/schema"
)

type Config struct {
	Cache CacheConfig `json:"cache_config"`
}

type Store struct {
	db    columnstore.Driver
	cache *ObjectCache
	names *nameCache
}

func NewStore(db columnstore.Driver, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Store{db: db, names: newNameCache()}
	cache, err := NewObjectCache(db, &cfg.Cache)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func (s *Store) Driver() columnstore.Driver {
	return s.db
}

func (s *Store) Cache() *ObjectCache {
	return s.cache
}

func (s *Store) Close() {
	s.db.Close()
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreOps.WithLabelValues(op, result).Inc()
	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func lookupType(typ string) (*schema.TypeInfo, error) {
	t, ok := schema.Lookup(typ)
	if !ok || typ == proto.ConfigRoot {
		return nil, apierrors.NewBadRequest("unknown object type %s", typ)
	}
	return t, nil
}

type nameEntry struct {
	fq  []string
	typ string
}

// nameCache is the process wide uuid to (fq_name, type) lookup.
type nameCache struct {
	sync.RWMutex
	entries map[string]nameEntry
}

func newNameCache() *nameCache {
	return &nameCache{entries: make(map[string]nameEntry)}
}

func (c *nameCache) get(uuid string) (nameEntry, bool) {
	c.RLock()
	e, ok := c.entries[uuid]
	c.RUnlock()
	return e, ok
}

func (c *nameCache) set(uuid string, fq []string, typ string) {
	c.Lock()
	c.entries[uuid] = nameEntry{fq: fq, typ: typ}
	c.Unlock()
}

func (c *nameCache) del(uuid string) {
	c.Lock()
	delete(c.entries, uuid)
	c.Unlock()
}

func (c *nameCache) len() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.entries)
}

// CacheName records a uuid to name mapping found outside the regular write
// paths, such as the startup walk.
func (s *Store) CacheName(uuid string, fq []string, typ string) {
	s.names.set(uuid, fq, typ)
}

func (s *Store) NameCacheLen() int {
	return s.names.len()
}

// FQNameToUUID resolves a name through the fq name index.
func (s *Store) FQNameToUUID(ctx context.Context, typ string, fq []string) (string, error) {
	enc := EncodeFQName(fq)
	cols, err := s.db.Get(ctx, columnstore.ObjFQNameTable, typ, &columnstore.SliceOption{
		Start:  enc + ":",
		Finish: enc + ";",
	})
	if err != nil {
		return "", err
	}
	var found []string
	for _, c := range cols {
		// longer names share the prefix, keep exact matches only
		rest := strings.TrimPrefix(c.Name, enc+":")
		if rest != c.Name && rest != "" && !strings.Contains(rest, ":") {
			found = append(found, rest)
		}
	}
	switch len(found) {
	case 0:
		return "", apierrors.NewNotFound("Name %s not found", proto.JoinFQName(fq))
	case 1:
		return found[0], nil
	}
	trace.SpanFromContextSafe(ctx).Errorf("fq_name %v of %s maps to %v", fq, typ, found)
	return "", apierrors.NewAmbiguousFqn("Multi match %s for %s", proto.JoinFQName(fq), typ)
}

func (s *Store) lookupName(ctx context.Context, uuid string) (nameEntry, error) {
	if e, ok := s.names.get(uuid); ok {
		return e, nil
	}
	cols, err := s.db.Get(ctx, columnstore.ObjUUIDTable, uuid, &columnstore.SliceOption{Columns: NameColumns})
	if err != nil {
		return nameEntry{}, err
	}
	typ, fq, err := DecodeNames(cols)
	if err != nil {
		return nameEntry{}, err
	}
	if fq == nil || typ == "" {
		return nameEntry{}, apierrors.NewNotFound("UUID %s not found", uuid)
	}
	s.names.set(uuid, fq, typ)
	return nameEntry{fq: fq, typ: typ}, nil
}

// NameColumns are the columns naming a row.
var NameColumns = []string{colFQName, colType}

// DecodeNames decodes the type and fq_name columns among cols. Absent
// columns decode to zero values.
func DecodeNames(cols []columnstore.Column) (typ string, fq []string, err error) {
	for _, c := range cols {
		switch c.Name {
		case colFQName:
			if err = proto.Unmarshal(c.Value, &fq); err != nil {
				return "", nil, errors.Info(err, "decode fq_name").Detail(err)
			}
		case colType:
			if err = proto.Unmarshal(c.Value, &typ); err != nil {
				return "", nil, errors.Info(err, "decode type").Detail(err)
			}
		}
	}
	return typ, fq, nil
}

func (s *Store) UUIDToFQName(ctx context.Context, uuid string) ([]string, error) {
	e, err := s.lookupName(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), e.fq...), nil
}

func (s *Store) UUIDToObjType(ctx context.Context, uuid string) (string, error) {
	e, err := s.lookupName(ctx, uuid)
	if err != nil {
		return "", err
	}
	return e.typ, nil
}

// resolveRef returns the uuid a ref entry points at.
func (s *Store) resolveRef(ctx context.Context, peerType string, ref proto.RefInfo) (string, error) {
	if ref.UUID != "" {
		return ref.UUID, nil
	}
	if len(ref.To) == 0 {
		return "", apierrors.NewBadRequest("ref to %s carries neither uuid nor fq_name", peerType)
	}
	return s.FQNameToUUID(ctx, peerType, ref.To)
}

// rowColumns reads every column of a uuid row.
func (s *Store) rowColumns(ctx context.Context, uuid string) ([]columnstore.Column, error) {
	it := s.db.XGet(ctx, columnstore.ObjUUIDTable, uuid, nil)
	defer it.Close()
	var cols []columnstore.Column
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		cols = append(cols, c)
	}
	return cols, it.Err()
}

// rowType reads the type column of a row, an empty type means absent.
func rowType(cols []columnstore.Column) (string, error) {
	for _, c := range cols {
		if c.Name == colType {
			var typ string
			err := proto.Unmarshal(c.Value, &typ)
			return typ, err
		}
	}
	return "", nil
}
