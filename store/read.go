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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/common/columnstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/schema"
)

type ReadOption struct {
	// Fields restricts the rendered fields, nil renders every field.
	Fields []string
	// ReadOnly allows the object cache to serve the read.
	ReadOnly bool
}

// Read renders the rows of uuids in their requested order. Missing rows are
// dropped, except for a single uuid read which fails with not found.
func (s *Store) Read(ctx context.Context, typ string, uuids []string, opt *ReadOption) (objs []proto.Object, err error) {
	span := trace.SpanFromContextSafe(ctx)
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	if opt == nil {
		opt = &ReadOption{}
	}
	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	withLinks := needLinks(t, opt.Fields)
	cacheable := opt.ReadOnly && s.cache.Cacheable(typ)

	found := make(map[string]proto.Object, len(uuids))
	misses := uuids
	if cacheable {
		var hits map[string]proto.Object
		hits, misses, err = s.cache.Get(ctx, typ, uuids, withLinks, opt.Fields)
		if err != nil {
			return nil, err
		}
		for uuid, obj := range hits {
			found[uuid] = obj
		}
	}

	if len(misses) > 0 {
		slice := &columnstore.SliceOption{Start: noLinkStart}
		if withLinks {
			slice = nil
		}
		rows, err := s.db.MultiGet(ctx, columnstore.ObjUUIDTable, misses, slice)
		if err != nil {
			return nil, err
		}
		// rendering unfiltered for the cache only pays off while the
		// misses fit into it
		store := cacheable && len(misses) <= s.cache.MaxEntries()
		for _, uuid := range misses {
			cols, ok := rows[uuid]
			if !ok {
				continue
			}
			fields := opt.Fields
			if store {
				fields = nil
			}
			r, ok, err := s.render(ctx, uuid, cols, fields)
			if err != nil {
				return nil, err
			}
			if !ok || r.typ != typ {
				continue
			}
			if store {
				s.cache.Set(uuid, r, withLinks)
				found[uuid] = r.obj.Filter(opt.Fields)
			} else {
				found[uuid] = r.obj
			}
		}
	}

	objs = make([]proto.Object, 0, len(found))
	for _, uuid := range uuids {
		if obj, ok := found[uuid]; ok {
			objs = append(objs, obj)
		}
	}
	if len(uuids) == 1 && len(objs) == 0 {
		span.Debugf("%s %s not found", typ, uuids[0])
		return nil, apierrors.NewNotFound("%s %s not found", typ, uuids[0])
	}
	return objs, nil
}

// ReadOne reads a single object.
func (s *Store) ReadOne(ctx context.Context, typ, uuid string, opt *ReadOption) (proto.Object, error) {
	objs, err := s.Read(ctx, typ, []string{uuid}, opt)
	if err != nil {
		return nil, err
	}
	return objs[0], nil
}

func needLinks(t *schema.TypeInfo, fields []string) bool {
	if fields == nil {
		return true
	}
	for _, f := range fields {
		if t.IsLinkField(f) {
			return true
		}
	}
	return false
}
