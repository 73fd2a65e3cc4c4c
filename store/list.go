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
	"sort"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/common/columnstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/schema"
)

const listReadChunk = 256

type ListArgs struct {
	// anchors, the first non empty one wins
	ParentUUIDs  []string
	BackRefUUIDs []string
	ObjUUIDs     []string

	// Filters keeps objects whose scalar prop equals one of the values.
	Filters map[string][]interface{}
	// TagUUIDs keeps objects referring to every listed tag.
	TagUUIDs []string
	Fields   []string

	IsCount  bool
	IsDetail bool
	Marker   string
	Limit    int
}

type ListItem struct {
	UUID   string
	FQName []string
	Obj    proto.Object
}

type ListResult struct {
	Items  []ListItem
	Count  int
	Marker string
}

type listCandidate struct {
	uuid   string
	fq     []string
	marker string
	ts     int64
}

// List enumerates objects of typ under one of the anchors, in creation order
// for parent anchored lists and in fq name order when unanchored.
func (s *Store) List(ctx context.Context, typ string, args *ListArgs) (ret *ListResult, err error) {
	span := trace.SpanFromContextSafe(ctx)
	defer func(start time.Time) { observe("list", start, err) }(time.Now())

	if args == nil {
		args = &ListArgs{}
	}
	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}

	var cands []listCandidate
	anchored := true
	switch {
	case len(args.ParentUUIDs) > 0:
		cands, err = s.childrenOf(ctx, typ, args.ParentUUIDs)
	case len(args.BackRefUUIDs) > 0:
		cands, err = s.referrersOf(ctx, typ, args.BackRefUUIDs)
	case args.ObjUUIDs != nil:
		for _, uuid := range args.ObjUUIDs {
			cands = append(cands, listCandidate{uuid: uuid, marker: uuid})
		}
	default:
		anchored = false
		cands, err = s.fqIndex(ctx, typ)
	}
	if err != nil {
		return nil, err
	}
	if args.ObjUUIDs != nil && (len(args.ParentUUIDs) > 0 || len(args.BackRefUUIDs) > 0) {
		cands = intersect(cands, args.ObjUUIDs)
	}
	if len(args.ParentUUIDs) > 0 && len(args.BackRefUUIDs) > 0 {
		if cands, err = s.filterReferring(ctx, cands, args.BackRefUUIDs); err != nil {
			return nil, err
		}
	}
	cands = skipToMarker(cands, args.Marker, anchored)
	span.Debugf("list %s: %d candidates", typ, len(cands))

	limit := args.Limit
	if args.IsCount {
		limit = 0
	}
	ret = &ListResult{}
	readFields, needRead := listReadFields(t, args)
	for start := 0; start < len(cands); start += listReadChunk {
		end := start + listReadChunk
		if end > len(cands) {
			end = len(cands)
		}
		chunk := cands[start:end]
		objs := map[string]proto.Object{}
		if needRead {
			uuids := make([]string, len(chunk))
			for i := range chunk {
				uuids[i] = chunk[i].uuid
			}
			read, err := s.Read(ctx, typ, uuids, &ReadOption{Fields: readFields, ReadOnly: true})
			if err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
				return nil, err
			}
			for _, obj := range read {
				objs[obj.UUID()] = obj
			}
		}
		for _, c := range chunk {
			item := ListItem{UUID: c.uuid, FQName: c.fq}
			if needRead {
				obj, ok := objs[c.uuid]
				if !ok || !matchFilters(obj, args) {
					continue
				}
				item.FQName = obj.FQName()
				if args.IsDetail {
					item.Obj = obj.Filter(args.Fields)
				}
			} else if item.FQName == nil {
				if item.FQName, err = s.UUIDToFQName(ctx, c.uuid); err != nil {
					if apierrors.Is(err, apierrors.ErrNotFound) {
						continue
					}
					return nil, err
				}
			}
			ret.Count++
			if !args.IsCount {
				ret.Items = append(ret.Items, item)
			}
			if limit > 0 && ret.Count == limit {
				ret.Marker = c.marker
				return ret, nil
			}
		}
	}
	return ret, nil
}

func listReadFields(t *schema.TypeInfo, args *ListArgs) ([]string, bool) {
	if !args.IsDetail && len(args.Filters) == 0 && len(args.TagUUIDs) == 0 {
		return nil, false
	}
	if args.IsDetail && args.Fields == nil {
		return nil, true
	}
	fields := append([]string{}, args.Fields...)
	for f := range args.Filters {
		fields = append(fields, f)
	}
	if len(args.TagUUIDs) > 0 {
		if ref := t.RefByPeer("tag"); ref != nil {
			fields = append(fields, ref.Field)
		}
	}
	return fields, true
}

func matchFilters(obj proto.Object, args *ListArgs) bool {
	for field, values := range args.Filters {
		got, ok := obj[field]
		if !ok {
			return false
		}
		matched := false
		for _, v := range values {
			if proto.Equal(got, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(args.TagUUIDs) > 0 {
		tags := map[string]struct{}{}
		for _, r := range obj.Refs(schema.RefFieldName("tag")) {
			tags[r.UUID] = struct{}{}
		}
		for _, tag := range args.TagUUIDs {
			if _, ok := tags[tag]; !ok {
				return false
			}
		}
	}
	return true
}

func (s *Store) childrenOf(ctx context.Context, typ string, parents []string) ([]listCandidate, error) {
	rows, err := s.db.MultiGet(ctx, columnstore.ObjUUIDTable, parents, columnstore.PrefixSlice(prefixChildren+":"+typ+":"))
	if err != nil {
		return nil, err
	}
	var cands []listCandidate
	for _, parent := range parents {
		for _, c := range rows[parent] {
			_, parts := splitColumn(c.Name)
			if len(parts) == 2 {
				cands = append(cands, listCandidate{uuid: parts[1], marker: parts[1], ts: c.Ts})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].ts < cands[j].ts })
	return cands, nil
}

func (s *Store) referrersOf(ctx context.Context, typ string, anchors []string) ([]listCandidate, error) {
	seen := map[string]struct{}{}
	var cands []listCandidate
	for _, prefix := range []string{prefixBackref, prefixRef} {
		rows, err := s.db.MultiGet(ctx, columnstore.ObjUUIDTable, anchors, columnstore.PrefixSlice(prefix+":"+typ+":"))
		if err != nil {
			return nil, err
		}
		for _, anchor := range anchors {
			if prefix == prefixRef {
				// only same type anchors keep their referrers as refs
				if at, err := s.UUIDToObjType(ctx, anchor); err != nil || at != typ {
					continue
				}
			}
			for _, c := range rows[anchor] {
				_, parts := splitColumn(c.Name)
				if len(parts) != 2 {
					continue
				}
				if _, ok := seen[parts[1]]; ok {
					continue
				}
				seen[parts[1]] = struct{}{}
				cands = append(cands, listCandidate{uuid: parts[1], marker: parts[1], ts: c.Ts})
			}
		}
	}
	return cands, nil
}

func (s *Store) fqIndex(ctx context.Context, typ string) ([]listCandidate, error) {
	var cands []listCandidate
	it := s.db.XGet(ctx, columnstore.ObjFQNameTable, typ, nil)
	defer it.Close()
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		enc, uuid := splitFQIndexColumn(c.Name)
		fq, err := DecodeFQName(enc)
		if err != nil {
			return nil, err
		}
		cands = append(cands, listCandidate{uuid: uuid, fq: fq, marker: c.Name})
	}
	return cands, it.Err()
}

// filterReferring keeps candidates holding a ref to any of anchors.
func (s *Store) filterReferring(ctx context.Context, cands []listCandidate, anchors []string) ([]listCandidate, error) {
	want := map[string]struct{}{}
	for _, a := range anchors {
		want[a] = struct{}{}
	}
	uuids := make([]string, len(cands))
	for i := range cands {
		uuids[i] = cands[i].uuid
	}
	rows, err := s.db.MultiGet(ctx, columnstore.ObjUUIDTable, uuids, columnstore.PrefixSlice(prefixRef+":"))
	if err != nil {
		return nil, err
	}
	ret := cands[:0]
	for _, c := range cands {
		for _, col := range rows[c.uuid] {
			_, parts := splitColumn(col.Name)
			if len(parts) != 2 {
				continue
			}
			if _, ok := want[parts[1]]; ok {
				ret = append(ret, c)
				break
			}
		}
	}
	return ret, nil
}

func intersect(cands []listCandidate, uuids []string) []listCandidate {
	want := make(map[string]struct{}, len(uuids))
	for _, u := range uuids {
		want[u] = struct{}{}
	}
	ret := cands[:0]
	for _, c := range cands {
		if _, ok := want[c.uuid]; ok {
			ret = append(ret, c)
		}
	}
	return ret
}

// skipToMarker drops the candidates up to and including marker. Unanchored
// markers are index columns and compare lexically.
func skipToMarker(cands []listCandidate, marker string, anchored bool) []listCandidate {
	if marker == "" {
		return cands
	}
	for i, c := range cands {
		if anchored && c.marker == marker {
			return cands[i+1:]
		}
		if !anchored && strings.Compare(c.marker, marker) > 0 {
			return cands[i:]
		}
	}
	if anchored {
		return cands
	}
	return nil
}
