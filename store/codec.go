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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/confdb/common/columnstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/schema"
	"github.com/cubefs/confdb/util"
)

// column prefixes of a uuid row
const (
	prefixProp         = "prop"
	prefixPropList     = "propl"
	prefixPropMap      = "propm"
	prefixRef          = "ref"
	prefixBackref      = "backref"
	prefixChildren     = "children"
	prefixParent       = "parent"
	prefixRelaxBackref = "relaxbackref"

	colType       = "type"
	colFQName     = "fq_name"
	colParentType = "parent_type"
	colLatestTs   = "META:latest_col_ts"
	colIDPerms    = prefixProp + ":" + proto.FieldIDPerms

	// columns sorting at or after this bound exclude META, back-refs and
	// children
	noLinkStart = "d"
)

func propCol(field string) string { return prefixProp + ":" + field }
func propListCol(field, pos string) string { return prefixPropList + ":" + field + ":" + pos }
func propMapCol(field, key string) string { return prefixPropMap + ":" + field + ":" + key }
func refCol(peerType, peerUUID string) string { return prefixRef + ":" + peerType + ":" + peerUUID }
func backrefCol(srcType, srcUUID string) string { return prefixBackref + ":" + srcType + ":" + srcUUID }
func childCol(childType, childUUID string) string { return prefixChildren + ":" + childType + ":" + childUUID }
func parentCol(parentType, parentUUID string) string {
	return prefixParent + ":" + parentType + ":" + parentUUID
}
func relaxBackrefCol(peerUUID string) string { return prefixRelaxBackref + ":" + peerUUID }

// splitColumn splits a column name into its prefix and the remaining
// identifier parts.
func splitColumn(name string) (string, []string) {
	parts := strings.SplitN(name, ":", 3)
	return parts[0], parts[1:]
}

// refValue is the payload of ref and backref columns.
type refValue struct {
	Attr      interface{} `json:"attr"`
	IsWeakref bool        `json:"is_weakref"`
}

func encodeRefValue(attr interface{}, weak bool) ([]byte, error) {
	return proto.Marshal(refValue{Attr: attr, IsWeakref: weak})
}

func decodeRefValue(data []byte) (refValue, error) {
	var v refValue
	if err := proto.Unmarshal(data, &v); err != nil {
		return v, err
	}
	attr, err := proto.Normalize(v.Attr)
	if err != nil {
		return v, err
	}
	v.Attr = attr
	return v, nil
}

func mustMarshal(v interface{}) []byte {
	data, err := proto.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// collectionElems unwraps a list or map property value into its elements.
func collectionElems(cf *schema.CollectionField, value interface{}) ([]interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if cf.Wrapper != "" {
		m, ok := proto.AsObject(value)
		if !ok {
			return nil, apierrors.NewBadRequest("field %s expects an object wrapping %s", cf.Field, cf.Wrapper)
		}
		value = m[cf.Wrapper]
		if value == nil {
			return nil, nil
		}
	}
	l, ok := proto.AsList(value)
	if !ok {
		return nil, apierrors.NewBadRequest("field %s expects a list", cf.Field)
	}
	return l, nil
}

func wrapCollection(cf *schema.CollectionField, elems []interface{}) interface{} {
	if cf.Wrapper == "" {
		return elems
	}
	return proto.Object{cf.Wrapper: elems}
}

func mapKey(cf *schema.CollectionField, elem interface{}) (string, error) {
	m, ok := proto.AsObject(elem)
	if !ok {
		return "", apierrors.NewBadRequest("field %s expects object entries", cf.Field)
	}
	switch k := m[cf.Key].(type) {
	case string:
		if k != "" {
			return k, nil
		}
	default:
		if n, ok := proto.Int(k); ok {
			return util.Itoa(n), nil
		}
	}
	return "", apierrors.NewBadRequest("field %s entry misses key %s", cf.Field, cf.Key)
}

// propColumns encodes a property value into the columns storing it. Null
// scalars encode into no column at all.
func propColumns(t *schema.TypeInfo, field string, value interface{}) ([]columnstore.Column, error) {
	if cf, ok := t.ListFields[field]; ok {
		elems, err := collectionElems(cf, value)
		if err != nil {
			return nil, err
		}
		cols := make([]columnstore.Column, 0, len(elems))
		for i, e := range elems {
			data, err := proto.Marshal(e)
			if err != nil {
				return nil, err
			}
			cols = append(cols, columnstore.Column{Name: propListCol(field, util.Itoa(int64(i))), Value: data})
		}
		return cols, nil
	}
	if cf, ok := t.MapFields[field]; ok {
		elems, err := collectionElems(cf, value)
		if err != nil {
			return nil, err
		}
		cols := make([]columnstore.Column, 0, len(elems))
		seen := make(map[string]struct{}, len(elems))
		for _, e := range elems {
			key, err := mapKey(cf, e)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[key]; ok {
				return nil, apierrors.NewBadRequest("duplicate key %s in field %s", key, field)
			}
			seen[key] = struct{}{}
			data, err := proto.Marshal(e)
			if err != nil {
				return nil, err
			}
			cols = append(cols, columnstore.Column{Name: propMapCol(field, key), Value: data})
		}
		return cols, nil
	}
	if value == nil {
		return nil, nil
	}
	data, err := proto.Marshal(value)
	if err != nil {
		return nil, err
	}
	return []columnstore.Column{{Name: propCol(field), Value: data}}, nil
}

// rendered is a materialized row along with the timestamps caches compare
// against.
type rendered struct {
	obj       proto.Object
	typ       string
	idPermsTs int64
	latestTs  int64
}

type fieldSet map[string]struct{}

func newFieldSet(fields []string) fieldSet {
	if fields == nil {
		return nil
	}
	s := make(fieldSet, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

func (s fieldSet) has(f string) bool {
	if s == nil {
		return true
	}
	_, ok := s[f]
	return ok
}

type positioned struct {
	value interface{}
	pos   string
	ts    int64
}

// render materializes a uuid row. It returns false when the row misses its
// type or fq_name column.
func (s *Store) render(ctx context.Context, uuid string, cols []columnstore.Column, fields []string) (*rendered, bool, error) {
	span := trace.SpanFromContextSafe(ctx)
	var r rendered
	filter := newFieldSet(fields)
	obj := proto.Object{proto.FieldUUID: uuid}
	lists := map[string][]positioned{}
	maps := map[string][]positioned{}
	children := map[string][]positioned{}
	refs := map[string][]interface{}{}

	var t *schema.TypeInfo
	for _, c := range cols {
		if c.Name == colType {
			if err := proto.Unmarshal(c.Value, &r.typ); err != nil {
				return nil, false, errors.Info(err, "decode type of", uuid).Detail(err)
			}
			var ok bool
			if t, ok = schema.Lookup(r.typ); !ok {
				return nil, false, errors.New("unknown type " + r.typ + " of " + uuid)
			}
		}
	}
	if t == nil {
		return nil, false, nil
	}

	hasFQName := false
	for _, c := range cols {
		prefix, parts := splitColumn(c.Name)
		switch prefix {
		case colFQName:
			v, err := proto.Decode(c.Value)
			if err != nil {
				return nil, false, errors.Info(err, "decode fq_name of", uuid).Detail(err)
			}
			obj[proto.FieldFQName] = v
			hasFQName = true
		case colParentType:
			v, err := proto.Decode(c.Value)
			if err != nil {
				return nil, false, errors.Info(err, "decode parent_type of", uuid).Detail(err)
			}
			obj[proto.FieldParentType] = v
		case prefixParent:
			if len(parts) == 2 {
				obj[proto.FieldParentType] = parts[0]
				obj[proto.FieldParentUUID] = parts[1]
			}
		case prefixProp:
			if len(parts) != 1 {
				continue
			}
			field := parts[0]
			if field == proto.FieldIDPerms {
				r.idPermsTs = c.Ts
			}
			if !t.IsProp(field) || !filter.has(field) {
				continue
			}
			v, err := proto.Decode(c.Value)
			if err != nil {
				return nil, false, errors.Info(err, "decode", c.Name, "of", uuid).Detail(err)
			}
			obj[field] = v
		case prefixPropList, prefixPropMap:
			if len(parts) != 2 || !filter.has(parts[0]) {
				continue
			}
			v, err := proto.Decode(c.Value)
			if err != nil {
				return nil, false, errors.Info(err, "decode", c.Name, "of", uuid).Detail(err)
			}
			if prefix == prefixPropList {
				lists[parts[0]] = append(lists[parts[0]], positioned{value: v, pos: parts[1]})
			} else {
				maps[parts[0]] = append(maps[parts[0]], positioned{value: v, pos: parts[1]})
			}
		case prefixChildren:
			if len(parts) != 2 {
				continue
			}
			field := t.ChildField(parts[0])
			if field == "" || !filter.has(field) {
				continue
			}
			children[field] = append(children[field], positioned{pos: parts[1], ts: c.Ts})
		case prefixRef, prefixBackref:
			if len(parts) != 2 {
				continue
			}
			var field string
			if prefix == prefixRef {
				if ref := t.RefByPeer(parts[0]); ref != nil {
					field = ref.Field
				}
			} else {
				field = t.BackrefField(parts[0])
			}
			if field == "" || !filter.has(field) {
				continue
			}
			fq, err := s.UUIDToFQName(ctx, parts[1])
			if err != nil {
				span.Debugf("skip dangling %s on %s: %v", c.Name, uuid, err)
				continue
			}
			v, err := decodeRefValue(c.Value)
			if err != nil {
				return nil, false, errors.Info(err, "decode", c.Name, "of", uuid).Detail(err)
			}
			refs[field] = append(refs[field], proto.RefInfo{To: fq, UUID: parts[1], Attr: v.Attr}.Object())
		default:
			if c.Name == colLatestTs {
				r.latestTs = c.Ts
			}
		}
	}
	if !hasFQName {
		return nil, false, nil
	}

	for field, elems := range lists {
		sort.SliceStable(elems, func(i, j int) bool { return util.ComparePosition(elems[i].pos, elems[j].pos) < 0 })
		obj[field] = wrapCollection(t.ListFields[field], values(elems))
	}
	for field, elems := range maps {
		if cf, ok := t.MapFields[field]; ok {
			obj[field] = wrapCollection(cf, values(elems))
		}
	}
	for field, elems := range children {
		sort.SliceStable(elems, func(i, j int) bool { return elems[i].ts < elems[j].ts })
		list := make([]interface{}, 0, len(elems))
		for _, e := range elems {
			childUUID := e.pos
			fq, err := s.UUIDToFQName(ctx, childUUID)
			if err != nil {
				span.Debugf("skip dangling child %s of %s: %v", childUUID, uuid, err)
				continue
			}
			list = append(list, proto.RefInfo{To: fq, UUID: childUUID}.Object())
		}
		obj[field] = list
	}
	for field, list := range refs {
		obj[field] = list
	}
	r.obj = obj
	return &r, true, nil
}

func values(elems []positioned) []interface{} {
	ret := make([]interface{}, len(elems))
	for i := range elems {
		ret[i] = elems[i].value
	}
	return ret
}
