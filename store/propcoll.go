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
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/common/columnstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/schema"
	"github.com/cubefs/confdb/util"
)

// PropCollection is the result of a scoped read of list and map props.
type PropCollection struct {
	Fields  map[string][]proto.CollectionElem
	IDPerms proto.Object
}

func collectionPrefix(t *schema.TypeInfo, field string) (string, error) {
	switch {
	case t.IsList(field):
		return prefixPropList, nil
	case t.IsMap(field):
		return prefixPropMap, nil
	}
	return "", apierrors.NewBadRequest("%s is not a list or map property of %s", field, t.ObjectType)
}

// PropCollectionRead reads list and map props element wise. An empty
// position returns every element, otherwise the element at that position
// or map key, if any. id_perms is always returned.
func (s *Store) PropCollectionRead(ctx context.Context, typ, uuid string, fields []string, position string) (ret *PropCollection, err error) {
	defer func(start time.Time) { observe("prop_collection_read", start, err) }(time.Now())

	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	cols, err := s.db.Get(ctx, columnstore.ObjUUIDTable, uuid, &columnstore.SliceOption{Columns: []string{colType, colIDPerms}})
	if err != nil {
		return nil, err
	}
	if rt, err := rowType(cols); err != nil || rt != typ {
		return nil, apierrors.NewNotFound("%s %s not found", typ, uuid)
	}
	ret = &PropCollection{Fields: map[string][]proto.CollectionElem{}, IDPerms: proto.Object{}}
	for _, c := range cols {
		if c.Name == colIDPerms {
			v, err := proto.Decode(c.Value)
			if err != nil {
				return nil, err
			}
			ret.IDPerms, _ = proto.AsObject(v)
		}
	}

	for _, field := range fields {
		prefix, err := collectionPrefix(t, field)
		if err != nil {
			return nil, err
		}
		slice := &columnstore.SliceOption{
			Start:  prefix + ":" + field + ":",
			Finish: prefix + ":" + field + ";",
		}
		if position != "" {
			slice = &columnstore.SliceOption{Columns: []string{prefix + ":" + field + ":" + position}}
		}
		elemCols, err := s.db.Get(ctx, columnstore.ObjUUIDTable, uuid, slice)
		if err != nil {
			return nil, err
		}
		elems := make([]proto.CollectionElem, 0, len(elemCols))
		for _, c := range elemCols {
			_, parts := splitColumn(c.Name)
			if len(parts) != 2 {
				continue
			}
			v, err := proto.Decode(c.Value)
			if err != nil {
				return nil, err
			}
			elems = append(elems, proto.CollectionElem{Value: v, Position: parts[1]})
		}
		if prefix == prefixPropList {
			sort.SliceStable(elems, func(i, j int) bool {
				return util.ComparePosition(elems[i].Position, elems[j].Position) < 0
			})
		}
		ret.Fields[field] = elems
	}
	return ret, nil
}

// PropCollectionUpdate applies scoped edits to list and map props.
func (s *Store) PropCollectionUpdate(ctx context.Context, typ, uuid string, updates []proto.CollectionUpdate) (err error) {
	span := trace.SpanFromContextSafe(ctx)
	defer func(start time.Time) { observe("prop_collection_update", start, err) }(time.Now())

	t, err := lookupType(typ)
	if err != nil {
		return err
	}
	cols, err := s.rowColumns(ctx, uuid)
	if err != nil {
		return err
	}
	if rt, err := rowType(cols); err != nil || rt != typ {
		return apierrors.NewNotFound("%s %s not found", typ, uuid)
	}
	// current state per column, edited in place by the updates
	state := map[string][]byte{}
	for _, c := range cols {
		state[c.Name] = c.Value
	}
	orig := make(map[string][]byte, len(state))
	for k, v := range state {
		orig[k] = v
	}

	for _, u := range updates {
		if err = applyCollectionUpdate(t, state, u); err != nil {
			return err
		}
	}

	m := s.newMutation()
	for name := range orig {
		prefix, _ := splitColumn(name)
		if prefix != prefixPropList && prefix != prefixPropMap {
			continue
		}
		if _, ok := state[name]; !ok {
			m.remove(uuid, name)
		}
	}
	for name, value := range state {
		if old, ok := orig[name]; ok && string(old) == string(value) {
			continue
		}
		m.insert(uuid, name, value)
	}
	if m.b.Len() == 0 {
		return nil
	}
	if err = m.stampSelf(cols, uuid); err != nil {
		return err
	}
	if err = m.commit(ctx); err != nil {
		span.Errorf("prop collection update of %s %s failed: %v", typ, uuid, err)
	}
	return err
}

func applyCollectionUpdate(t *schema.TypeInfo, state map[string][]byte, u proto.CollectionUpdate) error {
	prefix, err := collectionPrefix(t, u.Field)
	if err != nil {
		return err
	}
	fieldPrefix := prefix + ":" + u.Field + ":"
	positions := func() []string {
		var ret []string
		for name := range state {
			if len(name) > len(fieldPrefix) && name[:len(fieldPrefix)] == fieldPrefix {
				ret = append(ret, name[len(fieldPrefix):])
			}
		}
		return ret
	}

	switch u.Operation {
	case proto.CollectionSet:
		for _, pos := range positions() {
			delete(state, fieldPrefix+pos)
		}
		cf := t.ListFields[u.Field]
		if cf == nil {
			cf = t.MapFields[u.Field]
		}
		// a bare element list is accepted for wrapped props too
		value := u.Value
		if l, ok := proto.AsList(value); ok {
			value = wrapCollection(cf, l)
		}
		newCols, err := propColumns(t, u.Field, value)
		if err != nil {
			return err
		}
		for _, c := range newCols {
			state[c.Name] = c.Value
		}
		return nil
	case proto.CollectionAdd, proto.CollectionModify:
		if u.Value == nil {
			return apierrors.NewBadRequest("%s of %s requires a value", u.Operation, u.Field)
		}
		data, err := proto.Marshal(u.Value)
		if err != nil {
			return err
		}
		pos := u.Position
		if prefix == prefixPropMap {
			key, err := mapKey(t.MapFields[u.Field], u.Value)
			if err != nil {
				return err
			}
			pos = key
		}
		_, exists := state[fieldPrefix+pos]
		if u.Operation == proto.CollectionModify {
			if pos == "" || !exists {
				return apierrors.NewBadRequest("no element at %q of %s to modify", pos, u.Field)
			}
		} else if prefix == prefixPropMap && exists {
			return apierrors.NewBadRequest("key %s of %s already present", pos, u.Field)
		} else if prefix == prefixPropList && (pos == "" || exists) {
			pos = nextPosition(positions())
		}
		state[fieldPrefix+pos] = data
		return nil
	case proto.CollectionDelete:
		if u.Position == "" {
			return apierrors.NewBadRequest("delete of %s requires a position", u.Field)
		}
		if _, ok := state[fieldPrefix+u.Position]; !ok {
			return apierrors.NewBadRequest("no element at %q of %s to delete", u.Position, u.Field)
		}
		delete(state, fieldPrefix+u.Position)
		return nil
	}
	return apierrors.NewBadRequest("unknown collection operation %s", u.Operation)
}

// nextPosition returns the position after the highest numeric one.
func nextPosition(positions []string) string {
	next := int64(0)
	for _, p := range positions {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil && n >= next {
			next = n + 1
		}
	}
	return strconv.FormatInt(next, 10)
}
