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
	"bytes"
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/common/columnstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

// RefUpdate adds or removes a single ref edge of uuid. Adding an edge that
// already carries attr changes nothing.
func (s *Store) RefUpdate(ctx context.Context, typ, uuid, peerType, peerUUID string, op proto.RefOp, attr interface{}) (symmetric []string, err error) {
	span := trace.SpanFromContextSafe(ctx)
	defer func(start time.Time) { observe("ref_update", start, err) }(time.Now())

	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	ref, err := refField(t, peerType)
	if err != nil {
		return nil, err
	}
	cols, err := s.db.Get(ctx, columnstore.ObjUUIDTable, uuid, &columnstore.SliceOption{
		Columns: []string{colType, colIDPerms, refCol(peerType, peerUUID)},
	})
	if err != nil {
		return nil, err
	}
	if rt, err := rowType(cols); err != nil || rt != typ {
		return nil, apierrors.NewNotFound("%s %s not found", typ, uuid)
	}
	var current []byte
	for _, c := range cols {
		if c.Name == refCol(peerType, peerUUID) {
			current = c.Value
		}
	}

	m := s.newMutation()
	switch op {
	case proto.RefOpAdd:
		pt, err := s.UUIDToObjType(ctx, peerUUID)
		if err != nil {
			return nil, err
		}
		if pt != peerType {
			return nil, apierrors.NewBadRequest("%s is a %s, not a %s", peerUUID, pt, peerType)
		}
		value, err := encodeRefValue(attr, ref.Weak)
		if err != nil {
			return nil, err
		}
		if current != nil && bytes.Equal(current, value) {
			return nil, nil
		}
		if err = m.addRef(ctx, typ, uuid, peerType, peerUUID, attr, ref.Weak); err != nil {
			return nil, err
		}
	case proto.RefOpDelete:
		if current == nil {
			return nil, nil
		}
		if err = m.removeRef(ctx, typ, uuid, peerType, peerUUID); err != nil {
			return nil, err
		}
	default:
		return nil, apierrors.NewBadRequest("unknown ref operation %s", op)
	}
	if err = m.stampSelf(cols, uuid); err != nil {
		return nil, err
	}
	if err = m.commit(ctx); err != nil {
		span.Errorf("ref update %s %s -> %s failed: %v", typ, uuid, peerUUID, err)
		return nil, err
	}
	return m.symmetric, nil
}

// stampSelf refreshes last_modified of the row whose own columns the
// mutation changed and evicts it from the object cache.
func (m *mutation) stampSelf(cols []columnstore.Column, uuid string) error {
	idPerms := proto.Object{}
	for _, c := range cols {
		if c.Name != colIDPerms {
			continue
		}
		v, err := proto.Decode(c.Value)
		if err != nil {
			return err
		}
		if o, ok := proto.AsObject(v); ok {
			idPerms = o
		}
	}
	idPerms[proto.IDPermsLastModified] = m.now
	m.insert(uuid, colIDPerms, mustMarshal(idPerms))
	m.touch(uuid)
	m.evict = append(m.evict, uuid)
	return nil
}

// RelaxRefForDelete marks the ref from uuid to refUUID as allowed to dangle
// once refUUID is deleted.
func (s *Store) RelaxRefForDelete(ctx context.Context, uuid, refUUID string) error {
	b := columnstore.NewBatch()
	b.InsertValue(columnstore.ObjUUIDTable, refUUID, relaxBackrefCol(uuid), proto.NullValue)
	return s.db.Write(ctx, b)
}

// RelaxedBackrefs lists the sources that relaxed their ref to uuid.
func (s *Store) RelaxedBackrefs(ctx context.Context, uuid string) (map[string]struct{}, error) {
	cols, err := s.db.Get(ctx, columnstore.ObjUUIDTable, uuid, columnstore.PrefixSlice(prefixRelaxBackref+":"))
	if err != nil {
		return nil, err
	}
	ret := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		_, parts := splitColumn(c.Name)
		if len(parts) == 1 {
			ret[parts[0]] = struct{}{}
		}
	}
	return ret, nil
}

// Links describes the incoming edges of a row.
type Links struct {
	Children []LinkRef
	Backrefs []LinkRef
}

type LinkRef struct {
	Type    string
	UUID    string
	Weak    bool
	Relaxed bool
}

// ReadLinks returns the children and back-refs of uuid.
func (s *Store) ReadLinks(ctx context.Context, typ, uuid string) (*Links, error) {
	cols, err := s.rowColumns(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if rt, err := rowType(cols); err != nil || rt != typ {
		return nil, apierrors.NewNotFound("%s %s not found", typ, uuid)
	}
	relaxed := map[string]struct{}{}
	for _, c := range cols {
		if prefix, parts := splitColumn(c.Name); prefix == prefixRelaxBackref && len(parts) == 1 {
			relaxed[parts[0]] = struct{}{}
		}
	}
	links := &Links{}
	for _, c := range cols {
		prefix, parts := splitColumn(c.Name)
		if len(parts) != 2 {
			continue
		}
		switch {
		case prefix == prefixChildren:
			links.Children = append(links.Children, LinkRef{Type: parts[0], UUID: parts[1]})
		case prefix == prefixBackref:
			v, err := decodeRefValue(c.Value)
			if err != nil {
				return nil, err
			}
			_, rel := relaxed[parts[1]]
			links.Backrefs = append(links.Backrefs, LinkRef{Type: parts[0], UUID: parts[1], Weak: v.IsWeakref, Relaxed: rel})
		}
	}
	return links, nil
}
