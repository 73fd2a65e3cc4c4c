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

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

// Update applies the props and ref fields present in newObj. Fields absent
// from newObj are left untouched, a null scalar removes its column. Columns
// that already hold the requested value are not rewritten, so an update that
// changes nothing leaves every timestamp as it was.
func (s *Store) Update(ctx context.Context, typ, uuid string, newObj proto.Object) (symmetric []string, err error) {
	span := trace.SpanFromContextSafe(ctx)
	defer func(start time.Time) { observe("update", start, err) }(time.Now())

	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	cols, err := s.rowColumns(ctx, uuid)
	if err != nil {
		return nil, err
	}
	rt, err := rowType(cols)
	if err != nil {
		return nil, err
	}
	if rt != typ {
		return nil, apierrors.NewNotFound("%s %s not found", typ, uuid)
	}

	existing := make(map[string][]byte, len(cols))
	for _, c := range cols {
		existing[c.Name] = c.Value
	}

	m := s.newMutation()
	changed := false

	// props
	wanted := map[string][]byte{}
	owned := map[string]string{}
	for field, value := range newObj {
		if !t.IsProp(field) || field == proto.FieldIDPerms {
			continue
		}
		newCols, err := propColumns(t, field, value)
		if err != nil {
			return nil, err
		}
		for _, c := range newCols {
			wanted[c.Name] = c.Value
		}
		switch {
		case t.IsList(field):
			owned[field] = prefixPropList + ":" + field + ":"
		case t.IsMap(field):
			owned[field] = prefixPropMap + ":" + field + ":"
		default:
			owned[field] = propCol(field)
		}
	}
	for _, c := range cols {
		if !isOwnedBy(c.Name, owned) {
			continue
		}
		if _, ok := wanted[c.Name]; !ok {
			m.remove(uuid, c.Name)
			changed = true
		}
	}
	for name, value := range wanted {
		if old, ok := existing[name]; ok && bytes.Equal(old, value) {
			continue
		}
		m.insert(uuid, name, value)
		changed = true
	}

	// refs
	for field, ref := range t.RefFields {
		if _, ok := newObj[field]; !ok {
			continue
		}
		pending := map[string]proto.RefInfo{}
		var order []string
		for _, r := range newObj.Refs(field) {
			peerUUID, err := s.resolveRef(ctx, ref.PeerType, r)
			if err != nil {
				return nil, err
			}
			if _, ok := pending[peerUUID]; !ok {
				order = append(order, peerUUID)
			}
			pending[peerUUID] = r
		}
		refPrefix := prefixRef + ":" + ref.PeerType + ":"
		for _, c := range cols {
			if len(c.Name) <= len(refPrefix) || c.Name[:len(refPrefix)] != refPrefix {
				continue
			}
			peerUUID := c.Name[len(refPrefix):]
			r, keep := pending[peerUUID]
			if !keep {
				if err = m.removeRef(ctx, typ, uuid, ref.PeerType, peerUUID); err != nil {
					return nil, err
				}
				changed = true
				continue
			}
			delete(pending, peerUUID)
			value, err := encodeRefValue(r.Attr, ref.Weak)
			if err != nil {
				return nil, err
			}
			if bytes.Equal(value, c.Value) {
				continue
			}
			if err = m.addRef(ctx, typ, uuid, ref.PeerType, peerUUID, r.Attr, ref.Weak); err != nil {
				return nil, err
			}
			changed = true
		}
		for _, peerUUID := range order {
			r, ok := pending[peerUUID]
			if !ok {
				continue
			}
			if err = m.addRef(ctx, typ, uuid, ref.PeerType, peerUUID, r.Attr, ref.Weak); err != nil {
				return nil, err
			}
			changed = true
		}
	}

	// id_perms
	oldPerms := proto.Object{}
	if data, ok := existing[colIDPerms]; ok {
		v, err := proto.Decode(data)
		if err != nil {
			return nil, err
		}
		if o, ok := proto.AsObject(v); ok {
			oldPerms = o
		}
	}
	newPerms := oldPerms.Copy()
	if v, ok := newObj[proto.FieldIDPerms]; ok && v != nil {
		o, ok := proto.AsObject(v)
		if !ok {
			return nil, apierrors.NewBadRequest("id_perms of %s must be an object", uuid)
		}
		newPerms = o.Copy()
		newPerms[proto.IDPermsCreated] = oldPerms[proto.IDPermsCreated]
		newPerms[proto.IDPermsLastModified] = oldPerms[proto.IDPermsLastModified]
		if !proto.Equal(newPerms, oldPerms) {
			changed = true
		}
	}

	if !changed {
		span.Debugf("update of %s %s changes nothing", typ, uuid)
		return nil, nil
	}
	newPerms[proto.IDPermsLastModified] = m.now
	m.insert(uuid, colIDPerms, mustMarshal(newPerms))
	m.touch(uuid)
	// rows linking to this one render part of it
	for _, c := range cols {
		prefix, parts := splitColumn(c.Name)
		if len(parts) != 2 {
			continue
		}
		switch {
		case prefix == prefixBackref, prefix == prefixParent, prefix == prefixRef && parts[0] == typ:
			m.touch(parts[1])
		}
	}
	m.evict = append(m.evict, uuid)

	if err = m.commit(ctx); err != nil {
		span.Errorf("update %s %s failed: %v", typ, uuid, err)
		return nil, err
	}
	return m.symmetric, nil
}

// isOwnedBy reports whether column name stores one of the updated props.
func isOwnedBy(name string, owned map[string]string) bool {
	prefix, parts := splitColumn(name)
	if len(parts) == 0 {
		return false
	}
	field := parts[0]
	if prefix == prefixPropList || prefix == prefixPropMap {
		if len(parts) < 2 {
			return false
		}
		p, ok := owned[field]
		return ok && p == prefix+":"+field+":"
	}
	if prefix == prefixProp && len(parts) == 1 {
		p, ok := owned[field]
		return ok && p == name
	}
	return false
}
