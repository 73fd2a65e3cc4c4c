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

// Create writes a new resource row together with its fq name index entry,
// parent link and ref edges in one batch. It returns the peers that need a
// symmetric update notification. id_perms and parent_uuid of obj are filled
// in place.
func (s *Store) Create(ctx context.Context, typ, uuid string, obj proto.Object) (symmetric []string, err error) {
	defer func(start time.Time) { observe("create", start, err) }(time.Now())
	return s.create(ctx, typ, uuid, obj, false)
}

// Restore recreates a deleted row like Create but keeps the
// id_perms.created carried by obj.
func (s *Store) Restore(ctx context.Context, typ, uuid string, obj proto.Object) (symmetric []string, err error) {
	defer func(start time.Time) { observe("restore", start, err) }(time.Now())
	return s.create(ctx, typ, uuid, obj, true)
}

func (s *Store) create(ctx context.Context, typ, uuid string, obj proto.Object, restore bool) ([]string, error) {
	span := trace.SpanFromContextSafe(ctx)

	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	fq := obj.FQName()
	if len(fq) == 0 {
		return nil, apierrors.NewBadRequest("fq_name of %s missing", typ)
	}
	if uuid == "" {
		return nil, apierrors.NewBadRequest("uuid of %s missing", typ)
	}
	if err = s.checkUnique(ctx, typ, uuid, fq); err != nil {
		return nil, err
	}

	m := s.newMutation()
	parentType := obj.ParentType()
	if parentType == proto.ConfigRoot {
		parentType = ""
	}
	if !t.AllowsParent(parentType) {
		return nil, apierrors.NewBadRequest("invalid parent type %q for %s", parentType, typ)
	}
	if parentType != "" {
		if len(fq) < 2 {
			return nil, apierrors.NewBadRequest("fq_name %v of %s has no parent part", fq, typ)
		}
		parentUUID, err := s.FQNameToUUID(ctx, parentType, fq[:len(fq)-1])
		if err != nil {
			return nil, err
		}
		if given := obj.ParentUUID(); given != "" && given != parentUUID {
			return nil, apierrors.NewBadRequest("parent_uuid %s does not match fq_name %v", given, fq)
		}
		obj[proto.FieldParentUUID] = parentUUID
		m.insert(uuid, parentCol(parentType, parentUUID), proto.NullValue)
		m.insert(parentUUID, childCol(typ, uuid), proto.NullValue)
		m.touch(parentUUID)
		m.insert(uuid, colParentType, mustMarshal(parentType))
	}

	idPerms := obj.Ensure(proto.FieldIDPerms)
	if !restore || idPerms.String(proto.IDPermsCreated) == "" {
		idPerms[proto.IDPermsCreated] = m.now
	}
	idPerms[proto.IDPermsLastModified] = m.now

	for _, field := range t.PropFields {
		value, ok := obj[field]
		if !ok {
			continue
		}
		cols, err := propColumns(t, field, value)
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			m.insert(uuid, c.Name, c.Value)
		}
	}

	for field, ref := range t.RefFields {
		for _, r := range obj.Refs(field) {
			peerUUID, err := s.resolveRef(ctx, ref.PeerType, r)
			if err != nil {
				return nil, err
			}
			if err = m.addRef(ctx, typ, uuid, ref.PeerType, peerUUID, r.Attr, ref.Weak); err != nil {
				return nil, err
			}
		}
	}

	m.insert(uuid, colType, mustMarshal(typ))
	m.insert(uuid, colFQName, mustMarshal(fq))
	m.touch(uuid)
	m.b.InsertValue(columnstore.ObjFQNameTable, typ, fqIndexColumn(fq, uuid), proto.NullValue)

	if err = m.commit(ctx); err != nil {
		span.Errorf("create %s %s failed: %v", typ, uuid, err)
		return nil, err
	}
	s.names.set(uuid, fq, typ)
	span.Debugf("created %s %s %v", typ, uuid, fq)
	return m.symmetric, nil
}

func (s *Store) checkUnique(ctx context.Context, typ, uuid string, fq []string) error {
	if existing, err := s.FQNameToUUID(ctx, typ, fq); err == nil {
		return apierrors.NewResourceExists("%s %s already exists with uuid %s", typ, proto.JoinFQName(fq), existing)
	} else if !apierrors.Is(err, apierrors.ErrNotFound) {
		return err
	}
	cols, err := s.db.Get(ctx, columnstore.ObjUUIDTable, uuid, &columnstore.SliceOption{Columns: []string{colType}})
	if err != nil {
		return err
	}
	if len(cols) > 0 {
		return apierrors.NewResourceExists("uuid %s already in use", uuid)
	}
	return nil
}

// refField returns the ref field declared for peerType or a bad request.
func refField(t *schema.TypeInfo, peerType string) (*schema.RefField, error) {
	ref := t.RefByPeer(peerType)
	if ref == nil {
		return nil, apierrors.NewBadRequest("%s has no ref to %s", t.ObjectType, peerType)
	}
	return ref, nil
}
