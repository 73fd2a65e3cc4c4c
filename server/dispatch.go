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

package server

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/notify"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/resource"
	"github.com/cubefs/confdb/schema"
	"github.com/cubefs/confdb/store"
	"github.com/cubefs/confdb/undo"
)

const (
	opCreate      = "create"
	opRead        = "read"
	opUpdate      = "update"
	opDelete      = "delete"
	opList        = "list"
	opRefUpdate   = "ref_update"
	opPropCollect = "prop_collection"
)

// parents used when a create names neither fq_name nor parent
var defaultParentFQ = map[string][]string{
	"domain":               {resource.DefaultDomain},
	"project":              {resource.DefaultDomain, resource.DefaultProject},
	"global_system_config": {resource.DefaultGlobalConfig},
}

var identityFields = []string{
	proto.FieldUUID, proto.FieldFQName, proto.FieldParentType, proto.FieldParentUUID,
}

func lookupType(typ string) (*schema.TypeInfo, error) {
	t, ok := schema.Lookup(typ)
	if !ok {
		if t, ok = schema.LookupResource(typ); !ok {
			return nil, apierrors.NewBadRequest("unknown resource type %s", typ)
		}
	}
	return t, nil
}

func (s *Server) newRequest(ctx context.Context, typ, id string, fq []string) *resource.Request {
	return &resource.Request{
		Type:   typ,
		UUID:   id,
		FQName: fq,
		Tenant: tenantFrom(ctx),
		ReqID:  trace.SpanFromContextSafe(ctx).TraceID(),
	}
}

// Create persists a new object of typ and returns the stored dict. The
// uuid is minted unless obj carries one and fq_name is derived from the
// parent when absent.
func (s *Server) Create(ctx context.Context, typ string, obj proto.Object) (ret proto.Object, err error) {
	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	typ = t.ObjectType
	ctx, end, err := s.begin(ctx, typ, opCreate, true)
	if err != nil {
		return nil, err
	}
	defer end(&err)
	span := trace.SpanFromContextSafe(ctx)

	obj = obj.Copy()
	if obj == nil {
		obj = proto.Object{}
	}
	req, err := s.prepareCreate(ctx, t, obj)
	if err != nil {
		return nil, err
	}
	if err = resource.CheckQuota(ctx, s.env, typ, obj); err != nil {
		return nil, err
	}
	hooks := resource.Lookup(typ)
	if err = hooks.Run(ctx, s.env, resource.PreCreate, req); err != nil {
		return nil, err
	}
	symmetric, err := s.store.Create(ctx, typ, req.UUID, obj)
	if err != nil {
		return nil, err
	}
	undo.Push(ctx, "delete "+typ+" "+req.UUID, func(ctx context.Context) error {
		_, err := s.store.Delete(ctx, typ, req.UUID)
		return err
	})
	s.notify(ctx, hooks, resource.CreateNotification, req, symmetric)
	if err = hooks.Run(ctx, s.env, resource.PostCreate, req); err != nil {
		return nil, err
	}
	span.Infof("created %s %s %v", typ, req.UUID, req.FQName)
	return obj, nil
}

func (s *Server) prepareCreate(ctx context.Context, t *schema.TypeInfo, obj proto.Object) (*resource.Request, error) {
	id := obj.UUID()
	if id == "" {
		u, err := uuid.NewUUID()
		if err != nil {
			return nil, errors.Info(err, "mint uuid").Detail(err)
		}
		id = u.String()
		obj[proto.FieldUUID] = id
	}
	fq, parentType, err := s.deriveName(ctx, t, obj)
	if err != nil {
		return nil, err
	}
	obj[proto.FieldFQName] = fq
	if parentType != "" {
		obj[proto.FieldParentType] = parentType
	} else {
		delete(obj, proto.FieldParentType)
		delete(obj, proto.FieldParentUUID)
	}

	// fail before any hook reserves ids for a duplicate
	if existing, err := s.store.FQNameToUUID(ctx, t.ObjectType, fq); err == nil {
		return nil, apierrors.NewResourceExists("%s %s already exists with uuid %s", t.ObjectType, proto.JoinFQName(fq), existing)
	} else if !apierrors.Is(err, apierrors.ErrNotFound) {
		return nil, err
	}
	if _, err := s.store.UUIDToObjType(ctx, id); err == nil {
		return nil, apierrors.NewResourceExists("uuid %s already in use", id)
	} else if !apierrors.Is(err, apierrors.ErrNotFound) {
		return nil, err
	}

	fillDefaults(ctx, obj, id, fq)
	if err = s.resolveRefs(ctx, t, obj); err != nil {
		return nil, err
	}
	req := s.newRequest(ctx, t.ObjectType, id, fq)
	req.Obj = obj
	return req, nil
}

// deriveName returns the fq_name and parent type of a new object.
func (s *Server) deriveName(ctx context.Context, t *schema.TypeInfo, obj proto.Object) ([]string, string, error) {
	parentType := obj.ParentType()
	if parentType == proto.ConfigRoot {
		parentType = ""
	}
	parentUUID := obj.ParentUUID()
	if parentType == "" && parentUUID != "" {
		pt, err := s.store.UUIDToObjType(ctx, parentUUID)
		if err != nil {
			return nil, "", err
		}
		parentType = pt
	}

	fq := obj.FQName()
	switch {
	case len(fq) == 0:
		name := obj.String(proto.FieldName)
		if name == "" {
			name = "default-" + t.ResourceType
		}
		var parentFQ []string
		if parentType == "" && !t.Parentless() {
			parentType = t.ParentTypes[0]
		}
		if parentType != "" {
			if parentUUID != "" {
				pfq, err := s.store.UUIDToFQName(ctx, parentUUID)
				if err != nil {
					return nil, "", err
				}
				parentFQ = pfq
			} else if parentFQ = defaultParentFQ[parentType]; parentFQ == nil {
				return nil, "", apierrors.NewBadRequest("fq_name or parent_uuid of %s required", t.ObjectType)
			}
		}
		fq = append(append([]string{}, parentFQ...), name)
	case parentType == "" && len(fq) > 1:
		for _, p := range t.ParentTypes {
			if p == proto.ConfigRoot {
				continue
			}
			if _, err := s.store.FQNameToUUID(ctx, p, fq[:len(fq)-1]); err == nil {
				parentType = p
				break
			}
		}
		if parentType == "" && !t.Parentless() {
			return nil, "", apierrors.NewNotFound("parent of %s %s not found", t.ObjectType, proto.JoinFQName(fq))
		}
	}

	if !t.AllowsParent(parentType) {
		return nil, "", apierrors.NewBadRequest("invalid parent type %q for %s", parentType, t.ObjectType)
	}
	return fq, parentType, nil
}

func setDefault(o proto.Object, key string, v interface{}) {
	if _, ok := o[key]; !ok {
		o[key] = v
	}
}

func fillDefaults(ctx context.Context, obj proto.Object, id string, fq []string) {
	setDefault(obj, proto.FieldDisplayName, fq[len(fq)-1])

	perms := obj.Ensure(proto.FieldIDPerms)
	if u, err := uuid.Parse(id); err == nil {
		perms[proto.IDPermsUUID] = proto.Object{
			"uuid_mslong": int64(binary.BigEndian.Uint64(u[:8])),
			"uuid_lslong": int64(binary.BigEndian.Uint64(u[8:])),
		}
	}
	setDefault(perms, proto.IDPermsEnable, true)
	setDefault(perms, proto.IDPermsUserVisible, true)

	perms2 := obj.Ensure(proto.FieldPerms2)
	setDefault(perms2, "owner", tenantFrom(ctx))
	setDefault(perms2, "owner_access", int64(7))
	setDefault(perms2, "global_access", int64(0))
	setDefault(perms2, "share", []interface{}{})
}

// resolveRefs fills the missing uuid or to of every ref in obj. Unknown
// peers fail with not found.
func (s *Server) resolveRefs(ctx context.Context, t *schema.TypeInfo, obj proto.Object) error {
	for field, ref := range t.RefFields {
		if !obj.Has(field) || obj[field] == nil {
			continue
		}
		refs := obj.Refs(field)
		for i := range refs {
			r := &refs[i]
			if r.UUID == "" {
				if len(r.To) == 0 {
					return apierrors.NewBadRequest("%s entry without uuid or to", field)
				}
				id, err := s.store.FQNameToUUID(ctx, ref.PeerType, r.To)
				if err != nil {
					return err
				}
				r.UUID = id
				continue
			}
			peerType, err := s.store.UUIDToObjType(ctx, r.UUID)
			if err != nil {
				return err
			}
			if peerType != ref.PeerType {
				return apierrors.NewBadRequest("%s refers to %s %s", field, peerType, r.UUID)
			}
			if len(r.To) == 0 {
				if r.To, err = s.store.UUIDToFQName(ctx, r.UUID); err != nil {
					return err
				}
			}
		}
		obj.SetRefs(field, refs)
	}
	return nil
}

// Read returns one object. A nil fields reads everything.
func (s *Server) Read(ctx context.Context, typ, id string, fields []string) (ret proto.Object, err error) {
	objs, err := s.ReadMany(ctx, typ, []string{id}, &store.ReadOption{Fields: fields})
	if err != nil {
		return nil, err
	}
	return objs[0], nil
}

// ReadMany returns the found objects of ids in order. opt.ReadOnly lets the
// object cache serve them.
func (s *Server) ReadMany(ctx context.Context, typ string, ids []string, opt *store.ReadOption) (ret []proto.Object, err error) {
	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	ctx, end, err := s.begin(ctx, t.ObjectType, opRead, false)
	if err != nil {
		return nil, err
	}
	defer end(&err)
	return s.store.Read(ctx, t.ObjectType, ids, opt)
}

// Update writes the fields of obj over the stored object. Identity fields
// are ignored and a null value removes the field.
func (s *Server) Update(ctx context.Context, typ, id string, obj proto.Object) (ret proto.Object, err error) {
	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	typ = t.ObjectType
	ctx, end, err := s.begin(ctx, typ, opUpdate, true)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	db, err := s.store.ReadOne(ctx, typ, id, nil)
	if err != nil {
		return nil, err
	}
	obj = obj.Copy()
	if obj == nil {
		obj = proto.Object{}
	}
	for _, f := range identityFields {
		delete(obj, f)
	}
	if err = s.resolveRefs(ctx, t, obj); err != nil {
		return nil, err
	}
	req := s.newRequest(ctx, typ, id, db.FQName())
	req.Obj, req.DB = obj, db

	hooks := resource.Lookup(typ)
	if err = hooks.Run(ctx, s.env, resource.PreUpdate, req); err != nil {
		return nil, err
	}
	revert := revertOf(t, obj, db)
	symmetric, err := s.store.Update(ctx, typ, id, obj)
	if err != nil {
		return nil, err
	}
	undo.Push(ctx, "revert "+typ+" "+id, func(ctx context.Context) error {
		_, err := s.store.Update(ctx, typ, id, revert)
		return err
	})
	s.notify(ctx, hooks, resource.UpdateNotification, req, symmetric)
	if err = hooks.Run(ctx, s.env, resource.PostUpdate, req); err != nil {
		return nil, err
	}
	return req.Merged(), nil
}

// revertOf returns the update restoring the fields of obj to db.
func revertOf(t *schema.TypeInfo, obj, db proto.Object) proto.Object {
	revert := proto.Object{}
	for k := range obj {
		if v, ok := db[k]; ok {
			revert[k] = proto.DeepCopy(v)
			continue
		}
		if _, ok := t.RefFields[k]; ok {
			revert[k] = []interface{}{}
			continue
		}
		revert[k] = nil
	}
	delete(revert, proto.FieldIDPerms)
	return revert
}

// Delete removes an object. Children and strong back-refs block the
// delete unless the type owns them.
func (s *Server) Delete(ctx context.Context, typ, id string) (err error) {
	t, err := lookupType(typ)
	if err != nil {
		return err
	}
	typ = t.ObjectType
	ctx, end, err := s.begin(ctx, typ, opDelete, true)
	if err != nil {
		return err
	}
	defer end(&err)
	span := trace.SpanFromContextSafe(ctx)

	db, err := s.store.ReadOne(ctx, typ, id, nil)
	if err != nil {
		return err
	}
	hooks := resource.Lookup(typ)
	if err = s.checkDeletable(ctx, typ, id, hooks.DerivedChildren(db)); err != nil {
		return err
	}
	req := s.newRequest(ctx, typ, id, db.FQName())
	req.Obj, req.DB = proto.Object{}, db

	if err = hooks.Run(ctx, s.env, resource.PreDelete, req); err != nil {
		return err
	}
	symmetric, err := s.store.Delete(ctx, typ, id)
	if err != nil {
		return err
	}
	restore := restorable(t, db)
	undo.Push(ctx, "recreate "+typ+" "+id, func(ctx context.Context) error {
		_, err := s.store.Restore(ctx, typ, id, restore.Copy())
		return err
	})
	s.notify(ctx, hooks, resource.DeleteNotification, req, symmetric)
	if err = hooks.Run(ctx, s.env, resource.PostDelete, req); err != nil {
		return err
	}
	span.Infof("deleted %s %s %v", typ, id, req.FQName)
	return nil
}

func (s *Server) checkDeletable(ctx context.Context, typ, id string, derived []string) error {
	links, err := s.store.ReadLinks(ctx, typ, id)
	if err != nil {
		return err
	}
	owned := make(map[string]struct{}, len(derived))
	for _, d := range derived {
		owned[d] = struct{}{}
	}
	for _, c := range links.Children {
		if _, ok := owned[c.UUID]; !ok {
			return apierrors.NewConflict("Delete when children still present: %s %s", c.Type, c.UUID)
		}
	}
	for _, b := range links.Backrefs {
		if b.Weak || b.Relaxed {
			continue
		}
		if _, ok := owned[b.UUID]; ok {
			continue
		}
		return apierrors.NewConflict("Delete when resource still referred: %s %s", b.Type, b.UUID)
	}
	return nil
}

// restorable strips the link fields a recreate cannot write.
func restorable(t *schema.TypeInfo, db proto.Object) proto.Object {
	obj := db.Copy()
	for k := range obj {
		if t.IsLinkField(k) {
			delete(obj, k)
		}
	}
	return obj
}

// RefUpdate adds or removes a single ref. Type names may use either
// spelling.
func (s *Server) RefUpdate(ctx context.Context, ru *proto.RefUpdate) (err error) {
	t, err := lookupType(ru.Type)
	if err != nil {
		return err
	}
	pt, err := lookupType(ru.RefType)
	if err != nil {
		return err
	}
	typ, peerType := t.ObjectType, pt.ObjectType
	ctx, end, err := s.begin(ctx, typ, opRefUpdate, true)
	if err != nil {
		return err
	}
	defer end(&err)

	ref := t.RefByPeer(peerType)
	if ref == nil {
		return apierrors.NewBadRequest("%s has no refs to %s", typ, peerType)
	}
	if ru.Operation != proto.RefOpAdd && ru.Operation != proto.RefOpDelete {
		return apierrors.NewBadRequest("unknown ref operation %q", ru.Operation)
	}
	peerUUID := ru.RefUUID
	if peerUUID == "" {
		if peerUUID, err = s.store.FQNameToUUID(ctx, peerType, ru.RefFQName); err != nil {
			return err
		}
	}
	db, err := s.store.ReadOne(ctx, typ, ru.UUID, nil)
	if err != nil {
		return err
	}
	var prev *proto.RefInfo
	for _, r := range db.Refs(ref.Field) {
		if r.UUID == peerUUID {
			r := r
			prev = &r
			break
		}
	}

	norm := *ru
	norm.Type, norm.RefType, norm.RefUUID = typ, peerType, peerUUID
	req := s.newRequest(ctx, typ, ru.UUID, db.FQName())
	req.Obj, req.DB, req.RefUpdate = proto.Object{}, db, &norm

	hooks := resource.Lookup(typ)
	if err = hooks.Run(ctx, s.env, resource.PreUpdate, req); err != nil {
		return err
	}
	symmetric, err := s.store.RefUpdate(ctx, typ, ru.UUID, peerType, peerUUID, ru.Operation, ru.Attr)
	if err != nil {
		return err
	}
	undo.Push(ctx, "revert ref "+typ+" "+ru.UUID+" "+peerUUID, func(ctx context.Context) error {
		var err error
		switch {
		case prev != nil:
			_, err = s.store.RefUpdate(ctx, typ, ru.UUID, peerType, peerUUID, proto.RefOpAdd, prev.Attr)
		case ru.Operation == proto.RefOpAdd:
			_, err = s.store.RefUpdate(ctx, typ, ru.UUID, peerType, peerUUID, proto.RefOpDelete, nil)
		}
		return err
	})
	s.notify(ctx, hooks, resource.UpdateNotification, req, symmetric)
	if err = hooks.Run(ctx, s.env, resource.PostUpdate, req); err != nil {
		return err
	}
	return nil
}

func (s *Server) PropCollectionRead(ctx context.Context, typ, id string, fields []string, position string) (ret *store.PropCollection, err error) {
	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	ctx, end, err := s.begin(ctx, t.ObjectType, opPropCollect, false)
	if err != nil {
		return nil, err
	}
	defer end(&err)
	return s.store.PropCollectionRead(ctx, t.ObjectType, id, fields, position)
}

// PropCollectionUpdate applies scoped edits to list and map properties.
func (s *Server) PropCollectionUpdate(ctx context.Context, typ, id string, updates []proto.CollectionUpdate) (err error) {
	t, err := lookupType(typ)
	if err != nil {
		return err
	}
	typ = t.ObjectType
	ctx, end, err := s.begin(ctx, typ, opPropCollect, true)
	if err != nil {
		return err
	}
	defer end(&err)

	db, err := s.store.ReadOne(ctx, typ, id, nil)
	if err != nil {
		return err
	}
	req := s.newRequest(ctx, typ, id, db.FQName())
	req.Obj, req.DB, req.CollectionUpdates = proto.Object{}, db, updates

	hooks := resource.Lookup(typ)
	if err = hooks.Run(ctx, s.env, resource.PreUpdate, req); err != nil {
		return err
	}
	revert := proto.Object{}
	for _, u := range updates {
		revert[u.Field] = proto.DeepCopy(db[u.Field])
	}
	if err = s.store.PropCollectionUpdate(ctx, typ, id, updates); err != nil {
		return err
	}
	undo.Push(ctx, "revert collections "+typ+" "+id, func(ctx context.Context) error {
		_, err := s.store.Update(ctx, typ, id, revert)
		return err
	})
	s.notify(ctx, hooks, resource.UpdateNotification, req, nil)
	if err = hooks.Run(ctx, s.env, resource.PostUpdate, req); err != nil {
		return err
	}
	return nil
}

func (s *Server) List(ctx context.Context, typ string, args *store.ListArgs) (ret *store.ListResult, err error) {
	t, err := lookupType(typ)
	if err != nil {
		return nil, err
	}
	ctx, end, err := s.begin(ctx, t.ObjectType, opList, false)
	if err != nil {
		return nil, err
	}
	defer end(&err)
	if args == nil {
		args = &store.ListArgs{}
	}
	return s.store.List(ctx, t.ObjectType, args)
}

// RelaxRefForDelete lets the referent of refUUID be deleted while uuid still
// refers to it.
func (s *Server) RelaxRefForDelete(ctx context.Context, id, refUUID string) error {
	return s.store.RelaxRefForDelete(ctx, id, refUUID)
}

func (s *Server) FQNameToUUID(ctx context.Context, typ string, fq []string) (string, error) {
	t, err := lookupType(typ)
	if err != nil {
		return "", err
	}
	return s.store.FQNameToUUID(ctx, t.ObjectType, fq)
}

func (s *Server) UUIDToFQName(ctx context.Context, id string) ([]string, error) {
	return s.store.UUIDToFQName(ctx, id)
}

func (s *Server) UUIDToObjType(ctx context.Context, id string) (string, error) {
	return s.store.UUIDToObjType(ctx, id)
}

func (s *Server) SetShared(ctx context.Context, typ, id, shareType, shareID string, rwx int64) error {
	return s.store.SetShared(ctx, typ, id, shareType, shareID, rwx)
}

func (s *Server) DelShared(ctx context.Context, typ, id, shareType, shareID string) error {
	return s.store.DelShared(ctx, typ, id, shareType, shareID)
}

func (s *Server) GetShared(ctx context.Context, typ, shareID, shareType string) ([]store.SharedEntry, error) {
	return s.store.GetShared(ctx, typ, shareID, shareType)
}

// notify queues the notification of req and of the peers whose back-refs
// changed until the outermost request succeeds.
func (s *Server) notify(ctx context.Context, hooks *resource.Hooks, phase resource.Phase, req *resource.Request, symmetric []string) {
	sc := scopeFrom(ctx)
	if sc == nil {
		return
	}
	sc.later(func(ctx context.Context) {
		span := trace.SpanFromContextSafe(ctx)
		if err := hooks.Run(ctx, s.env, phase, req); err != nil {
			span.Warnf("%s of %s %s failed: %v", phase, req.Type, req.UUID, err)
		}
		for _, peer := range symmetric {
			typ, err := s.store.UUIDToObjType(ctx, peer)
			if err != nil {
				continue
			}
			fq, _ := s.store.UUIDToFQName(ctx, peer)
			n := &notify.Notification{Oper: notify.OpUpdate, Type: typ, UUID: peer, FQName: fq, RequestID: req.ReqID}
			if err = s.bus.Publish(n); err != nil {
				span.Warnf("publish update of %s %s failed: %v", typ, peer, err)
			}
		}
	})
}
