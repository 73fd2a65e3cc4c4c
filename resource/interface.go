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

package resource

import (
	"context"
	"strings"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/store"
)

const fieldLIVlan = "logical_interface_vlan_tag"

// qfxReservedVlans may not be configured on logical interfaces of QFX
// routers.
var qfxReservedVlans = map[int64]struct{}{1: {}, 2: {}, 4094: {}}

func init() {
	register("physical_interface", map[Phase]HookFunc{
		PreCreate: piPreCreate,
		PreUpdate: displayNameFixed,
	}, nil)
	register("logical_interface", map[Phase]HookFunc{
		PreCreate: liPreCreate,
		PreUpdate: liPreUpdate,
	}, nil)
}

func displayName(obj proto.Object) string {
	if dn := obj.String(proto.FieldDisplayName); dn != "" {
		return dn
	}
	return obj.Name()
}

func displayNameFixed(ctx context.Context, env *Env, req *Request) error {
	if v, ok := req.Obj[proto.FieldDisplayName]; ok && !proto.Equal(v, displayName(req.DB)) {
		return apierrors.NewBadRequest("Cannot change display name !")
	}
	return nil
}

func siblings(ctx context.Context, s *store.Store, typ, parent string, fields ...string) ([]store.ListItem, error) {
	ret, err := s.List(ctx, typ, &store.ListArgs{ParentUUIDs: []string{parent}, Fields: fields, IsDetail: true})
	if err != nil {
		return nil, err
	}
	return ret.Items, nil
}

func piPreCreate(ctx context.Context, env *Env, req *Request) error {
	dn := displayName(req.Obj)
	items, err := siblings(ctx, env.Store, "physical_interface", req.Obj.ParentUUID(), proto.FieldDisplayName)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.UUID != req.UUID && displayName(item.Obj) == dn {
			return apierrors.NewConflict("Display name already used in another interface : %s", item.UUID)
		}
	}
	return nil
}

// routerOf returns the physical router a logical interface lives on.
func routerOf(ctx context.Context, s *store.Store, obj proto.Object) (proto.Object, error) {
	parent := obj.ParentUUID()
	if obj.ParentType() == "physical_interface" {
		pi, err := s.ReadOne(ctx, "physical_interface", parent, &store.ReadOption{Fields: []string{}})
		if err != nil {
			return nil, err
		}
		parent = pi.ParentUUID()
	}
	return s.ReadOne(ctx, "physical_router", parent, &store.ReadOption{Fields: []string{"physical_router_product_name"}})
}

func liPreCreate(ctx context.Context, env *Env, req *Request) error {
	obj := req.Obj
	vlan, ok := obj.Int(fieldLIVlan)
	if !ok {
		return nil
	}
	if vlan < 0 || vlan > maxVlan {
		return apierrors.NewBadRequest("Invalid Vlan id %d, it must be in range [0, %d]", vlan, maxVlan)
	}
	router, err := routerOf(ctx, env.Store, obj)
	if err != nil {
		return err
	}
	if _, reserved := qfxReservedVlans[vlan]; reserved &&
		strings.Contains(strings.ToLower(router.String("physical_router_product_name")), "qfx") {
		return apierrors.NewBadRequest("Vlan ids 1, 2 and 4094 are not allowed on QFX logical interfaces")
	}
	items, err := siblings(ctx, env.Store, "logical_interface", obj.ParentUUID(), fieldLIVlan)
	if err != nil {
		return err
	}
	for _, item := range items {
		if v, ok := item.Obj.Int(fieldLIVlan); ok && v == vlan && item.UUID != req.UUID {
			return apierrors.NewConflict("Vlan tag %d already used in another interface : %s", vlan, item.UUID)
		}
	}
	return nil
}

func liPreUpdate(ctx context.Context, env *Env, req *Request) error {
	if v, ok := req.Obj[fieldLIVlan]; ok && !proto.Equal(v, req.DB[fieldLIVlan]) {
		return apierrors.NewBadRequest("Cannot change Vlan id")
	}
	return displayNameFixed(ctx, env, req)
}
