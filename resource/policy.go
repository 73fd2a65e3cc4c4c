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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/allocator"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/undo"
)

const (
	fieldSGID           = "security_group_id"
	fieldConfiguredSGID = "configured_security_group_id"
	fieldSGEntries      = "security_group_entries"
)

func init() {
	register("security_group", map[Phase]HookFunc{
		PreCreate:  sgPreCreate,
		PreUpdate:  sgPreUpdate,
		PostUpdate: sgPostUpdate,
		PostDelete: sgPostDelete,
	}, nil)
	register("network_policy", map[Phase]HookFunc{
		PreCreate: policyCheck,
		PreUpdate: policyCheck,
	}, nil)
	register("logical_router", map[Phase]HookFunc{
		PreCreate: routerCheck,
		PreUpdate: routerCheck,
	}, nil)
}

func configuredSGID(obj proto.Object) (uint64, bool, error) {
	id, ok := obj.Int(fieldConfiguredSGID)
	if !ok || id == 0 {
		return 0, false, nil
	}
	if id < 1 || id >= allocator.SGIDMinAlloc {
		return 0, false, apierrors.NewBadRequest("Configured security group id %d must be in range [1, %d)", id, allocator.SGIDMinAlloc)
	}
	return uint64(id), true, nil
}

// allocSGID hands out a fresh id for the group and registers its release.
func allocSGID(ctx context.Context, env *Env, fq []string) (uint64, error) {
	id, err := env.Alloc.AllocSGID(ctx, proto.JoinFQName(fq))
	if err != nil {
		return 0, err
	}
	undo.Push(ctx, "free sg id", func(ctx context.Context) error {
		return env.Alloc.FreeSGID(ctx, id)
	})
	return id, nil
}

func sgPreCreate(ctx context.Context, env *Env, req *Request) error {
	obj := req.Obj
	if err := CheckPolicyRules(obj.Object(fieldSGEntries), true); err != nil {
		return err
	}
	if err := checkRuleQuota(ctx, env, req.UUID, obj); err != nil {
		return err
	}
	id, ok, err := configuredSGID(obj)
	if err != nil {
		return err
	}
	if !ok {
		if id, err = allocSGID(ctx, env, req.FQName); err != nil {
			return err
		}
	}
	obj[fieldSGID] = id
	return nil
}

func sgPreUpdate(ctx context.Context, env *Env, req *Request) error {
	obj := req.Obj
	if obj.Has(fieldSGEntries) {
		if err := CheckPolicyRules(obj.Object(fieldSGEntries), true); err != nil {
			return err
		}
		if err := checkRuleQuota(ctx, env, req.UUID, req.Merged()); err != nil {
			return err
		}
	}
	if !obj.Has(fieldConfiguredSGID) {
		return nil
	}
	id, ok, err := configuredSGID(obj)
	if err != nil {
		return err
	}
	old, _ := req.DB.Int(fieldSGID)
	switch {
	case ok:
		obj[fieldSGID] = id
	case old > 0 && uint64(old) >= allocator.SGIDMinAlloc:
		// keep the allocated id
	default:
		if id, err = allocSGID(ctx, env, req.FQName); err != nil {
			return err
		}
		obj[fieldSGID] = id
	}
	return nil
}

// sgPostUpdate releases an allocated id replaced by a configured one.
func sgPostUpdate(ctx context.Context, env *Env, req *Request) error {
	old, _ := req.DB.Int(fieldSGID)
	cur, ok := req.Obj.Int(fieldSGID)
	if !ok || old == cur || uint64(old) < allocator.SGIDMinAlloc {
		return nil
	}
	if err := env.Alloc.FreeSGID(ctx, uint64(old)); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("free sg id %d of %v failed: %v", old, req.FQName, err)
	}
	return nil
}

func sgPostDelete(ctx context.Context, env *Env, req *Request) error {
	id, _ := req.DB.Int(fieldSGID)
	if uint64(id) < allocator.SGIDMinAlloc {
		return nil
	}
	if err := env.Alloc.FreeSGID(ctx, uint64(id)); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("free sg id %d of %v failed: %v", id, req.FQName, err)
	}
	return nil
}

func policyCheck(ctx context.Context, env *Env, req *Request) error {
	return CheckPolicyRules(req.Obj.Object("network_policy_entries"), false)
}

// routerCheck rejects interfaces already bound to a virtual machine and
// interfaces on the gateway network of the router.
func routerCheck(ctx context.Context, env *Env, req *Request) error {
	merged := req.Obj
	if req.DB != nil {
		merged = req.Merged()
	}
	gateways := map[string]struct{}{}
	for _, ref := range merged.Refs("virtual_network_refs") {
		uuid, err := refUUID(ctx, env.Store, "virtual_network", ref)
		if err != nil {
			return err
		}
		gateways[uuid] = struct{}{}
	}
	for _, ref := range merged.Refs("virtual_machine_interface_refs") {
		vmi, err := readRef(ctx, env.Store, "virtual_machine_interface", ref,
			"virtual_machine_refs", "virtual_network_refs", fieldDeviceOwner)
		if err != nil {
			return err
		}
		if vms := vmi.Refs("virtual_machine_refs"); len(vms) > 0 {
			return apierrors.NewConflict("Port %s already in use by virtual-machine %s", vmi.UUID(), vms[0].UUID)
		}
		for _, vn := range vmi.Refs("virtual_network_refs") {
			if _, ok := gateways[vn.UUID]; ok {
				return apierrors.NewBadRequest("Logical router interface %s and gateway network %s can not be the same",
					vmi.UUID(), vn.UUID)
			}
		}
	}
	return nil
}
