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
	"github.com/google/uuid"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/ipam"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/store"
	"github.com/cubefs/confdb/undo"
)

const (
	fieldVNID        = "virtual_network_network_id"
	fieldDefaultRI   = "routing_instance_is_default"
	fieldMultiPolicy = "multi_policy_service_chains_enabled"

	maxVlan = 4094
)

func init() {
	register("virtual_network", map[Phase]HookFunc{
		PreCreate:  vnPreCreate,
		PostCreate: vnPostCreate,
		PreUpdate:  vnPreUpdate,
		PreDelete:  vnPreDelete,
		PostDelete: vnPostDelete,
	}, defaultRoutingInstances)
	register("routing_instance", map[Phase]HookFunc{
		PreCreate:  riPreCreate,
		PostDelete: riPostDelete,
	}, nil)
	register("network_ipam", map[Phase]HookFunc{
		PreCreate: ipamPreCreate,
		PreUpdate: ipamPreUpdate,
	}, nil)
}

func checkMultiPolicy(vn proto.Object) error {
	if !vn.Bool(fieldMultiPolicy) {
		return nil
	}
	for _, f := range []string{"route_target_list", "import_route_target_list", "export_route_target_list"} {
		if l, _ := proto.Strings(vn.Object(f)["route_target"]); len(l) > 0 {
			return apierrors.NewBadRequest("Multi policy service chains are not supported, with both import export external route targets")
		}
	}
	return nil
}

func checkProviderProperties(vn proto.Object) error {
	pp := vn.Object("provider_properties")
	if pp == nil {
		return nil
	}
	if id, ok := pp.Int("segmentation_id"); ok && (id < 1 || id > maxVlan) {
		return apierrors.NewBadRequest("Invalid segmentation id %d, it must be in range [1, %d]", id, maxVlan)
	}
	return nil
}

// mintSubnetUUIDs fills the subnet_uuid of every user defined subnet of the
// ipam refs of vn.
func mintSubnetUUIDs(vn proto.Object) {
	for _, e := range vn.List(ipam.FieldIpamRefs) {
		ref, _ := proto.AsObject(e)
		attr, _ := proto.AsObject(ref["attr"])
		for _, s := range attr.List(ipam.FieldIpamSubnets) {
			if sub, ok := proto.AsObject(s); ok && sub.String("subnet_uuid") == "" {
				sub["subnet_uuid"] = uuid.NewString()
			}
		}
	}
}

// checkIpamRefs enforces the flat ipam rules and subnet overlap, both inside
// vn and against the networks sharing one of its flat ipams.
func checkIpamRefs(ctx context.Context, env *Env, self string, vn proto.Object) error {
	l3 := vn.Object("virtual_network_properties").String("forwarding_mode") != "l2"
	var flatUUIDs []string
	flat := make(map[string]struct{})
	for _, ref := range vn.Refs(ipam.FieldIpamRefs) {
		obj, err := readRef(ctx, env.Store, "network_ipam", ref, ipam.FieldIpamSubnetMethod)
		if err != nil {
			return err
		}
		if !ipam.IsFlat(obj) {
			continue
		}
		attr, _ := proto.AsObject(ref.Attr)
		if len(attr.List(ipam.FieldIpamSubnets)) > 0 {
			return apierrors.NewBadRequest("Flat-subnet ipam %s can not have user-defined subnets in a virtual network",
				proto.JoinFQName(obj.FQName()))
		}
		if !l3 {
			return apierrors.NewBadRequest("flat-subnet is allowed only with l3 network")
		}
		if _, ok := flat[obj.UUID()]; !ok {
			flat[obj.UUID()] = struct{}{}
			flatUUIDs = append(flatUUIDs, obj.UUID())
		}
	}

	subnets, err := env.Addr.Subnets(ctx, vn)
	if err != nil {
		return err
	}
	var others []*ipam.Subnet
	for _, ipamUUID := range flatUUIDs {
		ret, err := env.Store.List(ctx, "virtual_network", &store.ListArgs{
			BackRefUUIDs: []string{ipamUUID},
			Fields:       vnIpamFields,
			IsDetail:     true,
		})
		if err != nil {
			return err
		}
		for _, item := range ret.Items {
			if item.UUID == self {
				continue
			}
			theirs, err := env.Addr.Subnets(ctx, item.Obj)
			if err != nil {
				return err
			}
			for _, s := range theirs {
				// subnets of a shared flat ipam are the same on both sides
				if _, shared := flat[s.Ipam]; s.Flat && shared {
					continue
				}
				others = append(others, s)
			}
		}
	}
	return env.Addr.NetCheckSubnetOverlap(subnets, others)
}

func vnPreCreate(ctx context.Context, env *Env, req *Request) error {
	span := trace.SpanFromContextSafe(ctx)
	vn := req.Obj
	gc, err := readGlobalConfig(ctx, env.Store)
	if err != nil {
		return err
	}
	if err = checkRouteTargets(vn, gc.asn); err != nil {
		return err
	}
	if err = checkMultiPolicy(vn); err != nil {
		return err
	}
	if err = checkProviderProperties(vn); err != nil {
		return err
	}
	mintSubnetUUIDs(vn)
	if err = checkIpamRefs(ctx, env, req.UUID, vn); err != nil {
		return err
	}
	if err = checkSubnetQuota(ctx, env, req.UUID, vn); err != nil {
		return err
	}

	owner := proto.JoinFQName(req.FQName)
	var id uint64
	if asked, ok := vn.Int(fieldVNID); ok && asked > 0 {
		id = uint64(asked)
		err = env.Alloc.ReserveVNID(ctx, id, owner)
	} else {
		id, err = env.Alloc.AllocVNID(ctx, owner)
	}
	if err != nil {
		return err
	}
	undo.Push(ctx, "free vn id", func(ctx context.Context) error {
		return env.Alloc.FreeVNID(ctx, id)
	})
	vn[fieldVNID] = id
	span.Debugf("virtual network %s got id %d", owner, id)

	if err = env.Addr.NetCreateReq(ctx, vn); err != nil {
		return err
	}
	undo.Push(ctx, "drop subnets", func(ctx context.Context) error {
		return env.Addr.NetDeleteReq(ctx, vn)
	})
	return nil
}

func vnPostCreate(ctx context.Context, env *Env, req *Request) error {
	fq := append(append([]string(nil), req.FQName...), req.FQName[len(req.FQName)-1])
	_, err := env.Dispatch.Create(ctx, "routing_instance", proto.Object{
		proto.FieldFQName:     fq,
		proto.FieldParentType: "virtual_network",
		proto.FieldParentUUID: req.UUID,
		fieldDefaultRI:        true,
	})
	return err
}

// defaultRoutingInstances returns the routing instance child named after
// the network.
func defaultRoutingInstances(db proto.Object) []string {
	name := db.Name()
	var ret []string
	for _, child := range db.Refs("routing_instances") {
		if len(child.To) > 0 && child.To[len(child.To)-1] == name {
			ret = append(ret, child.UUID)
		}
	}
	return ret
}

func vnPreUpdate(ctx context.Context, env *Env, req *Request) error {
	vn := req.Obj
	if v, ok := vn[fieldVNID]; ok && !proto.Equal(v, req.DB[fieldVNID]) {
		return apierrors.NewForbidden("Cannot update virtual network ID")
	}
	gc, err := readGlobalConfig(ctx, env.Store)
	if err != nil {
		return err
	}
	if err = checkRouteTargets(vn, gc.asn); err != nil {
		return err
	}
	if err = checkProviderProperties(vn); err != nil {
		return err
	}
	mintSubnetUUIDs(vn)
	merged := req.Merged()
	if err = checkMultiPolicy(merged); err != nil {
		return err
	}
	if !vn.Has(ipam.FieldIpamRefs) && !vn.Has("virtual_network_properties") {
		return nil
	}
	if err = checkIpamRefs(ctx, env, req.UUID, merged); err != nil {
		return err
	}
	if err = checkSubnetQuota(ctx, env, req.UUID, merged); err != nil {
		return err
	}
	if err = env.Addr.NetCheckSubnetDelete(ctx, req.DB, merged); err != nil {
		return err
	}
	if err = env.Addr.NetUpdateReq(ctx, req.DB, merged); err != nil {
		return err
	}
	undo.Push(ctx, "revert subnets", func(ctx context.Context) error {
		return env.Addr.NetUpdateReq(ctx, merged, req.DB)
	})
	return nil
}

func vnPreDelete(ctx context.Context, env *Env, req *Request) error {
	for _, uuid := range defaultRoutingInstances(req.DB) {
		if err := env.Dispatch.Delete(ctx, "routing_instance", uuid); err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
			return err
		}
	}
	return nil
}

func vnPostDelete(ctx context.Context, env *Env, req *Request) error {
	span := trace.SpanFromContextSafe(ctx)
	if id, ok := req.DB.Int(fieldVNID); ok && id > 0 {
		if err := env.Alloc.FreeVNID(ctx, uint64(id)); err != nil {
			span.Warnf("free vn id %d of %v failed: %v", id, req.FQName, err)
		}
	}
	if err := env.Addr.NetDeleteReq(ctx, req.DB); err != nil {
		span.Warnf("drop subnets of %v failed: %v", req.FQName, err)
	}
	return nil
}

func riPreCreate(ctx context.Context, env *Env, req *Request) error {
	if !req.Obj.Bool(fieldDefaultRI) || len(req.FQName) < 2 || ipam.IsSpecialNetwork(req.FQName[:len(req.FQName)-1]) {
		return nil
	}
	rtUUID, err := allocRouteTarget(ctx, env, req.FQName)
	if err != nil {
		return err
	}
	fq, err := env.Store.UUIDToFQName(ctx, rtUUID)
	if err != nil {
		return err
	}
	ref := proto.RefInfo{To: fq, UUID: rtUUID, Attr: proto.Object{}}
	req.Obj["route_target_refs"] = append(req.Obj.List("route_target_refs"), ref.Object())
	return nil
}

func riPostDelete(ctx context.Context, env *Env, req *Request) error {
	freeRouteTargets(ctx, env, req.DB)
	return nil
}

func checkFlatIpam(obj proto.Object) error {
	subnets := obj.Object(ipam.FieldIpamSubnets).List("subnets")
	if !ipam.IsFlat(obj) {
		if len(subnets) > 0 {
			return apierrors.NewBadRequest("ipam_subnets are allowed only with flat-subnet")
		}
		return nil
	}
	for _, s := range subnets {
		if sub, ok := proto.AsObject(s); ok && sub.String("subnet_uuid") == "" {
			sub["subnet_uuid"] = uuid.NewString()
		}
	}
	parsed, err := ipam.FlatSubnets(obj)
	if err != nil {
		return err
	}
	return ipam.CheckOverlap(parsed, nil)
}

func ipamPreCreate(ctx context.Context, env *Env, req *Request) error {
	return checkFlatIpam(req.Obj)
}

func ipamPreUpdate(ctx context.Context, env *Env, req *Request) error {
	vns := req.DB.Refs("virtual_network_back_refs")
	if m, ok := req.Obj[ipam.FieldIpamSubnetMethod]; ok && !proto.Equal(m, req.DB[ipam.FieldIpamSubnetMethod]) && len(vns) > 0 {
		return apierrors.NewConflict("Cannot change subnet method with virtual networks referring to the IPAM")
	}
	if req.Obj.Has(ipam.FieldIpamSubnets) || req.Obj.Has(ipam.FieldIpamSubnetMethod) {
		merged := req.Merged()
		if req.Obj.Has(ipam.FieldIpamSubnets) {
			// minted subnet uuids must land in the request
			merged[ipam.FieldIpamSubnets] = req.Obj[ipam.FieldIpamSubnets]
		}
		if err := checkFlatIpam(merged); err != nil {
			return err
		}
	}

	if !req.Obj.Has("network_ipam_mgmt") {
		return nil
	}
	method := req.Obj.Object("network_ipam_mgmt").String("ipam_dns_method")
	if method == req.DB.Object("network_ipam_mgmt").String("ipam_dns_method") {
		return nil
	}
	for _, vn := range vns {
		ret, err := env.Store.List(ctx, "virtual_machine_interface", &store.ListArgs{
			BackRefUUIDs: []string{vn.UUID},
			IsCount:      true,
		})
		if err != nil {
			return err
		}
		if ret.Count > 0 {
			return apierrors.NewConflict("Cannot change DNS Method with active VMs referring to the IPAM")
		}
	}
	return nil
}
