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
	"net/netip"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/ipam"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/store"
	"github.com/cubefs/confdb/undo"
)

const (
	fieldDeviceOwner = "virtual_machine_interface_device_owner"
	routerPortOwner  = "network:router_interface"
)

// addrType describes a resource carrying one address of a network. Pool
// based types reach the network through the parent pool.
type addrType struct {
	typ       string
	addrField string
	famField  string
	poolType  string
	poolField string
}

var addrTypes = []*addrType{
	{typ: "instance_ip", addrField: "instance_ip_address", famField: "instance_ip_family"},
	{
		typ: "floating_ip", addrField: "floating_ip_address", famField: "floating_ip_address_family",
		poolType: "floating_ip_pool", poolField: "floating_ip_pool_subnets",
	},
	{
		typ: "alias_ip", addrField: "alias_ip_address", famField: "alias_ip_address_family",
		poolType: "alias_ip_pool",
	},
}

func init() {
	for _, t := range addrTypes {
		register(t.typ, map[Phase]HookFunc{
			PreCreate:  t.preCreate,
			PreUpdate:  t.preUpdate,
			PostDelete: t.postDelete,
		}, nil)
	}
}

// skip reports addresses not managed here: floating ips of an instance ip.
func (t *addrType) skip(obj proto.Object) bool {
	return t.typ == "floating_ip" && obj.ParentType() == "instance_ip"
}

// network returns the network obj draws from and the subnet it is pinned
// to, if any.
func (t *addrType) network(ctx context.Context, s *store.Store, obj proto.Object, fq []string) (proto.Object, string, error) {
	if t.poolType == "" {
		vn, err := firstRef(ctx, s, obj, "virtual_network", vnIpamFields...)
		if err != nil || vn == nil {
			return vn, "", err
		}
		return vn, obj.String("subnet_uuid"), nil
	}

	poolUUID := obj.ParentUUID()
	if poolUUID == "" {
		var err error
		if poolUUID, err = s.FQNameToUUID(ctx, t.poolType, fq[:len(fq)-1]); err != nil {
			return nil, "", err
		}
	}
	var fields []string
	if t.poolField != "" {
		fields = []string{t.poolField}
	}
	pool, err := s.ReadOne(ctx, t.poolType, poolUUID, &store.ReadOption{Fields: fields})
	if err != nil {
		return nil, "", err
	}
	vn, err := s.ReadOne(ctx, "virtual_network", pool.ParentUUID(), &store.ReadOption{Fields: vnIpamFields})
	if err != nil {
		return nil, "", err
	}
	var subnetUUID string
	if t.poolField != "" {
		if ids, _ := proto.Strings(pool.Object(t.poolField)["subnet_uuid"]); len(ids) > 0 {
			subnetUUID = ids[0]
		}
	}
	return vn, subnetUUID, nil
}

// routerPorts reports whether refs name at least one interface and all of
// them are router ports.
func routerPorts(ctx context.Context, s *store.Store, refs []proto.RefInfo) (bool, error) {
	if len(refs) == 0 {
		return false, nil
	}
	for _, ref := range refs {
		vmi, err := readRef(ctx, s, "virtual_machine_interface", ref, fieldDeviceOwner)
		if err != nil {
			return false, err
		}
		if vmi.String(fieldDeviceOwner) != routerPortOwner {
			return false, nil
		}
	}
	return true, nil
}

func familyOf(addr netip.Addr) string {
	if addr.Is4() {
		return ipam.FamilyV4
	}
	return ipam.FamilyV6
}

func (t *addrType) preCreate(ctx context.Context, env *Env, req *Request) error {
	span := trace.SpanFromContextSafe(ctx)
	obj := req.Obj
	if t.skip(obj) {
		return nil
	}
	vn, subnetUUID, err := t.network(ctx, env.Store, obj, req.FQName)
	if err != nil {
		return err
	}
	if vn == nil {
		return apierrors.NewBadRequest("%s %s must refer to a virtual network", t.typ, req.UUID)
	}
	vnFQ := vn.FQName()
	if ipam.IsSpecialNetwork(vnFQ) {
		return nil
	}

	asked := obj.String(t.addrField)
	if asked != "" && t.typ == "instance_ip" {
		addr, err := netip.ParseAddr(asked)
		if err != nil {
			return apierrors.NewBadRequest("Invalid ip address %s", asked)
		}
		gw, err := env.Addr.IsGatewayIP(ctx, vn, addr)
		if err != nil {
			return err
		}
		if gw {
			ok, err := routerPorts(ctx, env.Store, obj.Refs("virtual_machine_interface_refs"))
			if err != nil {
				return err
			}
			if !ok {
				return apierrors.NewForbidden("Gateway IP cannot be used by VM port")
			}
			// reserved along with the network
			return nil
		}
	}

	addr, err := env.Addr.IPAllocReq(ctx, &ipam.AllocRequest{
		Network:    vnFQ,
		VN:         vn,
		SubnetUUID: subnetUUID,
		Asked:      asked,
		Family:     obj.String(t.famField),
		Owner:      req.UUID,
	})
	if err != nil {
		return err
	}
	undo.Push(ctx, "free "+t.typ, func(ctx context.Context) error {
		return env.Addr.IPFreeReq(ctx, addr, vnFQ, vn)
	})
	obj[t.addrField] = addr.String()
	if obj.String(t.famField) == "" {
		obj[t.famField] = familyOf(addr)
	}
	span.Debugf("%s %s got address %s in %v", t.typ, req.UUID, addr, vnFQ)
	return nil
}

func (t *addrType) preUpdate(ctx context.Context, env *Env, req *Request) error {
	if v, ok := req.Obj[t.addrField]; ok && !proto.Equal(v, req.DB[t.addrField]) {
		return apierrors.NewBadRequest("%s address can not be changed", t.typ)
	}
	if t.typ != "instance_ip" || !req.Obj.Has("virtual_machine_interface_refs") {
		return nil
	}
	addr, err := netip.ParseAddr(req.DB.String(t.addrField))
	if err != nil {
		return nil
	}
	vn, _, err := t.network(ctx, env.Store, req.Merged(), req.FQName)
	if err != nil || vn == nil {
		return err
	}
	gw, err := env.Addr.IsGatewayIP(ctx, vn, addr)
	if err != nil || !gw {
		return err
	}
	ok, err := routerPorts(ctx, env.Store, req.Obj.Refs("virtual_machine_interface_refs"))
	if err != nil {
		return err
	}
	if !ok {
		return apierrors.NewForbidden("Gateway IP cannot be used by VM port")
	}
	return nil
}

func (t *addrType) postDelete(ctx context.Context, env *Env, req *Request) error {
	span := trace.SpanFromContextSafe(ctx)
	if t.skip(req.DB) {
		return nil
	}
	addr, err := netip.ParseAddr(req.DB.String(t.addrField))
	if err != nil {
		return nil
	}
	vn, _, err := t.network(ctx, env.Store, req.DB, req.FQName)
	if err != nil || vn == nil {
		span.Warnf("network of %s %s not found, address %s left: %v", t.typ, req.UUID, addr, err)
		return nil
	}
	if ipam.IsSpecialNetwork(vn.FQName()) {
		return nil
	}
	if t.typ == "instance_ip" {
		if gw, err := env.Addr.IsGatewayIP(ctx, vn, addr); err == nil && gw {
			return nil
		}
	}
	if err = env.Addr.IPFreeReq(ctx, addr, vn.FQName(), vn); err != nil {
		span.Warnf("free %s of %s %s failed: %v", addr, t.typ, req.UUID, err)
	}
	return nil
}
