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
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

const (
	fieldMACs     = "virtual_machine_interface_mac_addresses"
	fieldBindings = "virtual_machine_interface_bindings"
	fieldVMIProps = "virtual_machine_interface_properties"
	fieldVlanTag  = "sub_interface_vlan_tag"

	bindingVnicType = "vnic_type"
	bindingPlugMode = "vif_plug_mode"

	vnicNormal = "normal"
	vnicDirect = "direct"
)

func init() {
	register("virtual_machine_interface", map[Phase]HookFunc{
		PreCreate:  vmiPreCreate,
		PostCreate: vmiPostCreate,
		PreUpdate:  vmiPreUpdate,
	}, nil)
}

// macFromUUID derives a locally administered mac from the interface uuid.
func macFromUUID(id string) string {
	h := strings.ReplaceAll(id, "-", "")
	if len(h) < 10 {
		h = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return strings.ToLower(fmt.Sprintf("02:%s:%s:%s:%s:%s", h[0:2], h[2:4], h[4:6], h[6:8], h[8:10]))
}

func checkMACs(obj proto.Object) error {
	macs, _ := proto.Strings(obj.Object(fieldMACs)["mac_address"])
	for _, mac := range macs {
		if _, err := net.ParseMAC(mac); err != nil {
			return apierrors.NewBadRequest("Invalid MAC address %s", mac)
		}
	}
	return nil
}

func binding(obj proto.Object, key string) (string, bool) {
	for _, e := range obj.Object(fieldBindings).List("key_value_pair") {
		kv, _ := proto.AsObject(e)
		if kv.String("key") == key {
			return kv.String("value"), true
		}
	}
	return "", false
}

func setBinding(obj proto.Object, key, value string) {
	b := obj.Ensure(fieldBindings)
	pairs := b.List("key_value_pair")
	for _, e := range pairs {
		if kv, ok := proto.AsObject(e); ok && kv.String("key") == key {
			kv["value"] = value
			return
		}
	}
	b["key_value_pair"] = append(pairs, proto.Object{"key": key, "value": value})
}

func vnicType(obj proto.Object) string {
	if v, ok := binding(obj, bindingVnicType); ok && v != "" {
		return v
	}
	return vnicNormal
}

// normalizeBindings fills the vnic type and plug mode, and for direct
// interfaces the vlan of the provider network.
func normalizeBindings(ctx context.Context, env *Env, obj, vn proto.Object) {
	span := trace.SpanFromContextSafe(ctx)
	if _, ok := binding(obj, bindingVnicType); !ok {
		setBinding(obj, bindingVnicType, vnicNormal)
	}
	if _, ok := binding(obj, bindingPlugMode); !ok {
		if env.Config.DefaultPlugMode != "" {
			setBinding(obj, bindingPlugMode, env.Config.DefaultPlugMode)
		} else {
			span.Debugf("no plug mode for interface %v", obj.FQName())
		}
	}
	if vnicType(obj) != vnicDirect || vn == nil {
		return
	}
	if vlan, ok := vn.Object("provider_properties").Int("segmentation_id"); ok {
		props := obj.Ensure(fieldVMIProps)
		if _, set := props[fieldVlanTag]; !set {
			props[fieldVlanTag] = vlan
		}
	}
}

func vmiPreCreate(ctx context.Context, env *Env, req *Request) error {
	obj := req.Obj
	if len(obj.Refs("virtual_network_refs")) == 0 {
		return apierrors.NewBadRequest("virtual_network_refs are required for virtual machine interface %v", req.FQName)
	}
	vn, err := firstRef(ctx, env.Store, obj, "virtual_network", "provider_properties")
	if err != nil {
		return err
	}
	if macs, _ := proto.Strings(obj.Object(fieldMACs)["mac_address"]); len(macs) == 0 {
		obj[fieldMACs] = proto.Object{"mac_address": []string{macFromUUID(req.UUID)}}
	}
	if err = checkMACs(obj); err != nil {
		return err
	}
	normalizeBindings(ctx, env, obj, vn)
	return nil
}

// vmiPostCreate points the interface at the default routing instance of
// its network.
func vmiPostCreate(ctx context.Context, env *Env, req *Request) error {
	if req.Obj.Has("routing_instance_refs") {
		return nil
	}
	vn, err := firstRef(ctx, env.Store, req.Obj, "virtual_network", "routing_instances")
	if err != nil || vn == nil {
		return err
	}
	for _, ri := range defaultRoutingInstances(vn) {
		err = env.Dispatch.RefUpdate(ctx, &proto.RefUpdate{
			Operation: proto.RefOpAdd,
			Type:      "virtual_machine_interface",
			UUID:      req.UUID,
			RefType:   "routing_instance",
			RefUUID:   ri,
			Attr:      proto.Object{"direction": "both"},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func vmiPreUpdate(ctx context.Context, env *Env, req *Request) error {
	obj := req.Obj
	if obj.Has(fieldVMIProps) {
		newTag, newOK := obj.Object(fieldVMIProps).Int(fieldVlanTag)
		oldTag, oldOK := req.DB.Object(fieldVMIProps).Int(fieldVlanTag)
		if newOK != oldOK || newTag != oldTag {
			return apierrors.NewBadRequest("Cannot change sub-interface VLAN tag ID")
		}
	}
	if obj.Has(fieldBindings) {
		if vnicType(obj) != vnicType(req.DB) {
			return apierrors.NewBadRequest("Vnic_type can not be modified")
		}
		normalizeBindings(ctx, env, obj, nil)
	}
	if err := checkMACs(obj); err != nil {
		return err
	}
	if len(obj.Refs("virtual_machine_refs")) == 0 {
		return nil
	}
	for _, ref := range req.DB.Refs("instance_ip_back_refs") {
		iip, err := readRef(ctx, env.Store, "instance_ip", ref, "instance_ip_address", "virtual_network_refs")
		if err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				continue
			}
			return err
		}
		addr, err := netip.ParseAddr(iip.String("instance_ip_address"))
		if err != nil {
			continue
		}
		vn, err := firstRef(ctx, env.Store, iip, "virtual_network", vnIpamFields...)
		if err != nil || vn == nil {
			return err
		}
		gw, err := env.Addr.IsGatewayIP(ctx, vn, addr)
		if err != nil {
			return err
		}
		if gw {
			return apierrors.NewForbidden("Gateway IP cannot be used by VM port")
		}
	}
	return nil
}
