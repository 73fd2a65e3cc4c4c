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
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

func TestParseRouteTarget(t *testing.T) {
	rt, err := ParseRouteTarget("target:64512:8000001")
	require.NoError(t, err)
	require.Equal(t, uint64(64512), rt.ASN)
	require.Equal(t, uint64(8000001), rt.Number)
	require.False(t, rt.Type1_2())
	require.True(t, rt.collides(64512))
	require.False(t, rt.collides(64513))
	require.Equal(t, "target:64512:8000001", rt.String())

	rt, err = ParseRouteTarget("target:64512:7999999")
	require.NoError(t, err)
	require.False(t, rt.collides(64512))

	rt, err = ParseRouteTarget("target:10.0.0.1:100")
	require.NoError(t, err)
	require.True(t, rt.Type1_2())
	require.False(t, rt.collides(0))
	require.Equal(t, "target:10.0.0.1:100", rt.String())

	rt, err = ParseRouteTarget("target:70000:8000")
	require.NoError(t, err)
	require.True(t, rt.Type1_2())
	require.True(t, rt.collides(70000))

	for _, s := range []string{
		"", "target", "target:1", "route:1:2", "target:x:1", "target:1:x",
		"target:::1:1", "target:10.0.0.1:70000", "target:70000:70000",
	} {
		_, err = ParseRouteTarget(s)
		require.ErrorIs(t, err, apierrors.ErrBadRequest, s)
	}
}

func TestCheckRouteTargets(t *testing.T) {
	vn := proto.Object{
		"route_target_list":        proto.Object{"route_target": []interface{}{"target:64512:100"}},
		"export_route_target_list": proto.Object{"route_target": []interface{}{"target:64512:8000100"}},
	}
	require.Len(t, routeTargets(vn), 2)
	require.ErrorIs(t, checkRouteTargets(vn, DefaultASN), apierrors.ErrBadRequest)
	require.NoError(t, checkRouteTargets(vn, 64513))

	vn["import_route_target_list"] = proto.Object{"route_target": []interface{}{"bogus"}}
	err := checkRouteTargets(vn, 64513)
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
	require.Contains(t, err.Error(), "bogus")
}

func sgAddr(sg string) proto.Object {
	return proto.Object{"security_group": sg}
}

func subnetAddr(prefix string) proto.Object {
	return proto.Object{"subnet": proto.Object{"ip_prefix": prefix, "ip_prefix_len": 0}}
}

func rule(ethertype string, src, dst proto.Object) proto.Object {
	return proto.Object{
		"direction":     ">",
		"protocol":      "tcp",
		"ethertype":     ethertype,
		"src_addresses": []interface{}{src},
		"dst_addresses": []interface{}{dst},
	}
}

func TestCheckPolicyRules(t *testing.T) {
	require.NoError(t, CheckPolicyRules(nil, true))

	entries := DefaultSecurityGroupRules([]string{"d", "p", DefaultSGName})
	require.NoError(t, CheckPolicyRules(entries, true))
	for _, e := range entries.List("policy_rule") {
		r, _ := proto.AsObject(e)
		require.NotEmpty(t, r.String("rule_uuid"))
	}

	dup := rule(ethertypeV4, sgAddr(localAddress), subnetAddr("0.0.0.0"))
	first := dup.Copy()
	first["rule_uuid"] = "r1"
	err := CheckPolicyRules(proto.Object{"policy_rule": []interface{}{first, dup}}, true)
	require.ErrorIs(t, err, apierrors.ErrConflict)
	require.Equal(t, "Rule already exists : r1", err.Error())

	noLocal := rule(ethertypeV4, subnetAddr("10.0.0.0"), subnetAddr("0.0.0.0"))
	err = CheckPolicyRules(proto.Object{"policy_rule": []interface{}{noLocal}}, true)
	require.ErrorIs(t, err, apierrors.ErrBadRequest)

	bothLocal := rule(ethertypeV4, sgAddr(localAddress), sgAddr(localAddress))
	err = CheckPolicyRules(proto.Object{"policy_rule": []interface{}{bothLocal}}, true)
	require.ErrorIs(t, err, apierrors.ErrBadRequest)

	mismatch := rule(ethertypeV6, sgAddr(localAddress), subnetAddr("10.0.0.0"))
	err = CheckPolicyRules(proto.Object{"policy_rule": []interface{}{mismatch}}, true)
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
	require.Contains(t, err.Error(), "doesn't match ethertype")

	badEthertype := rule("IPX", sgAddr(localAddress), subnetAddr("10.0.0.0"))
	require.ErrorIs(t, CheckPolicyRules(proto.Object{"policy_rule": []interface{}{badEthertype}}, true), apierrors.ErrBadRequest)

	badProto := rule(ethertypeV4, sgAddr(localAddress), subnetAddr("10.0.0.0"))
	badProto["protocol"] = "sctp-ish"
	require.ErrorIs(t, CheckPolicyRules(proto.Object{"policy_rule": []interface{}{badProto}}, true), apierrors.ErrBadRequest)

	numeric := rule(ethertypeV4, sgAddr(localAddress), subnetAddr("10.0.0.0"))
	numeric["protocol"] = "17"
	require.NoError(t, CheckPolicyRules(proto.Object{"policy_rule": []interface{}{numeric}}, true))
	numeric["protocol"] = "256"
	require.ErrorIs(t, CheckPolicyRules(proto.Object{"policy_rule": []interface{}{numeric}}, true), apierrors.ErrBadRequest)

	// network policies need an action list but no local side
	np := rule(ethertypeV4, subnetAddr("10.0.0.0"), subnetAddr("0.0.0.0"))
	require.ErrorIs(t, CheckPolicyRules(proto.Object{"policy_rule": []interface{}{np}}, false), apierrors.ErrBadRequest)
	np["action_list"] = proto.Object{"simple_action": "pass"}
	require.NoError(t, CheckPolicyRules(proto.Object{"policy_rule": []interface{}{np}}, false))

	require.ErrorIs(t, CheckPolicyRules(proto.Object{"policy_rule": []interface{}{"x"}}, false), apierrors.ErrBadRequest)
}

func record(typ, name, data string) proto.Object {
	return proto.Object{"record_type": typ, "record_name": name, "record_data": data}
}

func TestCheckDNSRecord(t *testing.T) {
	require.ErrorIs(t, CheckDNSRecord(nil), apierrors.ErrBadRequest)

	rec := record("a", "host1", "10.0.0.1")
	require.NoError(t, CheckDNSRecord(rec))
	require.Equal(t, "A", rec.String("record_type"))

	require.NoError(t, CheckDNSRecord(record("AAAA", "host1", "fd00::1")))
	require.NoError(t, CheckDNSRecord(record("CNAME", "www.example.com", "host1.example.com.")))
	require.NoError(t, CheckDNSRecord(record("PTR", "1.0.0.10.in-addr.arpa", "host1.example.com")))

	err := CheckDNSRecord(record("A", "host1", "fd00::1"))
	require.ErrorIs(t, err, apierrors.ErrForbidden)
	require.Equal(t, "Invalid IP address", err.Error())
	require.ErrorIs(t, CheckDNSRecord(record("AAAA", "host1", "10.0.0.1")), apierrors.ErrForbidden)
	require.ErrorIs(t, CheckDNSRecord(record("CNAME", "www", "-bad.example")), apierrors.ErrForbidden)
	require.ErrorIs(t, CheckDNSRecord(record("A", "bad name", "10.0.0.1")), apierrors.ErrForbidden)
	require.ErrorIs(t, CheckDNSRecord(record("SRV", "x", "y")), apierrors.ErrBadRequest)

	rec = record("A", "host1", "10.0.0.1")
	rec["record_ttl_seconds"] = -1
	require.ErrorIs(t, CheckDNSRecord(rec), apierrors.ErrBadRequest)
	rec["record_ttl_seconds"] = 86400
	require.NoError(t, CheckDNSRecord(rec))

	mx := record("MX", "example.com", "mail.example.com")
	mx["record_mx_preference"] = 70000
	require.ErrorIs(t, CheckDNSRecord(mx), apierrors.ErrBadRequest)
	mx["record_mx_preference"] = 10
	require.NoError(t, CheckDNSRecord(mx))
}

func TestValidDNSName(t *testing.T) {
	require.True(t, validDNSName("a.b.c."))
	require.True(t, validDNSName("_sip._tcp.example.com"))
	require.False(t, validDNSName(""))
	require.False(t, validDNSName("a..b"))
	require.False(t, validDNSName("a-.b"))
	long := make([]byte, maxDNSLabel+1)
	for i := range long {
		long[i] = 'a'
	}
	require.False(t, validDNSName(string(long)))
}

func TestMACFromUUID(t *testing.T) {
	require.Equal(t, "02:8a:1b:2c:3d:00", macFromUUID("8A1B2C3D-0011-2233-4455-66778899aabb"))
	require.Len(t, macFromUUID("short"), len("02:00:00:00:00:00"))

	obj := proto.Object{fieldMACs: proto.Object{"mac_address": []interface{}{"02:8a:1b:2c:3d:00"}}}
	require.NoError(t, checkMACs(obj))
	obj[fieldMACs] = proto.Object{"mac_address": []interface{}{"not-a-mac"}}
	require.ErrorIs(t, checkMACs(obj), apierrors.ErrBadRequest)
}

func TestNormalizeBindings(t *testing.T) {
	ctx := context.Background()
	env := &Env{Config: Config{DefaultPlugMode: "tap"}}

	obj := proto.Object{}
	normalizeBindings(ctx, env, obj, nil)
	v, ok := binding(obj, bindingVnicType)
	require.True(t, ok)
	require.Equal(t, vnicNormal, v)
	v, _ = binding(obj, bindingPlugMode)
	require.Equal(t, "tap", v)
	require.Nil(t, obj.Object(fieldVMIProps))

	vn := proto.Object{"provider_properties": proto.Object{"segmentation_id": 100}}
	obj = proto.Object{}
	setBinding(obj, bindingVnicType, vnicDirect)
	setBinding(obj, bindingPlugMode, "macvtap")
	normalizeBindings(ctx, &Env{}, obj, vn)
	v, _ = binding(obj, bindingPlugMode)
	require.Equal(t, "macvtap", v)
	vlan, ok := obj.Object(fieldVMIProps).Int(fieldVlanTag)
	require.True(t, ok)
	require.Equal(t, int64(100), vlan)
	require.Equal(t, vnicDirect, vnicType(obj))

	obj = proto.Object{}
	normalizeBindings(ctx, &Env{}, obj, nil)
	_, ok = binding(obj, bindingPlugMode)
	require.False(t, ok)
}

func TestNetworkChecks(t *testing.T) {
	vn := proto.Object{
		fieldMultiPolicy:    true,
		"route_target_list": proto.Object{"route_target": []interface{}{"target:1:1"}},
	}
	require.ErrorIs(t, checkMultiPolicy(vn), apierrors.ErrBadRequest)
	delete(vn, "route_target_list")
	require.NoError(t, checkMultiPolicy(vn))

	require.NoError(t, checkProviderProperties(proto.Object{}))
	require.NoError(t, checkProviderProperties(proto.Object{"provider_properties": proto.Object{"segmentation_id": 10}}))
	require.ErrorIs(t, checkProviderProperties(proto.Object{"provider_properties": proto.Object{"segmentation_id": 4095}}),
		apierrors.ErrBadRequest)
}

func TestGlobalConfigChecks(t *testing.T) {
	asn, ok, err := checkASN(proto.Object{"autonomous_system": 64513})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(64513), asn)

	_, ok, err = checkASN(proto.Object{})
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = checkASN(proto.Object{"autonomous_system": 70000})
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
	_, _, err = checkASN(proto.Object{"autonomous_system": 70000, "enable_4byte_as": true})
	require.NoError(t, err)
	_, _, err = checkASN(proto.Object{"autonomous_system": 0})
	require.ErrorIs(t, err, apierrors.ErrBadRequest)

	stats := proto.Object{"user_defined_log_statistics": proto.Object{"statlist": []interface{}{
		proto.Object{"name": "ok", "pattern": "error.*"},
	}}}
	require.NoError(t, checkLogStatistics(stats))
	stats["user_defined_log_statistics"] = proto.Object{"statlist": []interface{}{
		proto.Object{"name": "broken", "pattern": "a[b"},
	}}
	err = checkLogStatistics(stats)
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
	require.Contains(t, err.Error(), "broken")
}

func TestHooksRegistry(t *testing.T) {
	for _, typ := range []string{
		"virtual_network", "routing_instance", "network_ipam", "project", "security_group",
		"virtual_machine_interface", "virtual_DNS_record", "global_system_config", "instance_ip",
	} {
		require.NotSame(t, defaultHooks, Lookup(typ), typ)
	}
	h := Lookup("no_such_type")
	require.Same(t, defaultHooks, h)
	require.NoError(t, h.Run(context.Background(), &Env{}, PreCreate, &Request{}))
	require.Nil(t, h.DerivedChildren(proto.Object{}))

	require.Equal(t, "pre_create", PreCreate.String())
	require.Equal(t, "delete_notification", DeleteNotification.String())
	require.Equal(t, "unknown", Phase(100).String())

	project := proto.Object{"security_groups": []interface{}{
		proto.RefInfo{To: []string{"d", "p", DefaultSGName}, UUID: "u-default"}.Object(),
		proto.RefInfo{To: []string{"d", "p", "web"}, UUID: "u-web"}.Object(),
	}}
	require.Equal(t, []string{"u-default"}, Lookup("project").DerivedChildren(project))
}

func TestRequestMerged(t *testing.T) {
	req := &Request{
		DB:  proto.Object{"a": 1, "b": proto.Object{"c": 2}},
		Obj: proto.Object{"b": proto.Object{"c": 3}},
	}
	merged := req.Merged()
	require.Equal(t, 3, merged["b"].(proto.Object)["c"])
	require.Equal(t, 2, req.DB["b"].(proto.Object)["c"])
	require.Equal(t, proto.Object{"x": 1}, (&Request{Obj: proto.Object{"x": 1}}).Merged())
}
