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

package ipam

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/confdb/allocator"
	"github.com/cubefs/confdb/common/kvstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

type fakeNetworks struct {
	vns   map[string]proto.Object
	ipams map[string]proto.Object
}

func (f *fakeNetworks) ReadNetwork(ctx context.Context, fq []string) (proto.Object, error) {
	vn, ok := f.vns[proto.JoinFQName(fq)]
	if !ok {
		return nil, apierrors.NewNotFound("%v", fq)
	}
	return vn, nil
}

func (f *fakeNetworks) ReadIpam(ctx context.Context, ref proto.RefInfo) (proto.Object, error) {
	ipam, ok := f.ipams[ref.UUID]
	if !ok {
		return nil, apierrors.NewNotFound("%s", ref.UUID)
	}
	return ipam, nil
}

func subnet(prefix string, plen int, kv ...interface{}) proto.Object {
	obj := proto.Object{"subnet": proto.Object{"ip_prefix": prefix, "ip_prefix_len": plen}}
	for i := 0; i+1 < len(kv); i += 2 {
		obj[kv[i].(string)] = kv[i+1]
	}
	return obj
}

func network(name string, ipamUUID string, subnets ...interface{}) proto.Object {
	return proto.Object{
		proto.FieldFQName: []string{"default-domain", "p", name},
		FieldIpamRefs: []interface{}{proto.Object{
			"to":   []string{"default-domain", "p", "ipam"},
			"uuid": ipamUUID,
			"attr": proto.Object{FieldIpamSubnets: subnets},
		}},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeNetworks) {
	ctx := context.TODO()
	kv, err := kvstore.NewKVStore(ctx, "", kvstore.MemoryKVType, nil)
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	alloc, err := allocator.NewManager(ctx, &allocator.Config{}, kv)
	require.NoError(t, err)
	nets := &fakeNetworks{
		vns: map[string]proto.Object{},
		ipams: map[string]proto.Object{
			"u-ipam": {proto.FieldUUID: "u-ipam"},
		},
	}
	return NewManager(alloc, nets), nets
}

func TestParseSubnet(t *testing.T) {
	s, err := ParseSubnet(subnet("10.0.0.0", 24))
	require.NoError(t, err)
	require.Equal(t, FamilyV4, s.Family())
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), s.Gateway)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), s.DNS)
	require.False(t, s.Explicit)
	require.Equal(t, "10.0.0.1-10.0.0.254", s.Ranges[0].String())

	s, err = ParseSubnet(subnet("10.0.0.0", 24, "default_gateway", "0.0.0.0", "dns_server_address", "10.0.0.10"))
	require.NoError(t, err)
	require.False(t, s.Gateway.IsValid())
	require.Equal(t, netip.MustParseAddr("10.0.0.10"), s.DNS)

	for _, bad := range []proto.Object{
		subnet("10.0.0.1", 24),
		subnet("10.0.0.0", 33),
		subnet("not-an-ip", 24),
		subnet("10.0.0.0", 31),
		subnet("10.0.0.0", 24, "default_gateway", "10.0.1.1"),
		subnet("10.0.0.0", 24, "allocation_pools", []interface{}{proto.Object{"start": "10.0.0.9", "end": "10.0.0.3"}}),
		subnet("10.0.0.0", 24, "allocation_pools", []interface{}{proto.Object{"start": "10.0.0.9", "end": "10.0.1.3"}}),
	} {
		_, err := ParseSubnet(bad)
		require.ErrorIs(t, err, apierrors.ErrBadRequest, "%v", bad)
	}
}

func TestOffsets(t *testing.T) {
	base := netip.MustParseAddr("10.1.0.0")
	a := addrAt(base, 258)
	require.Equal(t, "10.1.1.2", a.String())
	off, ok := offsetOf(base, a)
	require.True(t, ok)
	require.Equal(t, uint64(258), off)
	_, ok = offsetOf(base, netip.MustParseAddr("10.0.255.255"))
	require.False(t, ok)

	base6 := netip.MustParseAddr("fd00::")
	a = addrAt(base6, 0x10001)
	require.Equal(t, "fd00::1:1", a.String())
	_, ok = offsetOf(base, base6)
	require.False(t, ok)

	s, err := ParseSubnet(subnet("fd00::", 48))
	require.NoError(t, err)
	r := s.HostRange()
	require.Equal(t, "fd00::1", r.From().String())
	off, ok = offsetOf(base6, r.To())
	require.True(t, ok)
	require.Equal(t, maxOffset, off)
}

func TestCheckOverlap(t *testing.T) {
	parse := func(objs ...proto.Object) []*Subnet {
		l := make([]interface{}, len(objs))
		for i := range objs {
			l[i] = objs[i]
		}
		s, err := ParseSubnets(l)
		require.NoError(t, err)
		return s
	}
	a := parse(subnet("10.0.0.0", 24), subnet("10.0.1.0", 24), subnet("fd00::", 64))
	require.NoError(t, CheckOverlap(a, nil))
	require.NoError(t, CheckOverlap(a, parse(subnet("10.0.2.0", 24))))

	err := CheckOverlap(parse(subnet("10.0.0.0", 16), subnet("10.0.3.0", 24)), nil)
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
	require.Equal(t, "Overlapping addresses: [10.0.0.0/16, 10.0.3.0/24]", err.Error())

	err = CheckOverlap(a, parse(subnet("10.0.1.128", 25)))
	require.Equal(t, "Overlapping addresses: [10.0.1.128/25, 10.0.1.0/24]", err.Error())
}

func TestIPAlloc(t *testing.T) {
	ctx := context.TODO()
	m, nets := newTestManager(t)
	vn := network("vn1", "u-ipam", subnet("10.0.0.0", 24, "subnet_uuid", "s1"))
	nets.vns["default-domain:p:vn1"] = vn
	require.NoError(t, m.NetCreateReq(ctx, vn))

	fq := vn.FQName()
	addr, err := m.IPAllocReq(ctx, &AllocRequest{Network: fq, Owner: "iip1"})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.254", addr.String())

	_, err = m.IPAllocReq(ctx, &AllocRequest{Network: fq, Asked: "10.0.0.254", Owner: "iip2"})
	require.ErrorIs(t, err, apierrors.ErrConflict)
	require.Equal(t, "Ip address already in use", err.Error())
	_, err = m.IPAllocReq(ctx, &AllocRequest{Network: fq, Asked: "10.0.0.1", Owner: "iip2"})
	require.Equal(t, "Ip address already in use", err.Error())
	_, err = m.IPAllocReq(ctx, &AllocRequest{Network: fq, Asked: "10.9.0.1", Owner: "iip2"})
	require.ErrorIs(t, err, apierrors.ErrBadRequest)

	addr, err = m.IPAllocReq(ctx, &AllocRequest{VN: vn, Asked: "10.0.0.5", Owner: "iip2"})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", addr.String())
	ok, err := m.IsIPAllocated(ctx, addr, fq, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.IPFreeReq(ctx, addr, fq, nil))
	ok, err = m.IsIPAllocated(ctx, addr, fq, nil)
	require.NoError(t, err)
	require.False(t, ok)

	gw, err := m.IsGatewayIP(ctx, vn, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	require.True(t, gw)
	gw, err = m.IsGatewayIP(ctx, vn, netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	require.False(t, gw)

	_, err = m.IPAllocReq(ctx, &AllocRequest{VN: vn, SubnetUUID: "s2", Owner: "x"})
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
	_, err = m.IPAllocReq(ctx, &AllocRequest{VN: vn, Family: FamilyV6, Owner: "x"})
	require.ErrorIs(t, err, apierrors.ErrBadRequest)
}

func TestIPAllocExhausted(t *testing.T) {
	ctx := context.TODO()
	m, _ := newTestManager(t)
	vn := network("vn1", "u-ipam", subnet("10.0.0.0", 29, "addr_from_start", true))
	require.NoError(t, m.NetCreateReq(ctx, vn))

	for _, want := range []string{"10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"} {
		addr, err := m.IPAllocReq(ctx, &AllocRequest{VN: vn, Owner: want})
		require.NoError(t, err)
		require.Equal(t, want, addr.String())
	}
	_, err := m.IPAllocReq(ctx, &AllocRequest{VN: vn, Owner: "x"})
	require.ErrorIs(t, err, apierrors.ErrResourceExhausted)
	status, _ := apierrors.Status(err)
	require.Equal(t, 409, status)
}

func TestAllocationPools(t *testing.T) {
	ctx := context.TODO()
	m, _ := newTestManager(t)
	vn := network("vn1", "u-ipam", subnet("10.0.0.0", 24,
		"allocation_pools", []interface{}{proto.Object{"start": "10.0.0.100", "end": "10.0.0.101"}}))
	require.NoError(t, m.NetCreateReq(ctx, vn))

	addr, err := m.IPAllocReq(ctx, &AllocRequest{VN: vn, Owner: "a"})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.101", addr.String())
	addr, err = m.IPAllocReq(ctx, &AllocRequest{VN: vn, Asked: "10.0.0.50", Owner: "b"})
	require.NoError(t, err)
	_, err = m.IPAllocReq(ctx, &AllocRequest{VN: vn, Asked: "10.0.0.50", Owner: "c"})
	require.ErrorIs(t, err, apierrors.ErrConflict)
	ok, err := m.IsIPAllocated(ctx, addr, nil, vn)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.IPAllocReq(ctx, &AllocRequest{VN: vn, Owner: "d"})
	require.NoError(t, err)
	_, err = m.IPAllocReq(ctx, &AllocRequest{VN: vn, Owner: "e"})
	require.ErrorIs(t, err, apierrors.ErrResourceExhausted)
}

func TestSubnetDelete(t *testing.T) {
	ctx := context.TODO()
	m, _ := newTestManager(t)
	vn := network("vn1", "u-ipam", subnet("10.0.0.0", 24), subnet("10.0.1.0", 24))
	require.NoError(t, m.NetCreateReq(ctx, vn))
	shrunk := network("vn1", "u-ipam", subnet("10.0.0.0", 24))

	// only the gateway and dns server are held
	require.NoError(t, m.NetCheckSubnetDelete(ctx, vn, shrunk))

	_, err := m.IPAllocReq(ctx, &AllocRequest{VN: vn, Asked: "10.0.1.9", Owner: "a"})
	require.NoError(t, err)
	err = m.NetCheckSubnetDelete(ctx, vn, shrunk)
	require.ErrorIs(t, err, apierrors.ErrConflict)
	require.Equal(t, "Cannot Delete IP Block 10.0.1.0/24, 10.0.1.9 in use", err.Error())

	require.NoError(t, m.IPFreeReq(ctx, netip.MustParseAddr("10.0.1.9"), nil, vn))
	require.NoError(t, m.NetUpdateReq(ctx, vn, shrunk))
	ok, err := m.IsIPAllocated(ctx, netip.MustParseAddr("10.0.1.1"), nil, vn)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = m.IsIPAllocated(ctx, netip.MustParseAddr("10.0.0.1"), nil, shrunk)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.NetDeleteReq(ctx, shrunk))
	ok, err = m.IsIPAllocated(ctx, netip.MustParseAddr("10.0.0.1"), nil, shrunk)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFlatIpam(t *testing.T) {
	ctx := context.TODO()
	m, nets := newTestManager(t)
	nets.ipams["u-flat"] = proto.Object{
		proto.FieldUUID:       "u-flat",
		FieldIpamSubnetMethod: FlatSubnet,
		FieldIpamSubnets:      proto.Object{"subnets": []interface{}{subnet("172.16.0.0", 24)}},
	}
	vn1 := network("vn1", "u-flat")
	vn2 := network("vn2", "u-flat")
	require.NoError(t, m.NetCreateReq(ctx, vn1))
	require.NoError(t, m.NetCreateReq(ctx, vn2))

	a1, err := m.IPAllocReq(ctx, &AllocRequest{VN: vn1, Owner: "a"})
	require.NoError(t, err)
	a2, err := m.IPAllocReq(ctx, &AllocRequest{VN: vn2, Owner: "b"})
	require.NoError(t, err)
	require.NotEqual(t, a1, a2)

	require.NoError(t, m.NetDeleteReq(ctx, vn1))
	ok, err := m.IsIPAllocated(ctx, a2, nil, vn2)
	require.NoError(t, err)
	require.True(t, ok)

	subnets, err := m.Subnets(ctx, vn1)
	require.NoError(t, err)
	require.Len(t, subnets, 1)
	require.True(t, subnets[0].Flat)
	require.Equal(t, "u-flat", subnets[0].Ipam)
}

func TestSubnetQuota(t *testing.T) {
	ctx := context.TODO()
	m, _ := newTestManager(t)
	vn := network("vn1", "u-ipam", subnet("10.0.0.0", 24), subnet("10.0.1.0", 24))
	require.NoError(t, m.NetCheckSubnetQuota(ctx, vn, -1, 100))
	require.NoError(t, m.NetCheckSubnetQuota(ctx, vn, 3, 1))
	err := m.NetCheckSubnetQuota(ctx, vn, 3, 2)
	require.ErrorIs(t, err, apierrors.ErrQuotaExceeded)
}

func TestIsSpecialNetwork(t *testing.T) {
	require.True(t, IsSpecialNetwork([]string{"default-domain", "default-project", "ip-fabric"}))
	require.True(t, IsSpecialNetwork([]string{"default-domain", "default-project", "__link_local__"}))
	require.False(t, IsSpecialNetwork([]string{"default-domain", "p", "ip-fabric"}))
}
