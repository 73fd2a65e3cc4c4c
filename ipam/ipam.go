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

// Package ipam manages address allocation inside virtual networks. Every
// allocation range of a subnet is an allocator pool whose ids are address
// offsets from the subnet base.
package ipam

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go4.org/netipx"

	"github.com/cubefs/confdb/allocator"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

const (
	FieldIpamRefs         = "network_ipam_refs"
	FieldIpamSubnets      = "ipam_subnets"
	FieldIpamSubnetMethod = "ipam_subnet_method"

	poolPrefix = "/id/ipam/"
)

// Networks resolves the resources the address manager reads.
type Networks interface {
	ReadNetwork(ctx context.Context, fqName []string) (proto.Object, error)
	ReadIpam(ctx context.Context, ref proto.RefInfo) (proto.Object, error)
}

type AllocRequest struct {
	Network    []string
	VN         proto.Object
	SubnetUUID string
	Asked      string
	Family     string
	Owner      string
}

// AddrMgmt is the address manager consulted by the validators.
type AddrMgmt interface {
	IPAllocReq(ctx context.Context, req *AllocRequest) (netip.Addr, error)
	IPFreeReq(ctx context.Context, addr netip.Addr, vnFQ []string, vn proto.Object) error
	IsIPAllocated(ctx context.Context, addr netip.Addr, vnFQ []string, vn proto.Object) (bool, error)
	IsGatewayIP(ctx context.Context, vn proto.Object, addr netip.Addr) (bool, error)
	Subnets(ctx context.Context, vn proto.Object) ([]*Subnet, error)
	NetCheckSubnetOverlap(reqs, others []*Subnet) error
	NetCheckSubnetDelete(ctx context.Context, oldVN, newVN proto.Object) error
	NetCheckSubnetQuota(ctx context.Context, vn proto.Object, limit int64, used int) error
	NetCreateReq(ctx context.Context, vn proto.Object) error
	NetUpdateReq(ctx context.Context, oldVN, newVN proto.Object) error
	NetDeleteReq(ctx context.Context, vn proto.Object) error
}

// IsSpecialNetwork reports the fabric and link local networks, whose
// addresses are not managed here.
func IsSpecialNetwork(fq []string) bool {
	if len(fq) != 3 || fq[0] != "default-domain" || fq[1] != "default-project" {
		return false
	}
	return fq[2] == "ip-fabric" || fq[2] == "__link_local__"
}

// IsFlat reports whether the ipam hands its own subnets to every network.
func IsFlat(ipam proto.Object) bool {
	return ipam.String(FieldIpamSubnetMethod) == FlatSubnet
}

// FlatSubnets returns the subnets configured on a flat ipam.
func FlatSubnets(ipam proto.Object) ([]*Subnet, error) {
	subnets, err := ParseSubnets(ipam.Object(FieldIpamSubnets).List("subnets"))
	if err != nil {
		return nil, err
	}
	for _, s := range subnets {
		s.Flat = true
		s.Ipam = ipam.UUID()
		s.poolBase = poolPrefix + "flat/" + ipam.UUID() + "/"
	}
	return subnets, nil
}

type Manager struct {
	alloc *allocator.Manager
	nets  Networks
}

func NewManager(alloc *allocator.Manager, nets Networks) *Manager {
	return &Manager{alloc: alloc, nets: nets}
}

func (m *Manager) network(ctx context.Context, fq []string, vn proto.Object) (proto.Object, error) {
	if vn != nil {
		return vn, nil
	}
	return m.nets.ReadNetwork(ctx, fq)
}

// Subnets lists the subnets of vn in ref order: the per network subnets of
// user defined ipams and the shared subnets of flat ipams.
func (m *Manager) Subnets(ctx context.Context, vn proto.Object) ([]*Subnet, error) {
	base := poolPrefix + proto.JoinFQName(vn.FQName()) + "/"
	var ret []*Subnet
	for _, ref := range vn.Refs(FieldIpamRefs) {
		ipam, err := m.nets.ReadIpam(ctx, ref)
		if err != nil {
			return nil, err
		}
		if IsFlat(ipam) {
			subnets, err := FlatSubnets(ipam)
			if err != nil {
				return nil, err
			}
			ret = append(ret, subnets...)
			continue
		}
		attr, _ := proto.AsObject(ref.Attr)
		subnets, err := ParseSubnets(attr.List(FieldIpamSubnets))
		if err != nil {
			return nil, err
		}
		for _, s := range subnets {
			s.Ipam = ipam.UUID()
			s.poolBase = base
		}
		ret = append(ret, subnets...)
	}
	return ret, nil
}

func (m *Manager) rangePool(ctx context.Context, s *Subnet, r netipx.IPRange) (allocator.Pool, error) {
	base := s.Prefix.Addr()
	lo, _ := offsetOf(base, r.From())
	hi, _ := offsetOf(base, r.To())
	return m.alloc.Pool(ctx, allocator.PoolConfig{
		Name:    s.poolBase + s.Prefix.String() + "/" + rangeKey(r),
		Min:     lo,
		Max:     hi,
		FromTop: !s.FromStart,
	})
}

// staticPool holds addresses asked for outside the allocation pools.
func (m *Manager) staticPool(ctx context.Context, s *Subnet) (allocator.Pool, error) {
	return m.rangePool(ctx, s, s.HostRange())
}

func (m *Manager) poolNames(s *Subnet) []string {
	names := make([]string, 0, len(s.Ranges)+1)
	for _, r := range s.Ranges {
		names = append(names, s.poolBase+s.Prefix.String()+"/"+rangeKey(r))
	}
	if s.Explicit {
		names = append(names, s.poolBase+s.Prefix.String()+"/"+rangeKey(s.HostRange()))
	}
	return names
}

// poolFor returns the pool recording addr and its id there.
func (m *Manager) poolFor(ctx context.Context, s *Subnet, addr netip.Addr) (allocator.Pool, uint64, error) {
	off, _ := offsetOf(s.Prefix.Addr(), addr)
	for _, r := range s.Ranges {
		if r.Contains(addr) {
			p, err := m.rangePool(ctx, s, r)
			return p, off, err
		}
	}
	p, err := m.staticPool(ctx, s)
	return p, off, err
}

func (m *Manager) subnetOf(subnets []*Subnet, addr netip.Addr) *Subnet {
	for _, s := range subnets {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

func (m *Manager) IPAllocReq(ctx context.Context, req *AllocRequest) (netip.Addr, error) {
	span := trace.SpanFromContextSafe(ctx)
	vn, err := m.network(ctx, req.Network, req.VN)
	if err != nil {
		return netip.Addr{}, err
	}
	vnName := proto.JoinFQName(vn.FQName())
	subnets, err := m.Subnets(ctx, vn)
	if err != nil {
		return netip.Addr{}, err
	}
	var candidates []*Subnet
	for _, s := range subnets {
		if req.SubnetUUID != "" && s.UUID != req.SubnetUUID {
			continue
		}
		if req.Family != "" && s.Family() != req.Family {
			continue
		}
		candidates = append(candidates, s)
	}

	if req.Asked != "" {
		addr, err := netip.ParseAddr(req.Asked)
		if err != nil {
			return netip.Addr{}, apierrors.NewBadRequest("Invalid ip address %s", req.Asked)
		}
		s := m.subnetOf(candidates, addr)
		if s == nil {
			return netip.Addr{}, apierrors.NewBadRequest("Virtual-Network(%s) has no subnet holding %s", vnName, addr)
		}
		pool, id, err := m.poolFor(ctx, s, addr)
		if err != nil {
			return netip.Addr{}, err
		}
		if _, err = pool.Read(ctx, id); err == nil {
			return netip.Addr{}, apierrors.NewConflict("Ip address already in use")
		}
		if err = pool.Reserve(ctx, id, req.Owner); err != nil {
			if apierrors.Is(err, apierrors.ErrConflict) {
				return netip.Addr{}, apierrors.NewConflict("Ip address already in use")
			}
			return netip.Addr{}, err
		}
		span.Debugf("reserve ip %s in %s for %s", addr, vnName, req.Owner)
		return addr, nil
	}

	if len(candidates) == 0 {
		return netip.Addr{}, apierrors.NewBadRequest("Virtual-Network(%s) has no subnet to allocate from", vnName)
	}
	for _, s := range candidates {
		for _, r := range s.Ranges {
			pool, err := m.rangePool(ctx, s, r)
			if err != nil {
				return netip.Addr{}, err
			}
			id, err := pool.Alloc(ctx, req.Owner)
			if apierrors.Is(err, apierrors.ErrResourceExhausted) {
				continue
			}
			if err != nil {
				return netip.Addr{}, err
			}
			addr := addrAt(s.Prefix.Addr(), id)
			span.Debugf("alloc ip %s in %s for %s", addr, vnName, req.Owner)
			return addr, nil
		}
	}
	return netip.Addr{}, apierrors.NewResourceExhausted(http.StatusConflict,
		"Virtual-Network(%s) has exhausted subnet(%s)", vnName, candidates[len(candidates)-1])
}

func (m *Manager) IPFreeReq(ctx context.Context, addr netip.Addr, vnFQ []string, vn proto.Object) error {
	vn, err := m.network(ctx, vnFQ, vn)
	if err != nil {
		return err
	}
	subnets, err := m.Subnets(ctx, vn)
	if err != nil {
		return err
	}
	s := m.subnetOf(subnets, addr)
	if s == nil {
		return nil
	}
	pool, id, err := m.poolFor(ctx, s, addr)
	if err != nil {
		return err
	}
	return pool.Free(ctx, id)
}

func (m *Manager) IsIPAllocated(ctx context.Context, addr netip.Addr, vnFQ []string, vn proto.Object) (bool, error) {
	vn, err := m.network(ctx, vnFQ, vn)
	if err != nil {
		return false, err
	}
	subnets, err := m.Subnets(ctx, vn)
	if err != nil {
		return false, err
	}
	s := m.subnetOf(subnets, addr)
	if s == nil {
		return false, nil
	}
	pool, id, err := m.poolFor(ctx, s, addr)
	if err != nil {
		return false, err
	}
	_, err = pool.Read(ctx, id)
	if apierrors.Is(err, apierrors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) IsGatewayIP(ctx context.Context, vn proto.Object, addr netip.Addr) (bool, error) {
	subnets, err := m.Subnets(ctx, vn)
	if err != nil {
		return false, err
	}
	for _, s := range subnets {
		if s.IsGateway(addr) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) NetCheckSubnetOverlap(reqs, others []*Subnet) error {
	return CheckOverlap(reqs, others)
}

// removed returns subnets of from whose prefix is absent from to.
func removed(from, to []*Subnet) []*Subnet {
	keep := make(map[string]struct{}, len(to))
	for _, s := range to {
		keep[s.poolBase+s.Prefix.String()] = struct{}{}
	}
	var ret []*Subnet
	for _, s := range from {
		if _, ok := keep[s.poolBase+s.Prefix.String()]; !ok {
			ret = append(ret, s)
		}
	}
	return ret
}

// NetCheckSubnetDelete fails when a subnet dropped by the update still
// holds addresses other than its gateway and dns server.
func (m *Manager) NetCheckSubnetDelete(ctx context.Context, oldVN, newVN proto.Object) error {
	oldSubnets, err := m.Subnets(ctx, oldVN)
	if err != nil {
		return err
	}
	newSubnets, err := m.Subnets(ctx, newVN)
	if err != nil {
		return err
	}
	for _, s := range removed(oldSubnets, newSubnets) {
		if s.Flat {
			continue
		}
		inUse, err := m.inUse(ctx, s)
		if err != nil {
			return err
		}
		if len(inUse) > 0 {
			return apierrors.NewConflict("Cannot Delete IP Block %s, %s in use", s.Prefix, inUse[0])
		}
	}
	return nil
}

func (m *Manager) inUse(ctx context.Context, s *Subnet) ([]netip.Addr, error) {
	var ret []netip.Addr
	ranges := append([]netipx.IPRange(nil), s.Ranges...)
	if s.Explicit {
		ranges = append(ranges, s.HostRange())
	}
	for _, r := range ranges {
		pool, err := m.rangePool(ctx, s, r)
		if err != nil {
			return nil, err
		}
		ids, err := pool.Allocated(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			owner, err := pool.Read(ctx, id)
			if err != nil {
				continue
			}
			if owner != ownerGateway && owner != ownerDNS {
				ret = append(ret, addrAt(s.Prefix.Addr(), id))
			}
		}
	}
	return ret, nil
}

// NetCheckSubnetQuota fails when the subnets of vn plus used already
// counted subnets exceed a non negative limit.
func (m *Manager) NetCheckSubnetQuota(ctx context.Context, vn proto.Object, limit int64, used int) error {
	if limit < 0 {
		return nil
	}
	subnets, err := m.Subnets(ctx, vn)
	if err != nil {
		return err
	}
	if int64(used+len(subnets)) > limit {
		return apierrors.NewQuotaExceeded("quota limit (%d) exceeded for resource subnet", limit)
	}
	return nil
}

func (m *Manager) reserveFixed(ctx context.Context, s *Subnet) error {
	for _, f := range []struct {
		addr  netip.Addr
		owner string
	}{{s.Gateway, ownerGateway}, {s.DNS, ownerDNS}} {
		if !f.addr.IsValid() {
			continue
		}
		pool, id, err := m.poolFor(ctx, s, f.addr)
		if err != nil {
			return err
		}
		owner, err := pool.Read(ctx, id)
		if err == nil && owner != ownerGateway && owner != ownerDNS {
			return apierrors.NewConflict("Ip address already in use")
		}
		if err = pool.Reserve(ctx, id, f.owner); err != nil && !apierrors.Is(err, apierrors.ErrConflict) {
			return err
		}
	}
	return nil
}

func (m *Manager) createSubnets(ctx context.Context, subnets []*Subnet) error {
	for _, s := range subnets {
		if err := m.reserveFixed(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) dropSubnets(ctx context.Context, subnets []*Subnet) error {
	for _, s := range subnets {
		if s.Flat {
			continue
		}
		for _, name := range m.poolNames(s) {
			if err := m.alloc.DropPool(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// NetCreateReq reserves the gateway and dns server of every subnet.
func (m *Manager) NetCreateReq(ctx context.Context, vn proto.Object) error {
	span := trace.SpanFromContextSafe(ctx)
	subnets, err := m.Subnets(ctx, vn)
	if err != nil {
		return err
	}
	if err = m.createSubnets(ctx, subnets); err != nil {
		span.Warnf("create subnets of %v failed, err: %v", vn.FQName(), err)
		return err
	}
	return nil
}

func (m *Manager) NetUpdateReq(ctx context.Context, oldVN, newVN proto.Object) error {
	oldSubnets, err := m.Subnets(ctx, oldVN)
	if err != nil {
		return err
	}
	newSubnets, err := m.Subnets(ctx, newVN)
	if err != nil {
		return err
	}
	if err = m.dropSubnets(ctx, removed(oldSubnets, newSubnets)); err != nil {
		return err
	}
	return m.createSubnets(ctx, removed(newSubnets, oldSubnets))
}

// NetDeleteReq forgets every per network subnet of vn. Flat subnets are
// shared and stay.
func (m *Manager) NetDeleteReq(ctx context.Context, vn proto.Object) error {
	subnets, err := m.Subnets(ctx, vn)
	if err != nil {
		return err
	}
	return m.dropSubnets(ctx, subnets)
}
