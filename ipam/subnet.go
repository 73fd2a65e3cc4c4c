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
	"encoding/binary"
	"math/bits"
	"net/netip"

	"go4.org/netipx"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

const (
	FlatSubnet         = "flat-subnet"
	UserDefinedSubnet  = "user-defined-subnet"
	FamilyV4           = "v4"
	FamilyV6           = "v6"
	maxOffset          = uint64(1) << 63
	ownerGateway       = "gateway"
	ownerDNS           = "dns"
	defaultGatewayOff  = 1
	defaultDNSOff      = 2
	minAllocatableBits = 2
)

// Subnet is a parsed IpamSubnetType.
type Subnet struct {
	UUID string
	// Ipam is the uuid of the network_ipam the subnet comes from.
	Ipam    string
	Prefix  netip.Prefix
	Gateway netip.Addr
	DNS     netip.Addr
	// Ranges are the allocation pools, or the whole host range when the
	// subnet configures none.
	Ranges    []netipx.IPRange
	Explicit  bool
	FromStart bool
	Flat      bool

	poolBase string
}

func (s *Subnet) String() string {
	return s.Prefix.String()
}

func (s *Subnet) Family() string {
	if s.Prefix.Addr().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// HostRange excludes the network and the last address of the prefix.
func (s *Subnet) HostRange() netipx.IPRange {
	base := s.Prefix.Addr()
	last := netipx.PrefixLastIP(s.Prefix).Prev()
	if off, ok := offsetOf(base, last); !ok || off > maxOffset {
		last = addrAt(base, maxOffset)
	}
	return netipx.IPRangeFrom(base.Next(), last)
}

func (s *Subnet) Contains(a netip.Addr) bool {
	return s.HostRange().Contains(a)
}

func (s *Subnet) IsGateway(a netip.Addr) bool {
	return s.Gateway.IsValid() && s.Gateway == a
}

func u128(a netip.Addr) (hi, lo uint64) {
	b := a.As16()
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:])
}

// offsetOf returns a - base when it is a non negative 64 bit value.
func offsetOf(base, a netip.Addr) (uint64, bool) {
	if base.Is4() != a.Is4() {
		return 0, false
	}
	bh, bl := u128(base)
	ah, al := u128(a)
	lo, borrow := bits.Sub64(al, bl, 0)
	hi, _ := bits.Sub64(ah, bh, borrow)
	return lo, hi == 0
}

func addrAt(base netip.Addr, off uint64) netip.Addr {
	bh, bl := u128(base)
	lo, carry := bits.Add64(bl, off, 0)
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], bh+carry)
	binary.BigEndian.PutUint64(b[8:], lo)
	a := netip.AddrFrom16(b)
	if base.Is4() {
		return a.Unmap()
	}
	return a
}

func badSubnet(format string, args ...interface{}) error {
	return apierrors.NewBadRequest(format, args...)
}

func unspecified(s string) bool {
	return s == "0.0.0.0" || s == "::"
}

// ParseSubnet decodes one IpamSubnetType entry. A missing gateway or dns
// server defaults to the first and second host address, an unspecified
// address disables it.
func ParseSubnet(obj proto.Object) (*Subnet, error) {
	sub := obj.Object("subnet")
	ip := sub.String("ip_prefix")
	plen, ok := sub.Int("ip_prefix_len")
	addr, err := netip.ParseAddr(ip)
	if err != nil || !ok {
		return nil, badSubnet("Invalid subnet %s/%d", ip, plen)
	}
	prefix := netip.PrefixFrom(addr, int(plen))
	if !prefix.IsValid() || prefix.Masked() != prefix {
		return nil, badSubnet("Invalid subnet %s/%d", ip, plen)
	}
	if addr.BitLen()-prefix.Bits() < minAllocatableBits {
		return nil, badSubnet("Subnet %s is too small", prefix)
	}

	s := &Subnet{
		UUID:      obj.String("subnet_uuid"),
		Prefix:    prefix,
		FromStart: obj.Bool("addr_from_start"),
	}
	host := s.HostRange()
	parse := func(field string, def uint64) (netip.Addr, error) {
		v := obj.String(field)
		if v == "" {
			return addrAt(addr, def), nil
		}
		if unspecified(v) {
			return netip.Addr{}, nil
		}
		a, err := netip.ParseAddr(v)
		if err != nil || !host.Contains(a) {
			return netip.Addr{}, badSubnet("%s %s is not in subnet %s", field, v, prefix)
		}
		return a, nil
	}
	if s.Gateway, err = parse("default_gateway", defaultGatewayOff); err != nil {
		return nil, err
	}
	if s.DNS, err = parse("dns_server_address", defaultDNSOff); err != nil {
		return nil, err
	}

	for _, e := range obj.List("allocation_pools") {
		p, _ := proto.AsObject(e)
		start, err1 := netip.ParseAddr(p.String("start"))
		end, err2 := netip.ParseAddr(p.String("end"))
		r := netipx.IPRangeFrom(start, end)
		if err1 != nil || err2 != nil || !r.IsValid() {
			return nil, badSubnet("Invalid allocation pool %s-%s", p.String("start"), p.String("end"))
		}
		if !host.Contains(start) || !host.Contains(end) {
			return nil, badSubnet("Allocation pool %s is not in subnet %s", r, prefix)
		}
		s.Ranges = append(s.Ranges, r)
	}
	if len(s.Ranges) > 0 {
		s.Explicit = true
	} else {
		s.Ranges = []netipx.IPRange{host}
	}
	return s, nil
}

// ParseSubnets decodes a list of IpamSubnetType entries.
func ParseSubnets(list []interface{}) ([]*Subnet, error) {
	ret := make([]*Subnet, 0, len(list))
	for _, e := range list {
		obj, ok := proto.AsObject(e)
		if !ok {
			return nil, badSubnet("Invalid ipam subnet")
		}
		s, err := ParseSubnet(obj)
		if err != nil {
			return nil, err
		}
		ret = append(ret, s)
	}
	return ret, nil
}

// CheckOverlap fails when two subnets of reqs overlap, or when one of reqs
// overlaps any of others. Subnets of different families never overlap.
func CheckOverlap(reqs, others []*Subnet) error {
	var sb netipx.IPSetBuilder
	for _, o := range others {
		sb.AddPrefix(o.Prefix)
	}
	for i, s := range reqs {
		set, err := sb.IPSet()
		if err != nil {
			return apierrors.NewInternal("build ip set: %v", err)
		}
		if set.OverlapsPrefix(s.Prefix) {
			for _, o := range append(others[:len(others):len(others)], reqs[:i]...) {
				if o.Prefix.Overlaps(s.Prefix) {
					return badSubnet("Overlapping addresses: [%s, %s]", o.Prefix, s.Prefix)
				}
			}
		}
		sb.AddPrefix(s.Prefix)
	}
	return nil
}

func rangeKey(r netipx.IPRange) string {
	return r.From().String() + "-" + r.To().String()
}
