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
	"net/netip"
	"strconv"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/allocator"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/undo"
)

const maxASN2Byte = 1<<16 - 1

// RouteTarget is a parsed target:<asn-or-ip>:<num>.
type RouteTarget struct {
	ASN    uint64
	IP     netip.Addr
	Number uint64
}

func (rt RouteTarget) String() string {
	if rt.IP.IsValid() {
		return fmt.Sprintf("target:%s:%d", rt.IP, rt.Number)
	}
	return fmt.Sprintf("target:%d:%d", rt.ASN, rt.Number)
}

// Type1_2 reports ip based targets and targets of 4 byte ASNs, whose number
// part is only 2 bytes wide.
func (rt RouteTarget) Type1_2() bool {
	return rt.IP.IsValid() || rt.ASN > maxASN2Byte
}

func (rt RouteTarget) minAllocated() uint64 {
	if rt.Type1_2() {
		return allocator.BGPRtgtMinIDType1_2
	}
	return allocator.BGPRtgtMinID
}

// ParseRouteTarget parses target:<asn-or-ipv4>:<num>.
func ParseRouteTarget(s string) (RouteTarget, error) {
	var rt RouteTarget
	bad := apierrors.NewBadRequest("Invalid RouteTarget specified: %s", s)
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "target" {
		return rt, bad
	}
	if ip, err := netip.ParseAddr(parts[1]); err == nil {
		if !ip.Is4() {
			return rt, bad
		}
		rt.IP = ip
	} else {
		asn, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return rt, bad
		}
		rt.ASN = asn
	}
	num, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return rt, bad
	}
	if rt.Type1_2() && num > maxASN2Byte {
		return rt, bad
	}
	rt.Number = num
	return rt, nil
}

// collides reports a target that could be handed out by the allocator for
// the global ASN.
func (rt RouteTarget) collides(asn uint64) bool {
	return !rt.IP.IsValid() && rt.ASN == asn && rt.Number >= rt.minAllocated()
}

var routeTargetFields = []string{"route_target_list", "import_route_target_list", "export_route_target_list"}

func routeTargets(obj proto.Object) []string {
	var ret []string
	for _, f := range routeTargetFields {
		if l, ok := proto.Strings(obj.Object(f)["route_target"]); ok {
			ret = append(ret, l...)
		}
	}
	return ret
}

// checkRouteTargets parses every target of obj and rejects those colliding
// with the automatically allocated range of asn.
func checkRouteTargets(obj proto.Object, asn uint64) error {
	for _, s := range routeTargets(obj) {
		rt, err := ParseRouteTarget(s)
		if err != nil {
			return err
		}
		if rt.collides(asn) {
			return apierrors.NewBadRequest("Configured route target %s conflicts with the global ASN %d: "+
				"route target numbers from %d are allocated automatically", s, asn, rt.minAllocated())
		}
	}
	return nil
}

// allocRouteTarget hands out a route target of the global ASN to the
// routing instance fq and creates its route_target resource.
func allocRouteTarget(ctx context.Context, env *Env, fq []string) (string, error) {
	span := trace.SpanFromContextSafe(ctx)
	gc, err := readGlobalConfig(ctx, env.Store)
	if err != nil {
		return "", err
	}
	type1_2 := gc.asn > maxASN2Byte
	pool := env.Alloc.RouteTargets(type1_2)
	id, err := pool.Alloc(ctx, proto.JoinFQName(fq))
	if err != nil {
		return "", err
	}
	undo.Push(ctx, "free route target", func(ctx context.Context) error {
		return pool.Free(ctx, id)
	})
	name := RouteTarget{ASN: gc.asn, Number: id}.String()
	rt, err := env.Dispatch.Create(ctx, "route_target", proto.Object{
		proto.FieldFQName:     []string{name},
		proto.FieldParentType: proto.ConfigRoot,
	})
	if err != nil {
		return "", err
	}
	span.Debugf("allocated route target %s for %v", name, fq)
	return rt.UUID(), nil
}

// freeRouteTargets releases the allocated targets referenced by ri and
// removes their route_target resources.
func freeRouteTargets(ctx context.Context, env *Env, ri proto.Object) {
	span := trace.SpanFromContextSafe(ctx)
	gc, err := readGlobalConfig(ctx, env.Store)
	if err != nil {
		span.Warnf("read global config failed: %v", err)
		return
	}
	for _, ref := range ri.Refs("route_target_refs") {
		if len(ref.To) != 1 {
			continue
		}
		rt, err := ParseRouteTarget(ref.To[0])
		if err != nil || !rt.collides(gc.asn) {
			continue
		}
		if err = env.Alloc.RouteTargets(rt.Type1_2()).Free(ctx, rt.Number); err != nil {
			span.Warnf("free route target %s failed: %v", rt, err)
		}
		if err = env.Dispatch.Delete(ctx, "route_target", ref.UUID); err != nil {
			span.Warnf("delete route target %s failed: %v", rt, err)
		}
	}
}
