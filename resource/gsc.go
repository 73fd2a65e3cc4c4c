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
	"regexp"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/store"
)

func init() {
	register("global_system_config", map[Phase]HookFunc{
		PreCreate: gscPreCreate,
		PreUpdate: gscPreUpdate,
	}, nil)
}

func checkLogStatistics(obj proto.Object) error {
	for _, e := range obj.Object("user_defined_log_statistics").List("statlist") {
		stat, _ := proto.AsObject(e)
		if _, err := regexp.Compile(stat.String("pattern")); err != nil {
			return apierrors.NewBadRequest("Regex error in user-defined-log-statistics at %s - %v", stat.String("name"), err)
		}
	}
	return nil
}

func checkASN(obj proto.Object) (uint64, bool, error) {
	asn, ok := obj.Int("autonomous_system")
	if !ok {
		return 0, false, nil
	}
	limit := int64(maxASN2Byte)
	if obj.Bool("enable_4byte_as") {
		limit = 1<<32 - 1
	}
	if asn < 1 || asn > limit {
		return 0, false, apierrors.NewBadRequest("Invalid ASN %d, it must be in range [1, %d]", asn, limit)
	}
	return uint64(asn), true, nil
}

// checkASNConflict rejects an ASN when a network already carries an
// explicit target in the range allocated for it.
func checkASNConflict(ctx context.Context, env *Env, asn uint64) error {
	ret, err := env.Store.List(ctx, "virtual_network", &store.ListArgs{Fields: routeTargetFields, IsDetail: true})
	if err != nil {
		return err
	}
	for _, item := range ret.Items {
		for _, s := range routeTargets(item.Obj) {
			rt, err := ParseRouteTarget(s)
			if err != nil {
				continue
			}
			if rt.collides(asn) {
				return apierrors.NewBadRequest("Virtual network %s is configured with a route target %s "+
					"conflicting with the ASN %d", proto.JoinFQName(item.FQName), s, asn)
			}
		}
	}
	return nil
}

func gscPreCreate(ctx context.Context, env *Env, req *Request) error {
	if err := checkLogStatistics(req.Obj); err != nil {
		return err
	}
	asn, ok, err := checkASN(req.Obj)
	if err != nil || !ok {
		return err
	}
	return checkASNConflict(ctx, env, asn)
}

func gscPreUpdate(ctx context.Context, env *Env, req *Request) error {
	if err := checkLogStatistics(req.Obj); err != nil {
		return err
	}
	merged := req.Merged()
	asn, ok, err := checkASN(merged)
	if err != nil || !ok {
		return err
	}
	if old, _ := req.DB.Int("autonomous_system"); uint64(old) == asn && !req.Obj.Has("enable_4byte_as") {
		return nil
	}
	return checkASNConflict(ctx, env, asn)
}
