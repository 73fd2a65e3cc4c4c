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

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/schema"
	"github.com/cubefs/confdb/store"
)

const (
	quotaDefaults = "defaults"
	quotaSGRule   = "security_group_rule"
	quotaSubnet   = "subnet"
)

func quotaError(limit int64, res string) error {
	return apierrors.NewQuotaExceeded("quota limit (%d) exceeded for resource %s", limit, res)
}

// projectOf returns the project uuid obj is accounted to, or "" when it has
// none.
func projectOf(ctx context.Context, s *store.Store, typ string, obj proto.Object) (string, error) {
	if obj.ParentType() == "project" {
		if uuid := obj.ParentUUID(); uuid != "" {
			return uuid, nil
		}
		fq := obj.FQName()
		if len(fq) < 2 {
			return "", nil
		}
		return s.FQNameToUUID(ctx, "project", fq[:len(fq)-1])
	}
	refs := obj.Refs("project_refs")
	if len(refs) == 0 {
		return "", nil
	}
	return refUUID(ctx, s, "project", refs[0])
}

// QuotaLimit returns the limit the project sets for res. Negative means
// unlimited.
func QuotaLimit(ctx context.Context, env *Env, project, res string) (int64, error) {
	obj, err := env.Store.ReadOne(ctx, "project", project, &store.ReadOption{Fields: []string{"quota"}, ReadOnly: true})
	if err != nil {
		return 0, err
	}
	quota := obj.Object("quota")
	if limit, ok := quota.Int(res); ok {
		return limit, nil
	}
	if limit, ok := quota.Int(quotaDefaults); ok {
		return limit, nil
	}
	return env.Config.DefaultQuota, nil
}

func countUnder(ctx context.Context, s *store.Store, typ, project string) (int, error) {
	args := &store.ListArgs{IsCount: true}
	if t := schema.MustLookup(typ); t.AllowsParent("project") {
		args.ParentUUIDs = []string{project}
	} else {
		args.BackRefUUIDs = []string{project}
	}
	ret, err := s.List(ctx, typ, args)
	if err != nil {
		return 0, err
	}
	return ret.Count, nil
}

// CheckQuota fails when creating one more typ under the project of obj
// would exceed its limit.
func CheckQuota(ctx context.Context, env *Env, typ string, obj proto.Object) error {
	t, ok := schema.Lookup(typ)
	if !ok || !t.QuotaBound {
		return nil
	}
	project, err := projectOf(ctx, env.Store, typ, obj)
	if err != nil || project == "" {
		return err
	}
	limit, err := QuotaLimit(ctx, env, project, typ)
	if err != nil || limit < 0 {
		return err
	}
	used, err := countUnder(ctx, env.Store, typ, project)
	if err != nil {
		return err
	}
	if int64(used+1) > limit {
		trace.SpanFromContextSafe(ctx).Infof("quota of %s exceeded in project %s: %d/%d", typ, project, used, limit)
		return quotaError(limit, typ)
	}
	return nil
}

func ruleCount(obj proto.Object) int {
	return len(obj.Object("security_group_entries").List("policy_rule"))
}

// checkRuleQuota counts the rules of every security group of the project
// but self, plus the rules of obj.
func checkRuleQuota(ctx context.Context, env *Env, self string, obj proto.Object) error {
	project, err := projectOf(ctx, env.Store, "security_group", obj)
	if err != nil || project == "" {
		return err
	}
	limit, err := QuotaLimit(ctx, env, project, quotaSGRule)
	if err != nil || limit < 0 {
		return err
	}
	ret, err := env.Store.List(ctx, "security_group", &store.ListArgs{
		ParentUUIDs: []string{project},
		Fields:      []string{"security_group_entries"},
		IsDetail:    true,
	})
	if err != nil {
		return err
	}
	used := ruleCount(obj)
	for _, item := range ret.Items {
		if item.UUID != self {
			used += ruleCount(item.Obj)
		}
	}
	if int64(used) > limit {
		return quotaError(limit, quotaSGRule)
	}
	return nil
}

// checkSubnetQuota counts the subnets of every other network of the
// project against its subnet limit.
func checkSubnetQuota(ctx context.Context, env *Env, self string, vn proto.Object) error {
	project, err := projectOf(ctx, env.Store, "virtual_network", vn)
	if err != nil || project == "" {
		return err
	}
	limit, err := QuotaLimit(ctx, env, project, quotaSubnet)
	if err != nil || limit < 0 {
		return err
	}
	ret, err := env.Store.List(ctx, "virtual_network", &store.ListArgs{
		ParentUUIDs: []string{project},
		Fields:      vnIpamFields,
		IsDetail:    true,
	})
	if err != nil {
		return err
	}
	used := 0
	for _, item := range ret.Items {
		if item.UUID == self {
			continue
		}
		subnets, err := env.Addr.Subnets(ctx, item.Obj)
		if err != nil {
			return err
		}
		used += len(subnets)
	}
	return env.Addr.NetCheckSubnetQuota(ctx, vn, limit, used)
}
