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

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

func init() {
	register("project", map[Phase]HookFunc{
		PostCreate: projectPostCreate,
		PreDelete:  projectPreDelete,
	}, defaultSecurityGroups)
}

func sgRule(traffic, ethertype string, src, dst proto.Object) proto.Object {
	return proto.Object{
		"direction":     ">",
		"protocol":      "any",
		"ethertype":     ethertype,
		"src_addresses": []interface{}{src},
		"dst_addresses": []interface{}{dst},
		"src_ports":     []interface{}{proto.Object{"start_port": 0, "end_port": 65535}},
		"dst_ports":     []interface{}{proto.Object{"start_port": 0, "end_port": 65535}},
		"rule_sequence": proto.Object{"major": -1, "minor": -1},
		"traffic":       traffic,
	}
}

// DefaultSecurityGroupRules admits traffic from the group itself and lets
// everything out, for both families.
func DefaultSecurityGroupRules(fq []string) proto.Object {
	self := proto.Object{"security_group": proto.JoinFQName(fq)}
	local := proto.Object{"security_group": localAddress}
	any4 := proto.Object{"subnet": proto.Object{"ip_prefix": "0.0.0.0", "ip_prefix_len": 0}}
	any6 := proto.Object{"subnet": proto.Object{"ip_prefix": "::", "ip_prefix_len": 0}}
	rules := []interface{}{
		sgRule("ingress", ethertypeV4, self, local),
		sgRule("ingress", ethertypeV6, self, local),
		sgRule("egress", ethertypeV4, local, any4),
		sgRule("egress", ethertypeV6, local, any6),
	}
	return proto.Object{"policy_rule": rules}
}

func projectPostCreate(ctx context.Context, env *Env, req *Request) error {
	if !env.Config.CreateDefaultSecurityGroup {
		return nil
	}
	fq := append(append([]string(nil), req.FQName...), DefaultSGName)
	_, err := env.Dispatch.Create(ctx, "security_group", proto.Object{
		proto.FieldFQName:     fq,
		proto.FieldParentType: "project",
		proto.FieldParentUUID: req.UUID,
		fieldSGEntries:        DefaultSecurityGroupRules(fq),
	})
	return err
}

func defaultSecurityGroups(db proto.Object) []string {
	var ret []string
	for _, child := range db.Refs("security_groups") {
		if len(child.To) > 0 && child.To[len(child.To)-1] == DefaultSGName {
			ret = append(ret, child.UUID)
		}
	}
	return ret
}

func projectPreDelete(ctx context.Context, env *Env, req *Request) error {
	for _, uuid := range defaultSecurityGroups(req.DB) {
		if err := env.Dispatch.Delete(ctx, "security_group", uuid); err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
			return err
		}
	}
	return nil
}
