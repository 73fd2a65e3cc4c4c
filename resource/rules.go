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
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

const (
	localAddress = "local"

	ethertypeV4 = "IPv4"
	ethertypeV6 = "IPv6"
)

var protocols = map[string]struct{}{"any": {}, "icmp": {}, "tcp": {}, "udp": {}, "icmp6": {}}

func checkProtocol(p string) error {
	if _, ok := protocols[p]; ok {
		return nil
	}
	if n, err := strconv.Atoi(p); err == nil && n >= 0 && n <= 255 {
		return nil
	}
	return apierrors.NewBadRequest("Rule with invalid protocol : %s", p)
}

func hasLocal(addrs []interface{}) bool {
	for _, a := range addrs {
		if obj, ok := proto.AsObject(a); ok && obj.String("security_group") == localAddress {
			return true
		}
	}
	return false
}

func checkEthertype(rule proto.Object) error {
	ethertype := rule.String("ethertype")
	if ethertype == "" {
		return nil
	}
	if ethertype != ethertypeV4 && ethertype != ethertypeV6 {
		return apierrors.NewBadRequest("Rule with invalid ethertype : %s", ethertype)
	}
	for _, f := range []string{"src_addresses", "dst_addresses"} {
		for _, a := range rule.List(f) {
			addr, _ := proto.AsObject(a)
			subnet := addr.Object("subnet")
			if subnet == nil {
				continue
			}
			ip, err := netip.ParseAddr(subnet.String("ip_prefix"))
			if err != nil {
				return apierrors.NewBadRequest("Rule with invalid subnet : %v", subnet["ip_prefix"])
			}
			if (ethertype == ethertypeV4) != ip.Is4() {
				return apierrors.NewBadRequest("Rule subnet %s doesn't match ethertype %s", ip, ethertype)
			}
		}
	}
	return nil
}

func sameRule(a, b proto.Object) bool {
	a, b = a.Copy(), b.Copy()
	delete(a, "rule_uuid")
	delete(b, "rule_uuid")
	return proto.Equal(a, b)
}

// CheckPolicyRules validates the policy_rule list of entries in place,
// minting rule uuids where missing. Security group rules need exactly one
// local side, network policy rules need an action list.
func CheckPolicyRules(entries proto.Object, securityGroup bool) error {
	if entries == nil {
		return nil
	}
	list := entries.List("policy_rule")
	rules := make([]proto.Object, 0, len(list))
	for _, e := range list {
		rule, ok := proto.AsObject(e)
		if !ok {
			return apierrors.NewBadRequest("Invalid policy rule %v", e)
		}
		if rule.String("rule_uuid") == "" {
			rule["rule_uuid"] = uuid.NewString()
		}
		rules = append(rules, rule)
	}

	for i, rule := range rules {
		for _, prev := range rules[:i] {
			if sameRule(prev, rule) {
				return apierrors.NewConflict("Rule already exists : %s", prev.String("rule_uuid"))
			}
		}
		if p := rule.String("protocol"); p != "" {
			if err := checkProtocol(strings.ToLower(p)); err != nil {
				return err
			}
		}
		if err := checkEthertype(rule); err != nil {
			return err
		}
		if securityGroup {
			src, dst := hasLocal(rule.List("src_addresses")), hasLocal(rule.List("dst_addresses"))
			if src == dst {
				return apierrors.NewBadRequest("Exactly one of source or destination addresses must be 'local' in rule %s",
					rule.String("rule_uuid"))
			}
		} else if rule.Object("action_list") == nil {
			return apierrors.NewBadRequest("Check Policy Rules: action_list is required in rule %s", rule.String("rule_uuid"))
		}
	}
	return nil
}
