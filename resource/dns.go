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
	"net/netip"
	"strings"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

const (
	fieldRecordData = "virtual_DNS_record_data"

	maxTTL          = 1<<31 - 1
	maxMXPreference = 1<<16 - 1
	maxDNSName      = 255
	maxDNSLabel     = 63
)

var recordTypes = map[string]struct{}{"A": {}, "AAAA": {}, "CNAME": {}, "PTR": {}, "NS": {}, "MX": {}}

func init() {
	register("virtual_DNS_record", map[Phase]HookFunc{
		PreCreate: func(ctx context.Context, env *Env, req *Request) error {
			return CheckDNSRecord(req.Obj.Object(fieldRecordData))
		},
		PreUpdate: func(ctx context.Context, env *Env, req *Request) error {
			if !req.Obj.Has(fieldRecordData) {
				return nil
			}
			return CheckDNSRecord(req.Obj.Object(fieldRecordData))
		},
	}, nil)
}

func validDNSName(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > maxDNSName {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > maxDNSLabel || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// CheckDNSRecord validates a record against its type. The record type is
// matched case insensitively and stored upper cased.
func CheckDNSRecord(rec proto.Object) error {
	if rec == nil {
		return apierrors.NewBadRequest("DNS record data missing")
	}
	typ := strings.ToUpper(rec.String("record_type"))
	if _, ok := recordTypes[typ]; !ok {
		return apierrors.NewBadRequest("Invalid record type %s", rec.String("record_type"))
	}
	rec["record_type"] = typ
	data := rec.String("record_data")

	switch typ {
	case "A", "AAAA":
		addr, err := netip.ParseAddr(data)
		if err != nil || addr.Is4() != (typ == "A") {
			return apierrors.NewForbidden("Invalid IP address")
		}
	case "CNAME", "PTR", "MX", "NS":
		if !validDNSName(data) {
			return apierrors.NewForbidden("Invalid Name")
		}
	}
	if typ != "PTR" && !validDNSName(rec.String("record_name")) {
		return apierrors.NewForbidden("Invalid Name %s", rec.String("record_name"))
	}

	if v, ok := rec["record_ttl_seconds"]; ok && v != nil {
		ttl, ok := proto.Int(v)
		if !ok || ttl < 0 || ttl > maxTTL {
			return apierrors.NewBadRequest("Invalid TTL %v", v)
		}
	}
	if typ == "MX" {
		if v, ok := rec["record_mx_preference"]; ok && v != nil {
			pref, ok := proto.Int(v)
			if !ok || pref < 0 || pref > maxMXPreference {
				return apierrors.NewBadRequest("Invalid MX preference %v", v)
			}
		}
	}
	return nil
}
