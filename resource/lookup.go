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
	"github.com/cubefs/confdb/ipam"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/store"
)

// refUUID resolves a ref entry given by uuid or by fq_name.
func refUUID(ctx context.Context, s *store.Store, peerType string, ref proto.RefInfo) (string, error) {
	if ref.UUID != "" {
		return ref.UUID, nil
	}
	if len(ref.To) == 0 {
		return "", apierrors.NewBadRequest("%s ref without uuid or fq_name", peerType)
	}
	return s.FQNameToUUID(ctx, peerType, ref.To)
}

func readRef(ctx context.Context, s *store.Store, peerType string, ref proto.RefInfo, fields ...string) (proto.Object, error) {
	uuid, err := refUUID(ctx, s, peerType, ref)
	if err != nil {
		return nil, err
	}
	return s.ReadOne(ctx, peerType, uuid, &store.ReadOption{Fields: fields})
}

// firstRef reads the first ref of field, or returns nil when there is none.
func firstRef(ctx context.Context, s *store.Store, obj proto.Object, peerType string, fields ...string) (proto.Object, error) {
	refs := obj.Refs(peerType + "_refs")
	if len(refs) == 0 {
		return nil, nil
	}
	return readRef(ctx, s, peerType, refs[0], fields...)
}

var vnIpamFields = []string{ipam.FieldIpamRefs, "virtual_network_properties", "provider_properties"}

type globalConfig struct {
	asn       uint64
	fourByte  bool
	hasConfig bool
}

func readGlobalConfig(ctx context.Context, s *store.Store) (*globalConfig, error) {
	uuid, err := s.FQNameToUUID(ctx, "global_system_config", []string{DefaultGlobalConfig})
	if apierrors.Is(err, apierrors.ErrNotFound) {
		return &globalConfig{asn: DefaultASN}, nil
	}
	if err != nil {
		return nil, err
	}
	obj, err := s.ReadOne(ctx, "global_system_config", uuid,
		&store.ReadOption{Fields: []string{"autonomous_system", "enable_4byte_as"}})
	if err != nil {
		return nil, err
	}
	gc := &globalConfig{asn: DefaultASN, fourByte: obj.Bool("enable_4byte_as"), hasConfig: true}
	if asn, ok := obj.Int("autonomous_system"); ok && asn > 0 {
		gc.asn = uint64(asn)
	}
	return gc, nil
}

type networks struct {
	s *store.Store
}

// Networks lets the address manager read networks and ipams from s.
func Networks(s *store.Store) ipam.Networks {
	return &networks{s: s}
}

func (n *networks) ReadNetwork(ctx context.Context, fq []string) (proto.Object, error) {
	uuid, err := n.s.FQNameToUUID(ctx, "virtual_network", fq)
	if err != nil {
		return nil, err
	}
	return n.s.ReadOne(ctx, "virtual_network", uuid, &store.ReadOption{Fields: vnIpamFields})
}

func (n *networks) ReadIpam(ctx context.Context, ref proto.RefInfo) (proto.Object, error) {
	return readRef(ctx, n.s, "network_ipam", ref,
		ipam.FieldIpamSubnetMethod, ipam.FieldIpamSubnets, "network_ipam_mgmt")
}
