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

package store

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/confdb/common/columnstore"
	"github.com/cubefs/confdb/common/kvstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

func newTestStore(t *testing.T) *Store {
	kv, err := kvstore.NewKVStore(context.TODO(), "", kvstore.MemoryKVType, nil)
	require.NoError(t, err)
	db, err := columnstore.NewKVDriver(kv, nil)
	require.NoError(t, err)
	s, err := NewStore(db, &Config{Cache: CacheConfig{MaxEntries: 100}})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newObj(fq []string, parentType string, kv ...interface{}) proto.Object {
	obj := proto.Object{proto.FieldFQName: fq}
	if parentType != "" {
		obj[proto.FieldParentType] = parentType
	}
	for i := 0; i+1 < len(kv); i += 2 {
		obj[kv[i].(string)] = kv[i+1]
	}
	return obj
}

func mustCreate(t *testing.T, s *Store, typ, uuid string, obj proto.Object) {
	_, err := s.Create(context.TODO(), typ, uuid, obj)
	require.NoError(t, err)
}

// seed creates default-domain/p with an ipam and a virtual network using it.
func seed(t *testing.T, s *Store) {
	mustCreate(t, s, "domain", "u-d", newObj([]string{"default-domain"}, ""))
	mustCreate(t, s, "project", "u-p", newObj([]string{"default-domain", "p"}, "domain"))
	mustCreate(t, s, "network_ipam", "u-ipam", newObj([]string{"default-domain", "p", "ipam"}, "project",
		"network_ipam_mgmt", proto.Object{"ipam_dns_method": "default-dns-server"}))
	mustCreate(t, s, "virtual_network", "u-vn1", newObj([]string{"default-domain", "p", "vn1"}, "project",
		"display_name", "vn1",
		"network_ipam_refs", []interface{}{proto.Object{
			"to":   []interface{}{"default-domain", "p", "ipam"},
			"attr": proto.Object{"ipam_subnets": []interface{}{proto.Object{"subnet_uuid": "s1"}}},
		}},
	))
}

func rowCols(t *testing.T, s *Store, uuid string) map[string]columnstore.Column {
	cols, err := s.db.Get(context.TODO(), columnstore.ObjUUIDTable, uuid, nil)
	require.NoError(t, err)
	return columnstore.ColumnMap(cols)
}

func requireConsistent(t *testing.T, s *Store) {
	violations, err := s.Check(context.TODO())
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestCreateRead(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)

	vn, err := s.ReadOne(ctx, "virtual_network", "u-vn1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"default-domain", "p", "vn1"}, vn.FQName())
	require.Equal(t, "project", vn.ParentType())
	require.Equal(t, "u-p", vn.ParentUUID())
	require.Equal(t, "vn1", vn.String("display_name"))
	refs := vn.Refs("network_ipam_refs")
	require.Len(t, refs, 1)
	require.Equal(t, "u-ipam", refs[0].UUID)
	require.Equal(t, []string{"default-domain", "p", "ipam"}, refs[0].To)
	require.NotEmpty(t, vn.Object("id_perms").String("created"))

	ipam, err := s.ReadOne(ctx, "network_ipam", "u-ipam", nil)
	require.NoError(t, err)
	back := ipam.Refs("virtual_network_back_refs")
	require.Len(t, back, 1)
	require.Equal(t, "u-vn1", back[0].UUID)
	require.True(t, proto.Equal(refs[0].Attr, back[0].Attr))

	p, err := s.ReadOne(ctx, "project", "u-p", nil)
	require.NoError(t, err)
	children := p.Refs("virtual_networks")
	require.Len(t, children, 1)
	require.Equal(t, "u-vn1", children[0].UUID)
	require.Len(t, p.Refs("network_ipams"), 1)

	uuid, err := s.FQNameToUUID(ctx, "virtual_network", []string{"default-domain", "p", "vn1"})
	require.NoError(t, err)
	require.Equal(t, "u-vn1", uuid)
	typ, err := s.UUIDToObjType(ctx, "u-vn1")
	require.NoError(t, err)
	require.Equal(t, "virtual_network", typ)

	requireConsistent(t, s)
}

func TestCreateErrors(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)

	_, err := s.Create(ctx, "virtual_network", "u-x", newObj([]string{"default-domain", "nope", "vn"}, "project"))
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))

	_, err = s.Create(ctx, "virtual_network", "u-x", newObj([]string{"default-domain", "vn"}, "domain"))
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))

	_, err = s.Create(ctx, "virtual_network", "u-x", newObj([]string{"default-domain", "p", "vn1"}, "project"))
	require.True(t, apierrors.Is(err, apierrors.ErrResourceExists))

	_, err = s.Create(ctx, "virtual_network", "u-vn1", newObj([]string{"default-domain", "p", "vn2"}, "project"))
	require.True(t, apierrors.Is(err, apierrors.ErrResourceExists))

	_, err = s.Create(ctx, "no_such_type", "u-x", newObj([]string{"x"}, ""))
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))

	_, err = s.Create(ctx, "virtual_network", "u-x", newObj([]string{"default-domain", "p", "vn3"}, "project",
		"network_ipam_refs", []interface{}{proto.Object{"to": []interface{}{"default-domain", "p", "missing"}}}))
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))

	_, err = s.FQNameToUUID(ctx, "virtual_network", []string{"default-domain", "p", "vn3"})
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
	requireConsistent(t, s)
}

func TestReadMissing(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)

	_, err := s.Read(ctx, "virtual_network", []string{"missing"}, nil)
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))

	objs, err := s.Read(ctx, "virtual_network", []string{"missing", "u-vn1", "u-ipam"}, nil)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, "u-vn1", objs[0].UUID())
}

func TestReadFields(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)

	for _, readOnly := range []bool{false, true} {
		obj, err := s.ReadOne(ctx, "network_ipam", "u-ipam", &ReadOption{Fields: []string{"network_ipam_mgmt"}, ReadOnly: readOnly})
		require.NoError(t, err)
		require.Equal(t, "default-dns-server", obj.Object("network_ipam_mgmt").String("ipam_dns_method"))
		require.False(t, obj.Has("virtual_network_back_refs"))
		require.False(t, obj.Has("id_perms"))
		require.Equal(t, "u-p", obj.ParentUUID())

		obj, err = s.ReadOne(ctx, "network_ipam", "u-ipam", &ReadOption{Fields: []string{"virtual_network_back_refs"}, ReadOnly: readOnly})
		require.NoError(t, err)
		require.Len(t, obj.Refs("virtual_network_back_refs"), 1)
		require.False(t, obj.Has("network_ipam_mgmt"))
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)

	before := rowCols(t, s, "u-vn1")
	_, err := s.Update(ctx, "virtual_network", "u-vn1", proto.Object{
		"display_name": "vn1",
		"network_ipam_refs": []interface{}{proto.Object{
			"uuid": "u-ipam",
			"attr": proto.Object{"ipam_subnets": []interface{}{proto.Object{"subnet_uuid": "s1"}}},
		}},
	})
	require.NoError(t, err)
	after := rowCols(t, s, "u-vn1")
	require.True(t, cmp.Equal(before, after), "identical update must not rewrite columns")

	_, err = s.Update(ctx, "virtual_network", "u-vn1", proto.Object{
		"display_name":               nil,
		"virtual_network_network_id": 5,
	})
	require.NoError(t, err)
	cols := rowCols(t, s, "u-vn1")
	require.NotContains(t, cols, "prop:display_name")
	require.Equal(t, "5", string(cols["prop:virtual_network_network_id"].Value))
	require.Greater(t, cols[colIDPerms].Ts, before[colIDPerms].Ts)
	require.Greater(t, cols[colLatestTs].Ts, before[colLatestTs].Ts)

	vn, err := s.ReadOne(ctx, "virtual_network", "u-vn1", nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, vn.Object("id_perms").String("last_modified"), vn.Object("id_perms").String("created"))

	// drop the ipam ref, the back-ref goes with it
	_, err = s.Update(ctx, "virtual_network", "u-vn1", proto.Object{"network_ipam_refs": []interface{}{}})
	require.NoError(t, err)
	ipam, err := s.ReadOne(ctx, "network_ipam", "u-ipam", nil)
	require.NoError(t, err)
	require.Empty(t, ipam.Refs("virtual_network_back_refs"))

	_, err = s.Update(ctx, "virtual_network", "missing", proto.Object{"display_name": "x"})
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
	_, err = s.Update(ctx, "network_ipam", "u-vn1", proto.Object{"display_name": "x"})
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
	requireConsistent(t, s)
}

func TestUpdateCollections(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	mustCreate(t, s, "virtual_machine_interface", "u-vmi", newObj([]string{"default-domain", "p", "vmi"}, "project",
		"virtual_machine_interface_bindings", proto.Object{"key_value_pair": []interface{}{
			proto.Object{"key": "vnic_type", "value": "normal"},
			proto.Object{"key": "host_id", "value": "h1"},
		}},
	))

	_, err := s.Update(ctx, "virtual_machine_interface", "u-vmi", proto.Object{
		"virtual_machine_interface_bindings": proto.Object{"key_value_pair": []interface{}{
			proto.Object{"key": "vnic_type", "value": "normal"},
		}},
	})
	require.NoError(t, err)
	vmi, err := s.ReadOne(ctx, "virtual_machine_interface", "u-vmi", nil)
	require.NoError(t, err)
	pairs := vmi.Object("virtual_machine_interface_bindings").List("key_value_pair")
	require.Len(t, pairs, 1)
}

func TestSameTypeRefs(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	peerBefore := rowCols(t, s, "u-vn1")

	symmetric, err := s.Create(ctx, "virtual_network", "u-vn2", newObj([]string{"default-domain", "p", "vn2"}, "project",
		"virtual_network_refs", []interface{}{proto.Object{"uuid": "u-vn1"}}))
	require.NoError(t, err)
	require.Equal(t, []string{"u-vn1"}, symmetric)

	peer := rowCols(t, s, "u-vn1")
	require.Contains(t, peer, "ref:virtual_network:u-vn2")
	require.Greater(t, peer[colIDPerms].Ts, peerBefore[colIDPerms].Ts)
	vn1, err := s.ReadOne(ctx, "virtual_network", "u-vn1", nil)
	require.NoError(t, err)
	require.Equal(t, "u-vn2", vn1.Refs("virtual_network_refs")[0].UUID)
	requireConsistent(t, s)

	symmetric, err = s.Delete(ctx, "virtual_network", "u-vn2")
	require.NoError(t, err)
	require.Equal(t, []string{"u-vn1"}, symmetric)
	require.NotContains(t, rowCols(t, s, "u-vn1"), "ref:virtual_network:u-vn2")
	requireConsistent(t, s)
}

func TestDelete(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)

	_, err := s.Delete(ctx, "virtual_network", "u-vn1")
	require.NoError(t, err)
	require.Empty(t, rowCols(t, s, "u-vn1"))
	_, err = s.FQNameToUUID(ctx, "virtual_network", []string{"default-domain", "p", "vn1"})
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
	_, err = s.UUIDToFQName(ctx, "u-vn1")
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))

	ipam := rowCols(t, s, "u-ipam")
	require.NotContains(t, ipam, "backref:virtual_network:u-vn1")
	require.NotContains(t, rowCols(t, s, "u-p"), "children:virtual_network:u-vn1")

	_, err = s.Delete(ctx, "virtual_network", "u-vn1")
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
	requireConsistent(t, s)
}

func TestRelaxedRefDelete(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	mustCreate(t, s, "network_policy", "u-pol", newObj([]string{"default-domain", "p", "pol"}, "project"))
	_, err := s.RefUpdate(ctx, "virtual_network", "u-vn1", "network_policy", "u-pol", proto.RefOpAdd, proto.Object{"sequence": proto.Object{"major": 0, "minor": 0}})
	require.NoError(t, err)
	require.Contains(t, rowCols(t, s, "u-vn1"), "ref:network_policy:u-pol")

	links, err := s.ReadLinks(ctx, "network_policy", "u-pol")
	require.NoError(t, err)
	require.Len(t, links.Backrefs, 1)
	require.False(t, links.Backrefs[0].Relaxed)

	require.NoError(t, s.RelaxRefForDelete(ctx, "u-vn1", "u-pol"))
	links, err = s.ReadLinks(ctx, "network_policy", "u-pol")
	require.NoError(t, err)
	require.True(t, links.Backrefs[0].Relaxed)

	modified := func() string {
		v, err := proto.Decode(rowCols(t, s, "u-vn1")[colIDPerms].Value)
		require.NoError(t, err)
		perms, _ := proto.AsObject(v)
		return perms.String(proto.IDPermsLastModified)
	}
	before := modified()
	time.Sleep(2 * time.Millisecond)

	symmetric, err := s.Delete(ctx, "network_policy", "u-pol")
	require.NoError(t, err)
	require.Empty(t, symmetric)
	require.NotContains(t, rowCols(t, s, "u-vn1"), "ref:network_policy:u-pol")
	require.Greater(t, modified(), before)
	requireConsistent(t, s)
}

func TestRefUpdate(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	mustCreate(t, s, "route_table", "u-rt", newObj([]string{"default-domain", "p", "rt"}, "project"))

	_, err := s.RefUpdate(ctx, "virtual_network", "u-vn1", "route_table", "u-rt", proto.RefOpAdd, nil)
	require.NoError(t, err)
	before := rowCols(t, s, "u-vn1")
	_, err = s.RefUpdate(ctx, "virtual_network", "u-vn1", "route_table", "u-rt", proto.RefOpAdd, nil)
	require.NoError(t, err)
	require.True(t, cmp.Equal(before, rowCols(t, s, "u-vn1")))

	_, err = s.RefUpdate(ctx, "virtual_network", "u-vn1", "route_table", "u-rt", proto.RefOpDelete, nil)
	require.NoError(t, err)
	require.NotContains(t, rowCols(t, s, "u-rt"), "backref:virtual_network:u-vn1")

	_, err = s.RefUpdate(ctx, "virtual_network", "u-vn1", "security_group", "u-rt", proto.RefOpAdd, nil)
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))
	_, err = s.RefUpdate(ctx, "virtual_network", "u-vn1", "route_table", "missing", proto.RefOpAdd, nil)
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
	requireConsistent(t, s)
}

func TestPropCollection(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	flows := make([]interface{}, 0, 12)
	for i := 0; i < 12; i++ {
		flows = append(flows, proto.Object{"port": i})
	}
	mustCreate(t, s, "virtual_machine_interface", "u-vmi", newObj([]string{"default-domain", "p", "vmi"}, "project",
		"virtual_machine_interface_fat_flow_protocols", proto.Object{"fat_flow_protocol": flows}))

	vmi, err := s.ReadOne(ctx, "virtual_machine_interface", "u-vmi", nil)
	require.NoError(t, err)
	got := vmi.Object("virtual_machine_interface_fat_flow_protocols").List("fat_flow_protocol")
	require.Len(t, got, 12)
	for i, e := range got {
		n, _ := e.(proto.Object).Int("port")
		require.Equal(t, int64(i), n)
	}

	field := "virtual_machine_interface_fat_flow_protocols"
	pc, err := s.PropCollectionRead(ctx, "virtual_machine_interface", "u-vmi", []string{field}, "")
	require.NoError(t, err)
	require.Len(t, pc.Fields[field], 12)
	require.Equal(t, "10", pc.Fields[field][10].Position)
	require.NotEmpty(t, pc.IDPerms.String("created"))

	pc, err = s.PropCollectionRead(ctx, "virtual_machine_interface", "u-vmi", []string{field}, "3")
	require.NoError(t, err)
	require.Len(t, pc.Fields[field], 1)
	pc, err = s.PropCollectionRead(ctx, "virtual_machine_interface", "u-vmi", []string{field}, "99")
	require.NoError(t, err)
	require.Empty(t, pc.Fields[field])

	_, err = s.PropCollectionRead(ctx, "virtual_machine_interface", "u-vmi", []string{"display_name"}, "")
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))

	bindings := "virtual_machine_interface_bindings"
	err = s.PropCollectionUpdate(ctx, "virtual_machine_interface", "u-vmi", []proto.CollectionUpdate{
		{Field: field, Operation: proto.CollectionDelete, Position: "0"},
		{Field: field, Operation: proto.CollectionAdd, Value: proto.Object{"port": 100}},
		{Field: field, Operation: proto.CollectionModify, Position: "1", Value: proto.Object{"port": 101}},
		{Field: bindings, Operation: proto.CollectionAdd, Value: proto.Object{"key": "host_id", "value": "h1"}},
	})
	require.NoError(t, err)
	pc, err = s.PropCollectionRead(ctx, "virtual_machine_interface", "u-vmi", []string{field, bindings}, "")
	require.NoError(t, err)
	require.Len(t, pc.Fields[field], 12)
	require.Equal(t, "1", pc.Fields[field][0].Position)
	require.Equal(t, "12", pc.Fields[field][11].Position)
	require.Len(t, pc.Fields[bindings], 1)
	require.Equal(t, "host_id", pc.Fields[bindings][0].Position)
	require.Greater(t, pc.IDPerms.String("last_modified"), pc.IDPerms.String("created"))

	err = s.PropCollectionUpdate(ctx, "virtual_machine_interface", "u-vmi", []proto.CollectionUpdate{
		{Field: bindings, Operation: proto.CollectionAdd, Value: proto.Object{"key": "host_id", "value": "h2"}},
	})
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))
	err = s.PropCollectionUpdate(ctx, "virtual_machine_interface", "u-vmi", []proto.CollectionUpdate{
		{Field: field, Operation: proto.CollectionSet, Value: []interface{}{proto.Object{"port": 1}}},
	})
	require.NoError(t, err)
	pc, err = s.PropCollectionRead(ctx, "virtual_machine_interface", "u-vmi", []string{field}, "")
	require.NoError(t, err)
	require.Len(t, pc.Fields[field], 1)
}

func TestList(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	for i := 2; i <= 5; i++ {
		mustCreate(t, s, "virtual_network", fmt.Sprintf("u-vn%d", i), newObj([]string{"default-domain", "p", fmt.Sprintf("vn%d", i)}, "project",
			"is_shared", i%2 == 0))
	}

	res, err := s.List(ctx, "virtual_network", &ListArgs{ParentUUIDs: []string{"u-p"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	for i, item := range res.Items {
		require.Equal(t, fmt.Sprintf("u-vn%d", i+1), item.UUID)
	}

	res, err = s.List(ctx, "virtual_network", &ListArgs{ParentUUIDs: []string{"u-p"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, "u-vn2", res.Marker)
	res, err = s.List(ctx, "virtual_network", &ListArgs{ParentUUIDs: []string{"u-p"}, Limit: 2, Marker: res.Marker})
	require.NoError(t, err)
	require.Equal(t, "u-vn3", res.Items[0].UUID)

	res, err = s.List(ctx, "virtual_network", &ListArgs{Limit: 3})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	require.Equal(t, []string{"default-domain", "p", "vn1"}, res.Items[0].FQName)
	res, err = s.List(ctx, "virtual_network", &ListArgs{Marker: res.Marker})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, "u-vn4", res.Items[0].UUID)

	res, err = s.List(ctx, "virtual_network", &ListArgs{BackRefUUIDs: []string{"u-ipam"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "u-vn1", res.Items[0].UUID)

	res, err = s.List(ctx, "virtual_network", &ListArgs{ParentUUIDs: []string{"u-p"}, BackRefUUIDs: []string{"u-ipam"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	res, err = s.List(ctx, "virtual_network", &ListArgs{ObjUUIDs: []string{"u-vn3", "missing"}, IsDetail: true})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "u-p", res.Items[0].Obj.ParentUUID())

	res, err = s.List(ctx, "virtual_network", &ListArgs{
		ParentUUIDs: []string{"u-p"},
		Filters:     map[string][]interface{}{"is_shared": {true}},
		IsCount:     true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.Empty(t, res.Items)
}

func TestTagFilter(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	mustCreate(t, s, "tag", "u-tag", newObj([]string{"app=web"}, ""))
	mustCreate(t, s, "virtual_network", "u-vn2", newObj([]string{"default-domain", "p", "vn2"}, "project",
		"tag_refs", []interface{}{proto.Object{"uuid": "u-tag"}}))

	res, err := s.List(ctx, "virtual_network", &ListArgs{TagUUIDs: []string{"u-tag"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "u-vn2", res.Items[0].UUID)
}

func TestShared(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	require.NoError(t, s.SetShared(ctx, "virtual_network", "u1", "tenant", "t1", 7))
	require.NoError(t, s.SetShared(ctx, "virtual_network", "u2", "tenant", "t1", 4))
	require.NoError(t, s.SetShared(ctx, "virtual_network", "u3", "domain", "t1", 4))

	entries, err := s.GetShared(ctx, "virtual_network", "t1", "tenant")
	require.NoError(t, err)
	require.Equal(t, []SharedEntry{{UUID: "u1", Rwx: 7}, {UUID: "u2", Rwx: 4}}, entries)

	require.NoError(t, s.DelShared(ctx, "virtual_network", "u1", "tenant", "t1"))
	entries, err = s.GetShared(ctx, "virtual_network", "t1", "tenant")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	rnd := rand.New(rand.NewSource(1))

	var vns []string
	ipams := []string{"u-ipam"}
	lastModified := map[string]string{}
	for i := 0; i < 200; i++ {
		switch op := rnd.Intn(5); {
		case op == 0 || len(vns) == 0:
			uuid := fmt.Sprintf("vn-%d", i)
			obj := newObj([]string{"default-domain", "p", uuid}, "project")
			if len(vns) > 0 {
				obj["virtual_network_refs"] = []interface{}{proto.Object{"uuid": vns[rnd.Intn(len(vns))]}}
			}
			mustCreate(t, s, "virtual_network", uuid, obj)
			vns = append(vns, uuid)
		case op == 1:
			uuid := fmt.Sprintf("ipam-%d", i)
			mustCreate(t, s, "network_ipam", uuid, newObj([]string{"default-domain", "p", uuid}, "project"))
			ipams = append(ipams, uuid)
		case op == 2:
			vn := vns[rnd.Intn(len(vns))]
			var refs []interface{}
			for _, ipam := range ipams {
				if rnd.Intn(3) == 0 {
					refs = append(refs, proto.Object{"uuid": ipam, "attr": proto.Object{"n": rnd.Intn(2)}})
				}
			}
			_, err := s.Update(ctx, "virtual_network", vn, proto.Object{"network_ipam_refs": refs, "display_name": fmt.Sprint(rnd.Intn(2))})
			require.NoError(t, err)
		case op == 3:
			idx := rnd.Intn(len(vns))
			_, err := s.Delete(ctx, "virtual_network", vns[idx])
			require.NoError(t, err)
			vns = append(vns[:idx], vns[idx+1:]...)
		case op == 4:
			vn := vns[rnd.Intn(len(vns))]
			peer := vns[rnd.Intn(len(vns))]
			if peer == vn {
				continue
			}
			refOp := proto.RefOpAdd
			if rnd.Intn(2) == 0 {
				refOp = proto.RefOpDelete
			}
			_, err := s.RefUpdate(ctx, "virtual_network", vn, "virtual_network", peer, refOp, nil)
			require.NoError(t, err)
		}
		for _, vn := range vns {
			obj, err := s.ReadOne(ctx, "virtual_network", vn, &ReadOption{Fields: []string{"id_perms"}})
			require.NoError(t, err)
			lm := obj.Object("id_perms").String("last_modified")
			require.GreaterOrEqual(t, lm, lastModified[vn])
			lastModified[vn] = lm
		}
	}
	requireConsistent(t, s)
}
