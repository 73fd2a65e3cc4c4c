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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/confdb/proto"
)

func TestCacheHitAndStale(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	opt := &ReadOption{ReadOnly: true}

	obj, err := s.ReadOne(ctx, "virtual_network", "u-vn1", opt)
	require.NoError(t, err)
	require.True(t, s.Cache().Contains("u-vn1"))
	stats := s.Cache().Stats()

	again, err := s.ReadOne(ctx, "virtual_network", "u-vn1", opt)
	require.NoError(t, err)
	require.Equal(t, stats.Hits+1, s.Cache().Stats().Hits)
	require.Equal(t, obj, again)

	// returned objects are copies
	again["display_name"] = "changed"
	third, err := s.ReadOne(ctx, "virtual_network", "u-vn1", opt)
	require.NoError(t, err)
	require.Equal(t, "vn1", third.String("display_name"))

	_, err = s.Update(ctx, "virtual_network", "u-vn1", proto.Object{"display_name": "vn-one"})
	require.NoError(t, err)
	require.False(t, s.Cache().Contains("u-vn1"))
	obj, err = s.ReadOne(ctx, "virtual_network", "u-vn1", opt)
	require.NoError(t, err)
	require.Equal(t, "vn-one", obj.String("display_name"))
}

func TestCacheStaleOnPeerUpdate(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	opt := &ReadOption{ReadOnly: true}

	_, err := s.ReadOne(ctx, "virtual_network", "u-vn1", opt)
	require.NoError(t, err)
	latest := rowCols(t, s, "u-vn1")[colLatestTs].Ts

	_, err = s.Update(ctx, "network_ipam", "u-ipam", proto.Object{
		"network_ipam_mgmt": proto.Object{"ipam_dns_method": "tenant-dns-server"},
	})
	require.NoError(t, err)
	require.Greater(t, rowCols(t, s, "u-vn1")[colLatestTs].Ts, latest)
	// nothing evicted the entry explicitly
	require.True(t, s.Cache().Contains("u-vn1"))

	stale := s.Cache().Stats().Stale
	_, err = s.ReadOne(ctx, "virtual_network", "u-vn1", opt)
	require.NoError(t, err)
	require.Equal(t, stale+1, s.Cache().Stats().Stale)
}

func TestCacheBackrefVisibility(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	opt := &ReadOption{ReadOnly: true}

	ipam, err := s.ReadOne(ctx, "network_ipam", "u-ipam", opt)
	require.NoError(t, err)
	require.Len(t, ipam.Refs("virtual_network_back_refs"), 1)

	mustCreate(t, s, "virtual_network", "u-vn2", newObj([]string{"default-domain", "p", "vn2"}, "project",
		"network_ipam_refs", []interface{}{proto.Object{"uuid": "u-ipam"}}))
	ipam, err = s.ReadOne(ctx, "network_ipam", "u-ipam", opt)
	require.NoError(t, err)
	require.Len(t, ipam.Refs("virtual_network_back_refs"), 2)

	// a read without links is served by the id_perms sentinel
	ipam, err = s.ReadOne(ctx, "network_ipam", "u-ipam", &ReadOption{ReadOnly: true, Fields: []string{"network_ipam_mgmt"}})
	require.NoError(t, err)
	require.False(t, ipam.Has("virtual_network_back_refs"))
}

func TestCacheExcludedTypes(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	cache, err := NewObjectCache(s.db, &CacheConfig{MaxEntries: 10, ExcludeTypes: []string{"virtual_network"}})
	require.NoError(t, err)
	s.cache = cache

	_, err = s.ReadOne(ctx, "virtual_network", "u-vn1", &ReadOption{ReadOnly: true})
	require.NoError(t, err)
	require.False(t, cache.Contains("u-vn1"))
	_, err = s.ReadOne(ctx, "network_ipam", "u-ipam", &ReadOption{ReadOnly: true})
	require.NoError(t, err)
	require.True(t, cache.Contains("u-ipam"))
}

func TestCacheEvictsOldest(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)
	seed(t, s)
	cache, err := NewObjectCache(s.db, &CacheConfig{MaxEntries: 1})
	require.NoError(t, err)
	s.cache = cache

	_, err = s.ReadOne(ctx, "virtual_network", "u-vn1", &ReadOption{ReadOnly: true})
	require.NoError(t, err)
	_, err = s.ReadOne(ctx, "network_ipam", "u-ipam", &ReadOption{ReadOnly: true})
	require.NoError(t, err)
	require.False(t, cache.Contains("u-vn1"))
	require.True(t, cache.Contains("u-ipam"))
	require.Equal(t, uint64(1), cache.Stats().Evictions)
}
