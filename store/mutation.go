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

	"github.com/cubefs/confdb/common/columnstore"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/util"
)

// mutation collects the columns written by one store operation into a
// single batch along with the bookkeeping needed once it commits.
type mutation struct {
	s   *Store
	b   *columnstore.Batch
	now string

	touched   map[string]struct{}
	evict     []string
	symmetric []string
}

func (s *Store) newMutation() *mutation {
	return &mutation{
		s:       s,
		b:       columnstore.NewBatch(),
		now:     util.UTCNow(),
		touched: map[string]struct{}{},
	}
}

func (m *mutation) insert(uuid, name string, value []byte) {
	m.b.InsertValue(columnstore.ObjUUIDTable, uuid, name, value)
}

func (m *mutation) remove(uuid string, names ...string) {
	m.b.Remove(columnstore.ObjUUIDTable, uuid, names...)
}

// touch bumps the sentinel column of uuid once per batch.
func (m *mutation) touch(uuid string) {
	if _, ok := m.touched[uuid]; ok {
		return
	}
	m.touched[uuid] = struct{}{}
	m.insert(uuid, colLatestTs, proto.NullValue)
}

func (m *mutation) addSymmetric(uuid string) {
	for _, u := range m.symmetric {
		if u == uuid {
			return
		}
	}
	m.symmetric = append(m.symmetric, uuid)
	m.evict = append(m.evict, uuid)
}

// bumpLastModified refreshes id_perms.last_modified of a peer row and marks
// it for a symmetric update notification.
func (m *mutation) bumpLastModified(ctx context.Context, uuid string) error {
	if err := m.stampLastModified(ctx, uuid); err != nil {
		return err
	}
	m.addSymmetric(uuid)
	return nil
}

// stampLastModified refreshes id_perms.last_modified of uuid and evicts it
// from the object cache.
func (m *mutation) stampLastModified(ctx context.Context, uuid string) error {
	cols, err := m.s.db.Get(ctx, columnstore.ObjUUIDTable, uuid, &columnstore.SliceOption{Columns: []string{colIDPerms}})
	if err != nil {
		return err
	}
	idPerms := proto.Object{}
	if len(cols) == 1 {
		v, err := proto.Decode(cols[0].Value)
		if err != nil {
			return err
		}
		if o, ok := proto.AsObject(v); ok {
			idPerms = o
		}
	}
	idPerms[proto.IDPermsLastModified] = m.now
	m.insert(uuid, colIDPerms, mustMarshal(idPerms))
	m.touch(uuid)
	m.evict = append(m.evict, uuid)
	return nil
}

// addRef writes both sides of a ref edge. Edges between rows of the same
// type are stored as refs on both rows.
func (m *mutation) addRef(ctx context.Context, srcType, srcUUID, peerType, peerUUID string, attr interface{}, weak bool) error {
	value, err := encodeRefValue(attr, weak)
	if err != nil {
		return err
	}
	m.insert(srcUUID, refCol(peerType, peerUUID), value)
	if srcType == peerType {
		m.insert(peerUUID, refCol(srcType, srcUUID), value)
		return m.bumpLastModified(ctx, peerUUID)
	}
	m.insert(peerUUID, backrefCol(srcType, srcUUID), value)
	m.touch(peerUUID)
	return nil
}

func (m *mutation) removeRef(ctx context.Context, srcType, srcUUID, peerType, peerUUID string) error {
	m.remove(srcUUID, refCol(peerType, peerUUID))
	if srcType == peerType {
		m.remove(peerUUID, refCol(srcType, srcUUID))
		return m.bumpLastModified(ctx, peerUUID)
	}
	m.remove(peerUUID, backrefCol(srcType, srcUUID))
	m.touch(peerUUID)
	return nil
}

func (m *mutation) commit(ctx context.Context) error {
	if m.b.Len() == 0 {
		return nil
	}
	if err := m.s.db.Write(ctx, m.b); err != nil {
		return err
	}
	m.s.cache.Evict(m.evict...)
	return nil
}
