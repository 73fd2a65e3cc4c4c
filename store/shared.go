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
	"strings"

	"github.com/cubefs/confdb/common/columnstore"
	"github.com/cubefs/confdb/proto"
)

// SharedEntry is one grant of the shared resource index.
type SharedEntry struct {
	UUID string
	Rwx  int64
}

func sharedCol(shareType, shareID, uuid string) string {
	return shareType + ":" + shareID + ":" + uuid
}

// SetShared grants rwx on uuid to a tenant or domain.
func (s *Store) SetShared(ctx context.Context, typ, uuid, shareType, shareID string, rwx int64) error {
	return s.db.Insert(ctx, columnstore.ObjSharedTable, typ, columnstore.Column{
		Name:  sharedCol(shareType, shareID, uuid),
		Value: mustMarshal(rwx),
	})
}

func (s *Store) DelShared(ctx context.Context, typ, uuid, shareType, shareID string) error {
	return s.db.Remove(ctx, columnstore.ObjSharedTable, typ, sharedCol(shareType, shareID, uuid))
}

// GetShared lists the objects of typ shared with shareID.
func (s *Store) GetShared(ctx context.Context, typ, shareID, shareType string) ([]SharedEntry, error) {
	prefix := shareType + ":" + shareID + ":"
	cols, err := s.db.Get(ctx, columnstore.ObjSharedTable, typ, columnstore.PrefixSlice(prefix))
	if err != nil {
		return nil, err
	}
	ret := make([]SharedEntry, 0, len(cols))
	for _, c := range cols {
		uuid := strings.TrimPrefix(c.Name, prefix)
		if strings.Contains(uuid, ":") {
			continue
		}
		var rwx int64
		if err := proto.Unmarshal(c.Value, &rwx); err != nil {
			return nil, err
		}
		ret = append(ret, SharedEntry{UUID: uuid, Rwx: rwx})
	}
	return ret, nil
}
