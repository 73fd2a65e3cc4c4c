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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/common/columnstore"
	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/proto"
)

// Delete removes a row after unlinking it from its parent and tearing down
// both sides of every outgoing ref. Weak and relaxed incoming refs are
// removed from their sources without a symmetric update.
func (s *Store) Delete(ctx context.Context, typ, uuid string) (symmetric []string, err error) {
	span := trace.SpanFromContextSafe(ctx)
	defer func(start time.Time) { observe("delete", start, err) }(time.Now())

	if _, err = lookupType(typ); err != nil {
		return nil, err
	}
	cols, err := s.rowColumns(ctx, uuid)
	if err != nil {
		return nil, err
	}
	rt, err := rowType(cols)
	if err != nil {
		return nil, err
	}
	if rt != typ {
		return nil, apierrors.NewNotFound("%s %s not found", typ, uuid)
	}

	m := s.newMutation()
	var fq []string
	for _, c := range cols {
		prefix, parts := splitColumn(c.Name)
		switch prefix {
		case colFQName:
			if err = proto.Unmarshal(c.Value, &fq); err != nil {
				return nil, err
			}
		case prefixParent:
			if len(parts) == 2 {
				m.remove(parts[1], childCol(typ, uuid))
				m.touch(parts[1])
			}
		case prefixRef:
			if len(parts) == 2 {
				if err = m.removeRef(ctx, typ, uuid, parts[0], parts[1]); err != nil {
					return nil, err
				}
			}
		case prefixBackref:
			if len(parts) != 2 {
				continue
			}
			v, err := decodeRefValue(c.Value)
			if err != nil {
				return nil, err
			}
			if v.IsWeakref {
				m.remove(parts[1], refCol(typ, uuid))
				if err = m.stampLastModified(ctx, parts[1]); err != nil {
					return nil, err
				}
			}
		case prefixRelaxBackref:
			if len(parts) == 1 {
				m.remove(parts[0], refCol(typ, uuid))
				if err = m.stampLastModified(ctx, parts[0]); err != nil {
					return nil, err
				}
			}
		}
	}
	if fq == nil {
		return nil, apierrors.NewNotFound("%s %s not found", typ, uuid)
	}
	m.remove(uuid)
	m.b.Remove(columnstore.ObjFQNameTable, typ, fqIndexColumn(fq, uuid))
	m.evict = append(m.evict, uuid)

	if err = m.commit(ctx); err != nil {
		span.Errorf("delete %s %s failed: %v", typ, uuid, err)
		return nil, err
	}
	s.names.del(uuid)
	span.Debugf("deleted %s %s %v", typ, uuid, fq)
	return m.symmetric, nil
}
