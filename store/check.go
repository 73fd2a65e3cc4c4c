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
	"bytes"
	"context"
	"fmt"

	"github.com/cubefs/confdb/common/columnstore"
	"github.com/cubefs/confdb/proto"
)

// Violation is one broken cross row invariant.
type Violation struct {
	UUID   string `json:"uuid"`
	Column string `json:"column,omitempty"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Column == "" {
		return fmt.Sprintf("%s: %s", v.UUID, v.Reason)
	}
	return fmt.Sprintf("%s %s: %s", v.UUID, v.Column, v.Reason)
}

type checkRow struct {
	typ  string
	fq   []string
	cols map[string][]byte
}

// Check loads every row and verifies ref symmetry, parent and child
// symmetry and the consistency of the fq name index.
func (s *Store) Check(ctx context.Context) ([]Violation, error) {
	rows := map[string]*checkRow{}
	err := s.db.Scan(ctx, columnstore.ObjUUIDTable, nil, func(key string, cols []columnstore.Column) error {
		r := &checkRow{cols: make(map[string][]byte, len(cols))}
		for _, c := range cols {
			r.cols[c.Name] = c.Value
			switch c.Name {
			case colType:
				if err := proto.Unmarshal(c.Value, &r.typ); err != nil {
					return err
				}
			case colFQName:
				if err := proto.Unmarshal(c.Value, &r.fq); err != nil {
					return err
				}
			}
		}
		rows[key] = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	var violations []Violation
	report := func(uuid, col, format string, args ...interface{}) {
		violations = append(violations, Violation{UUID: uuid, Column: col, Reason: fmt.Sprintf(format, args...)})
	}

	for uuid, r := range rows {
		if r.typ == "" || r.fq == nil {
			report(uuid, "", "row misses type or fq_name")
			continue
		}
		for name, value := range r.cols {
			prefix, parts := splitColumn(name)
			if len(parts) != 2 {
				continue
			}
			peer, ok := rows[parts[1]]
			switch prefix {
			case prefixRef:
				if !ok || peer.typ == "" {
					report(uuid, name, "ref to missing row")
					continue
				}
				mirror := backrefCol(r.typ, uuid)
				if parts[0] == r.typ {
					mirror = refCol(r.typ, uuid)
				}
				v, has := peer.cols[mirror]
				if !has {
					report(uuid, name, "peer misses %s", mirror)
				} else if !bytes.Equal(v, value) {
					report(uuid, name, "peer %s carries a different attr", mirror)
				}
			case prefixParent:
				if !ok || peer.cols[childCol(r.typ, uuid)] == nil {
					report(uuid, name, "parent misses children link")
				}
			}
		}
	}

	index := map[string]map[string]int{}
	err = s.db.Scan(ctx, columnstore.ObjFQNameTable, nil, func(typ string, cols []columnstore.Column) error {
		m := map[string]int{}
		for _, c := range cols {
			m[c.Name]++
		}
		index[typ] = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	for uuid, r := range rows {
		if r.typ == "" || r.fq == nil {
			continue
		}
		if index[r.typ][fqIndexColumn(r.fq, uuid)] != 1 {
			report(uuid, "", "fq name index entry missing")
		}
	}
	for typ, cols := range index {
		for name := range cols {
			_, uuid := splitFQIndexColumn(name)
			if r, ok := rows[uuid]; !ok || r.typ != typ {
				report(uuid, name, "fq name index entry of %s without row", typ)
			}
		}
	}
	return violations, nil
}
