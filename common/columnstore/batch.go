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

package columnstore

type mutationKind uint8

const (
	mutationInsert mutationKind = iota
	mutationRemoveColumn
	mutationRemoveRow
)

type mutation struct {
	kind  mutationKind
	cf    CF
	key   string
	name  string
	value []byte
}

// Batch collects mutations to be sent with Driver.Write. Mutations apply in
// the order they were added; a batch that is never written is discarded.
type Batch struct {
	mutations []mutation
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Insert(cf CF, key string, cols ...Column) *Batch {
	for _, c := range cols {
		b.mutations = append(b.mutations, mutation{kind: mutationInsert, cf: cf, key: key, name: c.Name, value: c.Value})
	}
	return b
}

// InsertValue is a shortcut for a single column insert.
func (b *Batch) InsertValue(cf CF, key, name string, value []byte) *Batch {
	b.mutations = append(b.mutations, mutation{kind: mutationInsert, cf: cf, key: key, name: name, value: value})
	return b
}

// Remove deletes the named columns, or the whole row when none are named.
func (b *Batch) Remove(cf CF, key string, columns ...string) *Batch {
	if len(columns) == 0 {
		b.mutations = append(b.mutations, mutation{kind: mutationRemoveRow, cf: cf, key: key})
		return b
	}
	for _, name := range columns {
		b.mutations = append(b.mutations, mutation{kind: mutationRemoveColumn, cf: cf, key: key, name: name})
	}
	return b
}

func (b *Batch) Len() int {
	return len(b.mutations)
}

// Keys returns the distinct row keys touched in cf.
func (b *Batch) Keys(cf CF) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range b.mutations {
		if m.cf != cf {
			continue
		}
		if _, ok := seen[m.key]; ok {
			continue
		}
		seen[m.key] = struct{}{}
		keys = append(keys, m.key)
	}
	return keys
}
