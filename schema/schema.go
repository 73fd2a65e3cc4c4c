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

// Package schema holds the process wide resource type registry. The table
// is built once at init and is read only afterwards.
package schema

import (
	"sort"
	"strings"

	"github.com/cubefs/confdb/proto"
)

// RefField describes an outgoing reference field.
type RefField struct {
	Field    string
	PeerType string
	AttrType string
	// Weak refs never block deletion of the referent.
	Weak bool
	// Relaxable refs may be left dangling once the referent opted in with
	// a relax-ref-for-delete.
	Relaxable bool
}

// CollectionField describes a list or map property. Wrapper names the
// member holding the elements when the property is wrapped, Key names the
// element attribute used as map key.
type CollectionField struct {
	Field   string
	Wrapper string
	Key     string
}

type TypeInfo struct {
	ObjectType   string
	ResourceType string
	ParentTypes  []string
	PropFields   []string

	ListFields     map[string]*CollectionField
	MapFields      map[string]*CollectionField
	RefFields      map[string]*RefField
	BackrefFields  map[string]string
	ChildrenFields map[string]string

	// QuotaBound types are counted against the project quota.
	QuotaBound bool

	props        map[string]struct{}
	refsByPeer   map[string]*RefField
	backrefBySrc map[string]string
	childByType  map[string]string
}

func (t *TypeInfo) IsProp(field string) bool {
	_, ok := t.props[field]
	return ok
}

func (t *TypeInfo) IsList(field string) bool {
	_, ok := t.ListFields[field]
	return ok
}

func (t *TypeInfo) IsMap(field string) bool {
	_, ok := t.MapFields[field]
	return ok
}

// IsScalar reports whether field is a prop stored in a single column.
func (t *TypeInfo) IsScalar(field string) bool {
	return t.IsProp(field) && !t.IsList(field) && !t.IsMap(field)
}

func (t *TypeInfo) RefByPeer(peerType string) *RefField {
	return t.refsByPeer[peerType]
}

func (t *TypeInfo) BackrefField(srcType string) string {
	return t.backrefBySrc[srcType]
}

func (t *TypeInfo) ChildField(childType string) string {
	return t.childByType[childType]
}

// IsLinkField reports whether field is a back-ref or children field, the
// two kinds that need the costly tail of a row.
func (t *TypeInfo) IsLinkField(field string) bool {
	if _, ok := t.BackrefFields[field]; ok {
		return true
	}
	_, ok := t.ChildrenFields[field]
	return ok
}

// AllowsParent reports whether parentType may own this type. An empty
// parent type stands for config_root.
func (t *TypeInfo) AllowsParent(parentType string) bool {
	if parentType == "" {
		parentType = proto.ConfigRoot
	}
	for _, p := range t.ParentTypes {
		if p == parentType {
			return true
		}
	}
	return false
}

// Parentless reports whether instances may live directly under config_root.
func (t *TypeInfo) Parentless() bool {
	return t.AllowsParent(proto.ConfigRoot)
}

var (
	registry         = map[string]*TypeInfo{}
	resourceRegistry = map[string]*TypeInfo{}
)

func Lookup(objType string) (*TypeInfo, bool) {
	t, ok := registry[objType]
	return t, ok
}

func MustLookup(objType string) *TypeInfo {
	t, ok := registry[objType]
	if !ok {
		panic("unknown object type " + objType)
	}
	return t
}

// LookupResource resolves a kebab-case resource type.
func LookupResource(resourceType string) (*TypeInfo, bool) {
	t, ok := resourceRegistry[resourceType]
	return t, ok
}

// Types returns every registered object type in sorted order.
func Types() []string {
	ret := make([]string, 0, len(registry))
	for k := range registry {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

func ResourceType(objType string) string {
	return strings.ReplaceAll(objType, "_", "-")
}

func ObjectType(resourceType string) string {
	return strings.ReplaceAll(resourceType, "-", "_")
}

func RefFieldName(peerType string) string { return peerType + "_refs" }
func BackrefFieldName(srcType string) string { return srcType + "_back_refs" }
func ChildrenFieldName(childType string) string { return childType + "s" }

type typeDef struct {
	name    string
	parents []string
	props   []string
	lists   []CollectionField
	maps    []CollectionField
	refs    []RefField
	quota   bool
}

var commonProps = []string{proto.FieldIDPerms, proto.FieldPerms2, proto.FieldDisplayName}

func build(defs []typeDef) {
	for i := range defs {
		d := &defs[i]
		t := &TypeInfo{
			ObjectType:     d.name,
			ResourceType:   ResourceType(d.name),
			ParentTypes:    d.parents,
			ListFields:     map[string]*CollectionField{},
			MapFields:      map[string]*CollectionField{},
			RefFields:      map[string]*RefField{},
			BackrefFields:  map[string]string{},
			ChildrenFields: map[string]string{},
			QuotaBound:     d.quota,
			props:          map[string]struct{}{},
			refsByPeer:     map[string]*RefField{},
			backrefBySrc:   map[string]string{},
			childByType:    map[string]string{},
		}
		addProp := func(f string) {
			if _, ok := t.props[f]; !ok {
				t.props[f] = struct{}{}
				t.PropFields = append(t.PropFields, f)
			}
		}
		for _, f := range commonProps {
			addProp(f)
		}
		for _, f := range d.props {
			addProp(f)
		}
		annotations := CollectionField{Field: proto.FieldAnnotations, Wrapper: "key_value_pair", Key: "key"}
		for _, c := range append([]CollectionField{annotations}, d.maps...) {
			c := c
			addProp(c.Field)
			t.MapFields[c.Field] = &c
		}
		for _, c := range d.lists {
			c := c
			addProp(c.Field)
			t.ListFields[c.Field] = &c
		}
		for _, r := range d.refs {
			r := r
			r.Field = RefFieldName(r.PeerType)
			t.RefFields[r.Field] = &r
			t.refsByPeer[r.PeerType] = &r
		}
		registry[t.ObjectType] = t
		resourceRegistry[t.ResourceType] = t
	}

	for _, t := range registry {
		for _, r := range t.RefFields {
			peer, ok := registry[r.PeerType]
			if !ok {
				panic("ref to unknown type " + r.PeerType)
			}
			if peer == t {
				continue
			}
			f := BackrefFieldName(t.ObjectType)
			peer.BackrefFields[f] = t.ObjectType
			peer.backrefBySrc[t.ObjectType] = f
		}
		for _, p := range t.ParentTypes {
			if p == proto.ConfigRoot {
				continue
			}
			parent, ok := registry[p]
			if !ok {
				panic("unknown parent type " + p)
			}
			f := ChildrenFieldName(t.ObjectType)
			parent.ChildrenFields[f] = t.ObjectType
			parent.childByType[t.ObjectType] = f
		}
	}
}
