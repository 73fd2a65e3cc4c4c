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

package proto

import (
	"strings"
)

// Object is a resource rendered as a nested json document.
type Object map[string]interface{}

// RefInfo is one entry of a ref, back-ref or children field.
type RefInfo struct {
	To   []string    `json:"to"`
	UUID string      `json:"uuid"`
	Attr interface{} `json:"attr,omitempty"`
}

// AsObject accepts both Object and plain map values.
func AsObject(v interface{}) (Object, bool) {
	switch m := v.(type) {
	case Object:
		return m, m != nil
	case map[string]interface{}:
		return Object(m), m != nil
	}
	return nil, false
}

// AsList accepts the list shapes an object may carry.
func AsList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []Object:
		ret := make([]interface{}, len(l))
		for i := range l {
			ret[i] = l[i]
		}
		return ret, true
	case []map[string]interface{}:
		ret := make([]interface{}, len(l))
		for i := range l {
			ret[i] = Object(l[i])
		}
		return ret, true
	case []string:
		ret := make([]interface{}, len(l))
		for i := range l {
			ret[i] = l[i]
		}
		return ret, true
	}
	return nil, false
}

// Strings converts a json list of strings.
func Strings(v interface{}) ([]string, bool) {
	if s, ok := v.([]string); ok {
		return s, true
	}
	l, ok := AsList(v)
	if !ok {
		return nil, false
	}
	ret := make([]string, 0, len(l))
	for _, e := range l {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		ret = append(ret, s)
	}
	return ret, true
}

func (o Object) Has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o Object) String(key string) string {
	s, _ := o[key].(string)
	return s
}

func (o Object) Bool(key string) bool {
	b, _ := o[key].(bool)
	return b
}

func (o Object) Int(key string) (int64, bool) {
	return Int(o[key])
}

func (o Object) Object(key string) Object {
	m, _ := AsObject(o[key])
	return m
}

func (o Object) List(key string) []interface{} {
	l, _ := AsList(o[key])
	return l
}

// Path walks nested objects and returns the value at the end of keys.
func (o Object) Path(keys ...string) interface{} {
	var cur interface{} = o
	for _, k := range keys {
		m, ok := AsObject(cur)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

// Ensure returns the nested object under key, creating it when absent.
func (o Object) Ensure(key string) Object {
	if m, ok := AsObject(o[key]); ok {
		return m
	}
	m := Object{}
	o[key] = m
	return m
}

func (o Object) UUID() string       { return o.String(FieldUUID) }
func (o Object) ParentType() string { return o.String(FieldParentType) }
func (o Object) ParentUUID() string { return o.String(FieldParentUUID) }

func (o Object) FQName() []string {
	s, _ := Strings(o[FieldFQName])
	return s
}

func (o Object) Name() string {
	fq := o.FQName()
	if len(fq) == 0 {
		return o.String(FieldName)
	}
	return fq[len(fq)-1]
}

// Refs decodes the entries of a ref-like field. Entries that are not
// objects are ignored.
func (o Object) Refs(field string) []RefInfo {
	list := o.List(field)
	ret := make([]RefInfo, 0, len(list))
	for _, e := range list {
		m, ok := AsObject(e)
		if !ok {
			continue
		}
		to, _ := Strings(m["to"])
		ret = append(ret, RefInfo{To: to, UUID: m.String("uuid"), Attr: m["attr"]})
	}
	return ret
}

func (o Object) SetRefs(field string, refs []RefInfo) {
	list := make([]interface{}, 0, len(refs))
	for _, r := range refs {
		list = append(list, r.Object())
	}
	o[field] = list
}

func (r RefInfo) Object() Object {
	m := Object{"to": append([]string(nil), r.To...), "uuid": r.UUID}
	if r.Attr != nil {
		m["attr"] = r.Attr
	}
	return m
}

// Copy returns a deep copy of the object.
func (o Object) Copy() Object {
	if o == nil {
		return nil
	}
	return DeepCopy(o).(Object)
}

// Filter returns a deep copy holding only the named fields. The identity
// fields are always kept.
func (o Object) Filter(fields []string) Object {
	if fields == nil {
		return o.Copy()
	}
	ret := Object{}
	for _, k := range []string{FieldUUID, FieldFQName, FieldParentType, FieldParentUUID} {
		if v, ok := o[k]; ok {
			ret[k] = DeepCopy(v)
		}
	}
	for _, k := range fields {
		if v, ok := o[k]; ok {
			ret[k] = DeepCopy(v)
		}
	}
	return ret
}

func DeepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case Object:
		ret := make(Object, len(val))
		for k, e := range val {
			ret[k] = DeepCopy(e)
		}
		return ret
	case map[string]interface{}:
		ret := make(Object, len(val))
		for k, e := range val {
			ret[k] = DeepCopy(e)
		}
		return ret
	case []interface{}:
		ret := make([]interface{}, len(val))
		for i, e := range val {
			ret[i] = DeepCopy(e)
		}
		return ret
	case []string:
		return append([]string(nil), val...)
	case []Object:
		ret := make([]interface{}, len(val))
		for i, e := range val {
			ret[i] = DeepCopy(e)
		}
		return ret
	}
	return v
}

// JoinFQName joins name components the way they are shown to users.
func JoinFQName(fq []string) string {
	return strings.Join(fq, ":")
}
