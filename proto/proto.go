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

const (
	ReqIdKey = "req-id"

	ConfigRoot = "config_root"
)

// well known object fields
const (
	FieldUUID        = "uuid"
	FieldFQName      = "fq_name"
	FieldName        = "name"
	FieldParentType  = "parent_type"
	FieldParentUUID  = "parent_uuid"
	FieldIDPerms     = "id_perms"
	FieldPerms2      = "perms2"
	FieldDisplayName = "display_name"
	FieldAnnotations = "annotations"
)

// id_perms attributes
const (
	IDPermsCreated      = "created"
	IDPermsLastModified = "last_modified"
	IDPermsUserVisible  = "user_visible"
	IDPermsEnable       = "enable"
	IDPermsUUID         = "uuid"
)

type RefOp string

const (
	RefOpAdd    RefOp = "ADD"
	RefOpDelete RefOp = "DELETE"
)

type CollectionOp string

const (
	CollectionSet    CollectionOp = "set"
	CollectionAdd    CollectionOp = "add"
	CollectionModify CollectionOp = "modify"
	CollectionDelete CollectionOp = "delete"
)

// RefUpdate describes an isolated mutation of a single ref edge.
type RefUpdate struct {
	Operation RefOp       `json:"operation"`
	Type      string      `json:"type"`
	UUID      string      `json:"uuid"`
	RefType   string      `json:"ref-type"`
	RefUUID   string      `json:"ref-uuid"`
	RefFQName []string    `json:"ref-fq-name,omitempty"`
	Attr      interface{} `json:"attr,omitempty"`
}

// CollectionUpdate is one scoped edit of a list or map property. Position
// addresses the list element or the map key.
type CollectionUpdate struct {
	Field     string       `json:"field"`
	Operation CollectionOp `json:"operation"`
	Value     interface{}  `json:"value,omitempty"`
	Position  string       `json:"position,omitempty"`
}

// CollectionElem is a list element or a map entry along with its position
// or key.
type CollectionElem struct {
	Value    interface{}
	Position string
}
