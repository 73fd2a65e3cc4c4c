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

// Package resource holds the per type hook table run around every object
// store mutation. The table is filled once at init and read only afterwards.
package resource

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/allocator"
	"github.com/cubefs/confdb/ipam"
	"github.com/cubefs/confdb/notify"
	"github.com/cubefs/confdb/proto"
	"github.com/cubefs/confdb/store"
)

const (
	DefaultDomain       = "default-domain"
	DefaultProject      = "default-project"
	DefaultGlobalConfig = "default-global-system-config"
	DefaultSGName       = "default"

	// DefaultASN is used until a global system config carries one.
	DefaultASN = 64512
)

type Config struct {
	// DefaultQuota applies to quota bound types the project quota does not
	// name. Negative means unlimited, zero is fixed to unlimited as well.
	DefaultQuota               int64  `json:"default_quota"`
	CreateDefaultSecurityGroup bool   `json:"create_default_security_group"`
	DefaultPlugMode            string `json:"default_plug_mode"`
}

// Dispatcher runs nested requests for the resources a hook derives. Nested
// requests share the undo stack of the outer one.
type Dispatcher interface {
	Create(ctx context.Context, typ string, obj proto.Object) (proto.Object, error)
	Delete(ctx context.Context, typ, uuid string) error
	RefUpdate(ctx context.Context, ru *proto.RefUpdate) error
}

// Env is what hooks may touch besides the request itself.
type Env struct {
	Store    *store.Store
	Alloc    *allocator.Manager
	Addr     ipam.AddrMgmt
	Bus      *notify.Bus
	Dispatch Dispatcher
	Config   Config
}

type Request struct {
	Type   string
	UUID   string
	FQName []string
	Tenant string
	ReqID  string

	// Obj is the request dict. Hooks may edit it before it is persisted.
	// Updates carry only the fields being changed.
	Obj proto.Object
	// DB is the stored object for updates and deletes.
	DB proto.Object

	CollectionUpdates []proto.CollectionUpdate
	RefUpdate         *proto.RefUpdate
}

// Merged returns DB overlaid with the fields of Obj.
func (r *Request) Merged() proto.Object {
	ret := r.DB.Copy()
	if ret == nil {
		ret = proto.Object{}
	}
	for k, v := range r.Obj {
		ret[k] = proto.DeepCopy(v)
	}
	return ret
}

// HookFunc fails with an api error to reject the request.
type HookFunc func(ctx context.Context, env *Env, req *Request) error

type Phase int

const (
	PreCreate Phase = iota
	PostCreate
	PreUpdate
	PostUpdate
	PreDelete
	PostDelete
	CreateNotification
	UpdateNotification
	DeleteNotification
)

var phaseNames = [...]string{
	"pre_create", "post_create", "pre_update", "post_update", "pre_delete", "post_delete",
	"create_notification", "update_notification", "delete_notification",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

type Hooks struct {
	hooks [len(phaseNames)]HookFunc

	// Derived lists the children a type creates itself and removes in its
	// pre delete hook. They do not block the delete.
	Derived func(db proto.Object) []string
}

var registry = map[string]*Hooks{}

func register(typ string, fns map[Phase]HookFunc, derived func(proto.Object) []string) {
	h := &Hooks{Derived: derived}
	for p, fn := range fns {
		h.hooks[p] = fn
	}
	registry[typ] = h
}

var defaultHooks = &Hooks{}

// Lookup returns the hooks of typ. Types without hooks get no-op hooks.
func Lookup(typ string) *Hooks {
	if h, ok := registry[typ]; ok {
		return h
	}
	return defaultHooks
}

// Run invokes the hook of phase. Missing validation hooks succeed and
// missing notification hooks publish on the bus.
func (h *Hooks) Run(ctx context.Context, env *Env, phase Phase, req *Request) error {
	if fn := h.hooks[phase]; fn != nil {
		return fn(ctx, env, req)
	}
	switch phase {
	case CreateNotification:
		return publish(ctx, env, notify.OpCreate, req)
	case UpdateNotification:
		return publish(ctx, env, notify.OpUpdate, req)
	case DeleteNotification:
		return publish(ctx, env, notify.OpDelete, req)
	}
	return nil
}

// DerivedChildren returns the uuids of the children db owns itself.
func (h *Hooks) DerivedChildren(db proto.Object) []string {
	if h.Derived == nil {
		return nil
	}
	return h.Derived(db)
}

func publish(ctx context.Context, env *Env, op notify.Op, req *Request) error {
	if env.Bus == nil {
		return nil
	}
	obj := req.Obj
	if op == notify.OpDelete {
		obj = req.DB
	}
	n := &notify.Notification{
		Oper:      op,
		Type:      req.Type,
		UUID:      req.UUID,
		FQName:    req.FQName,
		Obj:       obj,
		RequestID: req.ReqID,
	}
	if err := env.Bus.Publish(n); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("publish %s %s %s failed: %v", op, req.Type, req.UUID, err)
	}
	return nil
}
