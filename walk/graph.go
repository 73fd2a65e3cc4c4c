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

package walk

import (
	"context"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/notify"
	"github.com/cubefs/confdb/schema"
	"github.com/cubefs/confdb/store"
)

// Node is one tracked resource and its outgoing refs by peer type.
type Node struct {
	UUID   string
	Type   string
	FQName []string
	Refs   map[string][]string
}

// Graph tracks resources of selected types with their refs. It is seeded
// by a walk and kept current by committed notifications.
type Graph struct {
	store *store.Store
	types map[string]struct{}

	lock      sync.RWMutex
	nodes     map[string]*Node
	referrers map[string]map[string]struct{}
}

func NewGraph(s *store.Store, types ...string) *Graph {
	g := &Graph{
		store:     s,
		types:     make(map[string]struct{}, len(types)),
		nodes:     make(map[string]*Node),
		referrers: make(map[string]map[string]struct{}),
	}
	for _, typ := range types {
		g.types[typ] = struct{}{}
	}
	return g
}

func (g *Graph) trackedTypes() []string {
	ret := make([]string, 0, len(g.types))
	for typ := range g.types {
		ret = append(ret, typ)
	}
	sort.Strings(ret)
	return ret
}

// Register seeds the graph from every walk of w.
func (g *Graph) Register(w *Walker) {
	w.Register(func(ctx context.Context, e Entry) error {
		return g.load(ctx, e.Type, e.UUID)
	}, g.trackedTypes()...)
}

func (g *Graph) load(ctx context.Context, typ, uuid string) error {
	t := schema.MustLookup(typ)
	fields := make([]string, 0, len(t.RefFields))
	for field := range t.RefFields {
		fields = append(fields, field)
	}
	obj, err := g.store.ReadOne(ctx, typ, uuid, &store.ReadOption{Fields: fields})
	if apierrors.Is(err, apierrors.ErrNotFound) {
		g.remove(uuid)
		return nil
	}
	if err != nil {
		return err
	}
	n := &Node{UUID: uuid, Type: typ, FQName: obj.FQName(), Refs: make(map[string][]string)}
	for field, ref := range t.RefFields {
		for _, r := range obj.Refs(field) {
			n.Refs[ref.PeerType] = append(n.Refs[ref.PeerType], r.UUID)
		}
	}
	g.put(n)
	return nil
}

func (g *Graph) unlink(n *Node) {
	for _, peers := range n.Refs {
		for _, p := range peers {
			if set := g.referrers[p]; set != nil {
				delete(set, n.UUID)
				if len(set) == 0 {
					delete(g.referrers, p)
				}
			}
		}
	}
}

func (g *Graph) put(n *Node) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if old, ok := g.nodes[n.UUID]; ok {
		g.unlink(old)
	}
	g.nodes[n.UUID] = n
	for _, peers := range n.Refs {
		for _, p := range peers {
			set := g.referrers[p]
			if set == nil {
				set = make(map[string]struct{})
				g.referrers[p] = set
			}
			set[n.UUID] = struct{}{}
		}
	}
}

func (g *Graph) remove(uuid string) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if old, ok := g.nodes[uuid]; ok {
		g.unlink(old)
		delete(g.nodes, uuid)
	}
}

// Apply folds one committed notification into the graph.
func (g *Graph) Apply(ctx context.Context, n *notify.Notification) error {
	if _, ok := g.types[n.Type]; !ok {
		return nil
	}
	if n.Oper == notify.OpDelete {
		g.remove(n.UUID)
		return nil
	}
	return g.load(ctx, n.Type, n.UUID)
}

// Subscribe returns a subscription to the tracked types. Subscribe before
// walking so no commit between the walk and Follow is lost.
func (g *Graph) Subscribe(bus *notify.Bus) *notify.Subscription {
	return bus.Subscribe(func(n *notify.Notification) bool {
		_, ok := g.types[n.Type]
		return ok
	})
}

// Follow applies notifications from sub until ctx is done or sub closes.
func (g *Graph) Follow(ctx context.Context, sub *notify.Subscription) {
	span := trace.SpanFromContextSafe(ctx)
	for {
		n, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if err := g.Apply(ctx, n); err != nil {
			span.Errorf("graph apply %s %s %s failed: %v", n.Oper, n.Type, n.UUID, err)
		}
	}
}

func (g *Graph) Node(uuid string) (Node, bool) {
	g.lock.RLock()
	defer g.lock.RUnlock()
	n, ok := g.nodes[uuid]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Referrers lists tracked nodes referring to uuid.
func (g *Graph) Referrers(uuid string) []string {
	g.lock.RLock()
	ret := make([]string, 0, len(g.referrers[uuid]))
	for r := range g.referrers[uuid] {
		ret = append(ret, r)
	}
	g.lock.RUnlock()
	sort.Strings(ret)
	return ret
}

func (g *Graph) Len() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.nodes)
}
