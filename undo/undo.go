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

// Package undo keeps the per request stack of compensating actions.
package undo

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/metrics"
)

type ctxKey struct{}

// Func reverses one side effect.
type Func func(ctx context.Context) error

type action struct {
	name string
	fn   Func
}

// Stack is bound to one request and must not be shared across requests.
type Stack struct {
	mu      sync.Mutex
	actions []action
	done    bool
}

// NewContext binds a fresh stack to ctx.
func NewContext(ctx context.Context) (context.Context, *Stack) {
	s := &Stack{}
	return context.WithValue(ctx, ctxKey{}, s), s
}

// FromContext returns the stack bound to ctx, or nil.
func FromContext(ctx context.Context) *Stack {
	s, _ := ctx.Value(ctxKey{}).(*Stack)
	return s
}

// Push registers fn on the stack bound to ctx. Without a stack the action
// is dropped.
func Push(ctx context.Context, name string, fn Func) {
	s := FromContext(ctx)
	if s == nil {
		trace.SpanFromContextSafe(ctx).Warnf("no undo stack, drop %s", name)
		return
	}
	s.Push(name, fn)
}

func (s *Stack) Push(name string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.actions = append(s.actions, action{name: name, fn: fn})
}

func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// Unwind runs the pushed actions in reverse order, each at most once.
// Failures are logged and counted, they never stop the unwinding. ctx may
// already be cancelled, the actions run detached from its cancellation.
func (s *Stack) Unwind(ctx context.Context) int {
	s.mu.Lock()
	actions := s.actions
	s.actions = nil
	s.done = true
	s.mu.Unlock()

	span := trace.SpanFromContextSafe(ctx)
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if err := a.fn(ctx); err != nil {
			failed++
			metrics.UndoFailures.Inc()
			span.Errorf("undo %s failed: %v", a.name, err)
			continue
		}
		span.Debugf("undo %s done", a.name)
	}
	return failed
}

// Discard drops the actions once the request succeeded.
func (s *Stack) Discard() {
	s.mu.Lock()
	s.actions = nil
	s.done = true
	s.mu.Unlock()
}
