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

package server

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/metrics"
	"github.com/cubefs/confdb/undo"
)

type (
	scopeKey  struct{}
	tenantKey struct{}
)

// scope is shared by a request and every nested request its hooks run.
type scope struct {
	stack *undo.Stack

	lock    sync.Mutex
	pending []func(ctx context.Context)
}

func scopeFrom(ctx context.Context) *scope {
	sc, _ := ctx.Value(scopeKey{}).(*scope)
	return sc
}

// later queues fn until the outermost request succeeded.
func (sc *scope) later(fn func(ctx context.Context)) {
	sc.lock.Lock()
	sc.pending = append(sc.pending, fn)
	sc.lock.Unlock()
}

func (sc *scope) flush(ctx context.Context) {
	sc.lock.Lock()
	pending := sc.pending
	sc.pending = nil
	sc.lock.Unlock()
	for _, fn := range pending {
		fn(ctx)
	}
}

// WithTenant binds the calling tenant to ctx.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

func tenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

func (s *Server) acquire(ctx context.Context, write bool) (func(), error) {
	if !write {
		if err := s.limiter.AcquireRead(); err != nil {
			return nil, apierrors.NewDatabaseUnavailable("too many read requests")
		}
		return s.limiter.ReleaseRead, nil
	}
	if err := s.limiter.AcquireWrite(); err != nil {
		return nil, apierrors.NewDatabaseUnavailable("too many write requests")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.limiter.ReleaseWrite()
		return nil, apierrors.NewDatabaseUnavailable("wait for write quota: %v", err)
	}
	return s.limiter.ReleaseWrite, nil
}

// begin enters a request. Requests nested in another one join its scope and
// leave unwinding and notifications to it. The returned end must be
// deferred with the address of the final error.
func (s *Server) begin(ctx context.Context, typ, op string, write bool) (context.Context, func(*error), error) {
	if scopeFrom(ctx) != nil {
		return ctx, func(*error) {}, nil
	}
	release, err := s.acquire(ctx, write)
	if err != nil {
		return ctx, nil, err
	}
	span, ctx := trace.StartSpanFromContext(ctx, op)
	ctx, stack := undo.NewContext(ctx)
	sc := &scope{stack: stack}
	ctx = context.WithValue(ctx, scopeKey{}, sc)
	start := time.Now()

	end := func(errp *error) {
		defer span.Finish()
		defer release()
		err := *errp
		if err == nil && ctx.Err() != nil {
			err = apierrors.NewDatabaseUnavailable("%s %s cancelled: %v", op, typ, ctx.Err())
		}
		if err != nil {
			if n := stack.Len(); n > 0 {
				failed := stack.Unwind(ctx)
				span.Warnf("%s %s failed, unwound %d actions, %d failed: %v", op, typ, n, failed, err)
			}
			if !apierrors.IsAPIError(err) {
				span.Errorf("%s %s failed: %s", op, typ, errors.Detail(err))
				err = apierrors.NewInternal("internal error")
			}
		} else {
			stack.Discard()
			sc.flush(ctx)
		}
		*errp = err
		status, _ := apierrors.Status(err)
		metrics.RequestOps.WithLabelValues(typ, op, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(typ, op).Observe(time.Since(start).Seconds())
	}
	return ctx, end, nil
}
