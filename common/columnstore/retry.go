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

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/metrics"
)

const (
	defaultMaxRetries      = 5
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// RetryConfig bounds the exponential backoff applied to transient faults.
type RetryConfig struct {
	MaxRetries        uint64 `json:"max_retries"`
	InitialIntervalMs int64  `json:"initial_interval_ms"`
	MaxIntervalMs     int64  `json:"max_interval_ms"`
}

// Retryer retries transient driver faults and turns exhausted retries into
// database unavailable errors.
type Retryer struct {
	cfg       RetryConfig
	transient func(error) bool
}

func NewRetryer(cfg *RetryConfig) *Retryer {
	r := &Retryer{transient: func(error) bool { return false }}
	if cfg != nil {
		r.cfg = *cfg
	}
	if r.cfg.MaxRetries == 0 {
		r.cfg.MaxRetries = defaultMaxRetries
	}
	if r.cfg.InitialIntervalMs <= 0 {
		r.cfg.InitialIntervalMs = defaultInitialInterval.Milliseconds()
	}
	if r.cfg.MaxIntervalMs <= 0 {
		r.cfg.MaxIntervalMs = defaultMaxInterval.Milliseconds()
	}
	return r
}

// WithTransient sets the predicate deciding which faults are retried.
func (r *Retryer) WithTransient(fn func(error) bool) *Retryer {
	r.transient = fn
	return r
}

func (r *Retryer) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(r.cfg.InitialIntervalMs) * time.Millisecond
	b.MaxInterval = time.Duration(r.cfg.MaxIntervalMs) * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)
}

// Do runs op until it succeeds, fails permanently or retries run out.
func (r *Retryer) Do(ctx context.Context, name string, op func() error) error {
	span := trace.SpanFromContextSafe(ctx)
	attempt := 0
	var last error
	err := backoff.Retry(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		last = op()
		if last == nil {
			return nil
		}
		if !r.transient(last) {
			return backoff.Permanent(last)
		}
		metrics.DriverRetries.WithLabelValues(name).Inc()
		span.Warnf("%s attempt %d failed: %v", name, attempt, last)
		return last
	}, r.newBackOff(ctx))
	if err == nil {
		return nil
	}
	if last != nil && r.transient(last) {
		return apierrors.NewDatabaseUnavailable("database unavailable after %d attempts: %v", attempt, last)
	}
	return r.wrap(name, err)
}

func (r *Retryer) wrap(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apierrors.NewDatabaseUnavailable("%s: %v", name, err)
	}
	return err
}
