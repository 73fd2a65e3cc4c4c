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

// Package walk scans every resource row at startup, warms the uuid name
// cache and feeds registered callbacks that build derived in memory views.
package walk

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/confdb/common/columnstore"
	"github.com/cubefs/confdb/metrics"
	"github.com/cubefs/confdb/store"
)

const defaultConcurrency = 4

type Config struct {
	Concurrency int `json:"concurrency"`
	// GraphTypes are tracked by the in-memory ref graph.
	GraphTypes []string `json:"graph_types"`
}

// Entry names one walked row.
type Entry struct {
	UUID   string
	Type   string
	FQName []string
}

// Callback is invoked once per walked row of the types it registered for.
// Failures are logged and never stop the walk.
type Callback func(ctx context.Context, e Entry) error

type Stats struct {
	Scanned          int64          `json:"scanned"`
	Skipped          int64          `json:"skipped"`
	CallbackFailures int64          `json:"callback_failures"`
	Types            map[string]int `json:"types"`
	Duration         time.Duration  `json:"duration"`
	Finished         time.Time      `json:"finished"`
}

// Result holds the maps built by one walk.
type Result struct {
	Stats
	Names  map[string]Entry
	ByType map[string][]string
}

type Walker struct {
	store *store.Store
	pool  taskpool.TaskPool

	lock      sync.RWMutex
	callbacks map[string][]Callback
	last      *Stats
}

func NewWalker(s *store.Store, cfg *Config) *Walker {
	n := cfg.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	return &Walker{
		store:     s,
		pool:      taskpool.New(n, n),
		callbacks: make(map[string][]Callback),
	}
}

// Register adds cb for rows of the given types.
func (w *Walker) Register(cb Callback, types ...string) {
	w.lock.Lock()
	for _, typ := range types {
		w.callbacks[typ] = append(w.callbacks[typ], cb)
	}
	w.lock.Unlock()
}

func (w *Walker) callbacksOf(typ string) []Callback {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.callbacks[typ]
}

func skip(span trace.Span, uuid, reason string, err error) {
	metrics.WalkRowsSkipped.WithLabelValues(reason).Inc()
	if err != nil {
		span.Warnf("walk skip row %s, reason %s, err: %v", uuid, reason, err)
		return
	}
	span.Warnf("walk skip row %s, reason %s", uuid, reason)
}

// Walk scans the uuid table reading only the naming columns. Rows that do
// not decode are skipped and counted. Walking again rebuilds every map from
// scratch.
func (w *Walker) Walk(ctx context.Context) (*Result, error) {
	span, ctx := trace.StartSpanFromContext(ctx, "walk")
	start := time.Now()
	ret := &Result{
		Stats:  Stats{Types: make(map[string]int)},
		Names:  make(map[string]Entry),
		ByType: make(map[string][]string),
	}

	var (
		wg       sync.WaitGroup
		failures int64
	)
	err := w.store.Driver().Scan(ctx, columnstore.ObjUUIDTable, &columnstore.SliceOption{Columns: store.NameColumns},
		func(uuid string, cols []columnstore.Column) error {
			ret.Scanned++
			metrics.WalkRowsScanned.Inc()
			typ, fq, err := store.DecodeNames(cols)
			switch {
			case err != nil:
				ret.Skipped++
				skip(span, uuid, "decode", err)
				return nil
			case typ == "":
				ret.Skipped++
				skip(span, uuid, "missing_type", nil)
				return nil
			case len(fq) == 0:
				ret.Skipped++
				skip(span, uuid, "missing_fq_name", nil)
				return nil
			}

			e := Entry{UUID: uuid, Type: typ, FQName: fq}
			ret.Names[uuid] = e
			ret.ByType[typ] = append(ret.ByType[typ], uuid)
			ret.Types[typ]++
			w.store.CacheName(uuid, fq, typ)

			for _, cb := range w.callbacksOf(typ) {
				cb := cb
				wg.Add(1)
				w.pool.Run(func() {
					defer wg.Done()
					if err := cb(ctx, e); err != nil {
						atomic.AddInt64(&failures, 1)
						span.Errorf("walk callback on %s %s failed: %v", e.Type, e.UUID, err)
					}
				})
			}
			return nil
		})
	wg.Wait()
	ret.CallbackFailures = atomic.LoadInt64(&failures)
	if err != nil {
		span.Errorf("walk failed after %d rows: %v", ret.Scanned, err)
		return nil, err
	}
	for typ := range ret.ByType {
		sort.Strings(ret.ByType[typ])
	}
	ret.Duration = time.Since(start)
	ret.Finished = time.Now()

	stats := ret.Stats
	w.lock.Lock()
	w.last = &stats
	w.lock.Unlock()
	span.Infof("walk done, scanned %d, skipped %d, callback failures %d, cost %s",
		ret.Scanned, ret.Skipped, ret.CallbackFailures, ret.Duration)
	return ret, nil
}

// LastStats returns the statistics of the latest finished walk.
func (w *Walker) LastStats() (Stats, bool) {
	w.lock.RLock()
	defer w.lock.RUnlock()
	if w.last == nil {
		return Stats{}, false
	}
	return *w.last, true
}

func (w *Walker) Close() {
	w.pool.Close()
}
