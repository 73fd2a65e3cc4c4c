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
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/confdb/metrics"
	"github.com/cubefs/confdb/store"
	"github.com/cubefs/confdb/util/limiter"
	"github.com/cubefs/confdb/walk"
)

const (
	defaultShutdownTimeoutS      = 30
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// Stats is the admin view of the server state.
type Stats struct {
	Cache     store.CacheStats `json:"cache"`
	NameCache int              `json:"name_cache"`
	Walk      *walk.Stats      `json:"walk,omitempty"`
	Limiter   limiter.Status   `json:"limiter"`
}

// HttpServer is the admin listener, the configuration api itself is served
// by the embedding process.
type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), logHandler{}, ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	if h.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	router := rpc.New()
	router.Handle(http.MethodGet, "/stats", h.Stats, rpc.OptArgsQuery())
	router.Handle(http.MethodGet, "/check", h.Check)
	router.Handle(http.MethodGet, "/metrics", h.Metrics)
	return router
}

func (h *HttpServer) Stats(c *rpc.Context) {
	c.RespondJSON(h.stats())
}

func (h *HttpServer) stats() *Stats {
	st := &Stats{
		Cache:     h.store.Cache().Stats(),
		NameCache: h.store.NameCacheLen(),
		Limiter:   h.limiter.Status(),
	}
	if ws, ok := h.walker.LastStats(); ok {
		st.Walk = &ws
	}
	return st
}

// Check verifies the link symmetry of the whole store.
func (h *HttpServer) Check(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "check")
	violations, err := h.store.Check(ctx)
	if err != nil {
		span.Errorf("check store failed: %v", err)
		c.RespondError(err)
		return
	}
	if violations == nil {
		violations = []store.Violation{}
	}
	c.RespondJSON(violations)
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

type logHandler struct{}

func (logHandler) Handler(w http.ResponseWriter, req *http.Request, f func(http.ResponseWriter, *http.Request)) {
	start := time.Now()
	f(w, req)
	log.Debugf("%s %s done in %s", req.Method, req.URL.Path, time.Since(start))
}
