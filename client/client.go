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

// Package client talks to the admin listener of confdb servers.
package client

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/confdb/server"
	"github.com/cubefs/confdb/store"
)

type (
	Config struct {
		// Addresses is a comma separated list of host:port or urls.
		Addresses       string          `json:"addresses"`
		TransportConfig TransportConfig `json:"transport"`
	}
	TransportConfig struct {
		MaxTimeoutMs int64 `json:"max_timeout_ms"`
	}

	// AdminClient round robins requests over the configured servers and
	// moves on to the next one when a server is unreachable.
	AdminClient struct {
		hosts []string
		next  uint32
		rpc   rpc.Client
	}
)

func NewAdminClient(cfg *Config) (*AdminClient, error) {
	if cfg.Addresses == "" {
		return nil, errors.New("admin address can't be nil")
	}
	var hosts []string
	for _, addr := range strings.Split(cfg.Addresses, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			addr = "http://" + addr
		}
		hosts = append(hosts, strings.TrimSuffix(addr, "/"))
	}
	if len(hosts) == 0 {
		return nil, errors.New("admin address can't be nil")
	}
	return &AdminClient{
		hosts: hosts,
		rpc:   rpc.NewClient(&rpc.Config{ClientTimeoutMs: cfg.TransportConfig.MaxTimeoutMs}),
	}, nil
}

func (c *AdminClient) get(ctx context.Context, path string, ret interface{}) (err error) {
	span := trace.SpanFromContextSafe(ctx)
	start := atomic.AddUint32(&c.next, 1)
	for i := range c.hosts {
		host := c.hosts[(int(start)+i)%len(c.hosts)]
		if err = c.rpc.GetWith(ctx, host+path, ret); err == nil {
			return nil
		}
		// a server that answered is authoritative
		if code := rpc.DetectStatusCode(err); code < 500 {
			return err
		}
		span.Warnf("get %s%s failed: %v", host, path, err)
	}
	return err
}

// Stats returns the cache, walk and limiter state of one server.
func (c *AdminClient) Stats(ctx context.Context) (*server.Stats, error) {
	ret := &server.Stats{}
	if err := c.get(ctx, "/stats", ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Check runs the link symmetry check on one server.
func (c *AdminClient) Check(ctx context.Context) ([]store.Violation, error) {
	var ret []store.Violation
	if err := c.get(ctx, "/check", &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *AdminClient) Close() {
	c.rpc.Close()
}
