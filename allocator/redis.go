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

package allocator

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/redis/go-redis/v9"

	apierrors "github.com/cubefs/confdb/errors"
	"github.com/cubefs/confdb/metrics"
)

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// NewRedisClient connects and pings the coordinator.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable(cfg.Addr, err)
	}
	return client, nil
}

// Bit n of the bitmap is set when offset n is held; the hash maps held
// offsets to owners. Both keys share a hash tag so scripts stay on one slot.
var (
	allocScript = redis.NewScript(`
local pos = redis.call('BITPOS', KEYS[1], 0)
if pos < 0 or pos > tonumber(ARGV[1]) then
	return -1
end
redis.call('SETBIT', KEYS[1], pos, 1)
redis.call('HSET', KEYS[2], pos, ARGV[2])
return pos
`)

	reserveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if cur and cur ~= ARGV[2] then
	return cur
end
redis.call('SETBIT', KEYS[1], ARGV[1], 1)
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return false
`)

	freeScript = redis.NewScript(`
redis.call('SETBIT', KEYS[1], ARGV[1], 0)
return redis.call('HDEL', KEYS[2], ARGV[1])
`)
)

type redisPool struct {
	cfg    PoolConfig
	client redis.UniversalClient
	keys   []string
}

// NewRedisPool returns a pool whose state lives in redis, shared by every
// process pointing at the same server.
func NewRedisPool(client redis.UniversalClient, cfg PoolConfig) (Pool, error) {
	if cfg.Max < cfg.Min {
		return nil, apierrors.NewBadRequest("invalid range [%d, %d] of %s", cfg.Min, cfg.Max, cfg.Name)
	}
	tag := "confdb:alloc:{" + cfg.Name + "}"
	return &redisPool{cfg: cfg, client: client, keys: []string{tag + ":bits", tag + ":owners"}}, nil
}

func (p *redisPool) Name() string {
	return p.cfg.Name
}

func (p *redisPool) Alloc(ctx context.Context, owner string) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	pos, err := allocScript.Run(ctx, p.client, p.keys, p.cfg.size()-1, owner).Int64()
	if err != nil {
		span.Errorf("alloc id failed, pool %s, err: %v", p.cfg.Name, err)
		return 0, unavailable(p.cfg.Name, err)
	}
	if pos < 0 {
		return 0, exhausted(p.cfg.Name)
	}
	id := p.cfg.id(uint64(pos))
	metrics.AllocatedIDs.WithLabelValues(p.cfg.Name).Inc()
	span.Debugf("alloc id success, pool %s, id %d, owner %s", p.cfg.Name, id, owner)
	return id, nil
}

func (p *redisPool) Reserve(ctx context.Context, id uint64, owner string) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := p.cfg.check(id); err != nil {
		return err
	}
	cur, err := reserveScript.Run(ctx, p.client, p.keys, p.cfg.offset(id), owner).Text()
	switch {
	case err == redis.Nil:
		metrics.AllocatedIDs.WithLabelValues(p.cfg.Name).Inc()
		span.Debugf("reserve id success, pool %s, id %d, owner %s", p.cfg.Name, id, owner)
		return nil
	case err != nil:
		span.Errorf("reserve id failed, pool %s, id %d, err: %v", p.cfg.Name, id, err)
		return unavailable(p.cfg.Name, err)
	}
	return heldByOther(p.cfg.Name, id, cur)
}

func (p *redisPool) Free(ctx context.Context, id uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	if !p.cfg.contains(id) {
		return nil
	}
	n, err := freeScript.Run(ctx, p.client, p.keys, p.cfg.offset(id)).Int64()
	if err != nil {
		span.Errorf("free id failed, pool %s, id %d, err: %v", p.cfg.Name, id, err)
		return unavailable(p.cfg.Name, err)
	}
	if n > 0 {
		metrics.AllocatedIDs.WithLabelValues(p.cfg.Name).Dec()
	}
	return nil
}

func (p *redisPool) Read(ctx context.Context, id uint64) (string, error) {
	if !p.cfg.contains(id) {
		return "", apierrors.NewNotFound("id %d not allocated in %s", id, p.cfg.Name)
	}
	owner, err := p.client.HGet(ctx, p.keys[1], strconv.FormatUint(p.cfg.offset(id), 10)).Result()
	if err == redis.Nil {
		return "", apierrors.NewNotFound("id %d not allocated in %s", id, p.cfg.Name)
	}
	if err != nil {
		return "", unavailable(p.cfg.Name, err)
	}
	return owner, nil
}

func (p *redisPool) Allocated(ctx context.Context) ([]uint64, error) {
	offsets, err := p.client.HKeys(ctx, p.keys[1]).Result()
	if err != nil {
		return nil, unavailable(p.cfg.Name, err)
	}
	ids := make([]uint64, 0, len(offsets))
	for _, o := range offsets {
		off, err := strconv.ParseUint(o, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, p.cfg.id(off))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (p *redisPool) Drop(ctx context.Context) error {
	if err := p.client.Del(ctx, p.keys...).Err(); err != nil {
		return unavailable(p.cfg.Name, err)
	}
	metrics.AllocatedIDs.DeleteLabelValues(p.cfg.Name)
	return nil
}
