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

// Package allocator hands out numeric ids from named, bounded pools. Pools
// back the virtual network, security group and route target numbering as
// well as the per subnet address pools of the address manager.
package allocator

import (
	"context"
	"net/http"

	apierrors "github.com/cubefs/confdb/errors"
)

// Pool is a bounded id allocator. Every held id records the owner it was
// handed to so that reverse lookups (id to fq_name) can be served.
type Pool interface {
	Name() string
	// Alloc returns the lowest free id, or the highest one for pools
	// configured with FromTop.
	Alloc(ctx context.Context, owner string) (uint64, error)
	// Reserve takes a caller chosen id. Reserving an id already held by
	// the same owner succeeds.
	Reserve(ctx context.Context, id uint64, owner string) error
	// Free releases id. Freeing an id that is not held is a no-op.
	Free(ctx context.Context, id uint64) error
	// Read returns the owner of id or a not found error.
	Read(ctx context.Context, id uint64) (string, error)
	// Allocated lists held ids in ascending order.
	Allocated(ctx context.Context) ([]uint64, error)
	// Drop releases every id of the pool.
	Drop(ctx context.Context) error
}

// PoolConfig bounds a pool to [Min, Max].
type PoolConfig struct {
	Name    string `json:"name"`
	Min     uint64 `json:"min"`
	Max     uint64 `json:"max"`
	FromTop bool   `json:"from_top"`
}

func (c *PoolConfig) size() uint64 {
	return c.Max - c.Min + 1
}

// offset maps an id to its allocation order, 0 being handed out first.
func (c *PoolConfig) offset(id uint64) uint64 {
	if c.FromTop {
		return c.Max - id
	}
	return id - c.Min
}

func (c *PoolConfig) id(offset uint64) uint64 {
	if c.FromTop {
		return c.Max - offset
	}
	return c.Min + offset
}

func (c *PoolConfig) contains(id uint64) bool {
	return id >= c.Min && id <= c.Max
}

func (c *PoolConfig) check(id uint64) error {
	if !c.contains(id) {
		return apierrors.NewBadRequest("id %d out of range [%d, %d] of %s", id, c.Min, c.Max, c.Name)
	}
	return nil
}

func exhausted(name string) error {
	return apierrors.NewResourceExhausted(http.StatusBadRequest, "id pool %s exhausted", name)
}

func heldByOther(name string, id uint64, owner string) error {
	return apierrors.NewConflict("id %d of %s already allocated to %s", id, name, owner)
}

func unavailable(name string, err error) error {
	return apierrors.NewDatabaseUnavailable("allocator %s unavailable: %v", name, err)
}
