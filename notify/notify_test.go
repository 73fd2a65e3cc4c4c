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

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func next(t *testing.T, s *Subscription) *Notification {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, ok := s.Next(ctx)
	require.True(t, ok)
	return n
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe(nil)
	vns := bus.Subscribe(func(n *Notification) bool { return n.Type == "virtual_network" })

	require.NoError(t, bus.Publish(&Notification{Oper: OpCreate, Type: "project", UUID: "u-p"}))
	require.NoError(t, bus.Publish(&Notification{Oper: OpCreate, Type: "virtual_network", UUID: "u-vn"}))
	require.NoError(t, bus.Publish(&Notification{Oper: OpDelete, Type: "virtual_network", UUID: "u-vn"}))

	require.Equal(t, "u-p", next(t, all).UUID)
	require.Equal(t, "u-vn", next(t, all).UUID)
	n := next(t, all)
	require.Equal(t, OpDelete, n.Oper)

	n = next(t, vns)
	require.Equal(t, OpCreate, n.Oper)
	require.Equal(t, "u-vn", n.UUID)
	require.Equal(t, OpDelete, next(t, vns).Oper)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	s := bus.Subscribe(nil)
	// unread notifications must not block close
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(&Notification{Oper: OpUpdate, UUID: "u"}))
	}
	s.Close()
	s.Close()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed")
	}
	require.NoError(t, bus.Publish(&Notification{Oper: OpUpdate, UUID: "u"}))
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(nil)
	require.NoError(t, bus.Publish(&Notification{Oper: OpUpdate, UUID: "u"}))
	bus.Close()
	bus.Close()

	_, ok := s.Next(context.Background())
	require.False(t, ok)
	require.Error(t, bus.Publish(&Notification{}))

	late := bus.Subscribe(nil)
	_, ok = late.Next(context.Background())
	require.False(t, ok)
	late.Close()
}

func TestNextCancelled(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	s := bus.Subscribe(nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := s.Next(ctx)
	require.False(t, ok)
}
