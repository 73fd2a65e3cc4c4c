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

// Package notify carries committed create, update and delete notifications
// to in-process subscribers.
package notify

import (
	"context"
	"sync"

	"github.com/docker/go-events"

	"github.com/cubefs/confdb/proto"
)

type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

type Notification struct {
	Oper   Op       `json:"oper"`
	Type   string   `json:"type"`
	UUID   string   `json:"uuid"`
	FQName []string `json:"fq_name"`

	// Obj is the committed object, or the last stored one for deletes.
	Obj       proto.Object `json:"obj,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}

// Bus fans every published notification out to its subscribers. Each
// subscriber has its own unbounded queue so a slow reader never blocks
// publishers.
type Bus struct {
	broadcaster *events.Broadcaster

	lock   sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		broadcaster: events.NewBroadcaster(),
		subs:        make(map[*Subscription]struct{}),
	}
}

// Publish hands n to every subscriber. It fails only once the bus is closed.
func (b *Bus) Publish(n *Notification) error {
	return b.broadcaster.Write(n)
}

// Subscribe registers a subscriber receiving notifications that match, or
// all notifications when match is nil.
func (b *Bus) Subscribe(match func(*Notification) bool) *Subscription {
	ch := events.NewChannel(0)
	queue := events.NewQueue(ch)
	var sink events.Sink = queue
	if match != nil {
		sink = events.NewFilter(queue, events.MatcherFunc(func(e events.Event) bool {
			n, ok := e.(*Notification)
			return ok && match(n)
		}))
	}
	s := &Subscription{bus: b, ch: ch, queue: queue, sink: sink}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		s.shutdown()
		return s
	}
	b.subs[s] = struct{}{}
	b.broadcaster.Add(sink)
	return s
}

// Close stops delivery and closes every subscription.
func (b *Bus) Close() {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.lock.Unlock()

	// unblock queues before the broadcaster closes and drains them
	for s := range subs {
		s.ch.Close()
	}
	b.broadcaster.Close()
	for s := range subs {
		s.shutdown()
	}
}

func (b *Bus) remove(s *Subscription) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.subs[s]; !ok {
		return false
	}
	delete(b.subs, s)
	b.broadcaster.Remove(s.sink)
	return true
}

type Subscription struct {
	bus   *Bus
	ch    *events.Channel
	queue *events.Queue
	sink  events.Sink
	once  sync.Once
}

// Next blocks until a notification arrives, the subscription is closed or
// ctx is done. ok is false when no notification was returned.
func (s *Subscription) Next(ctx context.Context) (n *Notification, ok bool) {
	select {
	case e := <-s.ch.C:
		n, ok = e.(*Notification)
		return n, ok
	case <-s.ch.Done():
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Done is closed once the subscription stops receiving.
func (s *Subscription) Done() <-chan struct{} {
	return s.ch.Done()
}

func (s *Subscription) Close() {
	if s.bus.remove(s) {
		s.shutdown()
	}
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.ch.Close()
		s.sink.Close()
		s.queue.Close()
	})
}
