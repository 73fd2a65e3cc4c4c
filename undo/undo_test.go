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

package undo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnwindOrder(t *testing.T) {
	ctx, stack := NewContext(context.Background())
	require.Equal(t, stack, FromContext(ctx))

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		Push(ctx, name, func(context.Context) error {
			order = append(order, name)
			if name == "b" {
				return errors.New("boom")
			}
			return nil
		})
	}
	require.Equal(t, 3, stack.Len())
	require.Equal(t, 1, stack.Unwind(ctx))
	require.Equal(t, []string{"c", "b", "a"}, order)

	// each action runs once
	require.Equal(t, 0, stack.Unwind(ctx))
	require.Equal(t, []string{"c", "b", "a"}, order)
	Push(ctx, "late", func(context.Context) error { return nil })
	require.Equal(t, 0, stack.Len())
}

func TestUnwindCancelled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stack := NewContext(parent)
	ran := false
	Push(ctx, "free", func(ctx context.Context) error {
		ran = true
		return ctx.Err()
	})
	cancel()
	require.Equal(t, 0, stack.Unwind(ctx))
	require.True(t, ran)
}

func TestDiscard(t *testing.T) {
	ctx, stack := NewContext(context.Background())
	Push(ctx, "x", func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	stack.Discard()
	require.Equal(t, 0, stack.Unwind(ctx))
}

func TestPushWithoutStack(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))
	Push(context.Background(), "x", func(context.Context) error { return nil })
}
