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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/confdb/errors"
)

var errFlaky = errors.New("flaky")

func fastRetryer() *Retryer {
	return NewRetryer(&RetryConfig{MaxRetries: 3, InitialIntervalMs: 1, MaxIntervalMs: 2}).
		WithTransient(func(err error) bool { return errors.Is(err, errFlaky) })
}

func TestRetryer_RecoversTransient(t *testing.T) {
	r := fastRetryer()
	calls := 0
	err := r.Do(context.TODO(), "op", func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryer_Exhausted(t *testing.T) {
	r := fastRetryer()
	calls := 0
	err := r.Do(context.TODO(), "op", func() error {
		calls++
		return errFlaky
	})
	require.True(t, errors.Is(err, apierrors.ErrDatabaseUnavailable))
	require.Equal(t, 4, calls)
}

func TestRetryer_Permanent(t *testing.T) {
	r := fastRetryer()
	boom := errors.New("boom")
	calls := 0
	err := r.Do(context.TODO(), "op", func() error {
		calls++
		return boom
	})
	require.Equal(t, boom, err)
	require.Equal(t, 1, calls)
}

func TestRetryer_Deadline(t *testing.T) {
	r := fastRetryer()
	ctx, cancel := context.WithTimeout(context.TODO(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)
	err := r.Do(ctx, "op", func() error { return nil })
	require.True(t, errors.Is(err, apierrors.ErrDatabaseUnavailable))
}
