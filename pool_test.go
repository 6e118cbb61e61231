// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exchange

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type pooledThing struct {
	owner atomic.Int64
	data  []string
}

func newThingPool(capacity int, resets *atomic.Int32) *Pool[pooledThing] {
	return NewPool(capacity,
		func() *pooledThing { return &pooledThing{} },
		func(thing *pooledThing) {
			resets.Add(1)
			thing.data = thing.data[:0]
		},
	)
}

func TestPool_AcquireRelease(t *testing.T) {
	t.Parallel()
	var resets atomic.Int32
	pool := newThingPool(4, &resets)

	first := pool.Acquire()
	thing, err := first.Value()
	require.NoError(t, err)
	thing.data = append(thing.data, "a", "b")
	assert.Equal(t, uint64(1), first.Generation()%2)

	require.NoError(t, pool.Release(first))
	assert.Equal(t, int32(1), resets.Load())
	assert.False(t, first.Valid())
	_, err = first.Value()
	require.ErrorIs(t, err, ErrStaleHandle)

	// A second release of the same handle is rejected and does not reset
	// the instance again.
	require.ErrorIs(t, pool.Release(first), ErrStaleHandle)
	assert.Equal(t, int32(1), resets.Load())

	second := pool.Acquire()
	reused, err := second.Value()
	require.NoError(t, err)
	assert.Same(t, thing, reused)
	assert.Empty(t, reused.data)
	assert.Greater(t, second.Generation(), first.Generation())
	assert.False(t, first.Valid())
	require.NoError(t, pool.Release(second))

	require.ErrorIs(t, pool.Release(Handle[pooledThing]{}), ErrStaleHandle)
}

func TestPool_ReleaseWith(t *testing.T) {
	t.Parallel()
	var resets atomic.Int32
	pool := newThingPool(4, &resets)
	handle := pool.Acquire()

	errFinalize := errors.New("finalize failed")
	var calls int
	finalize := func(thing *pooledThing) error {
		calls++
		// The handle is already invalid while finalize runs.
		assert.False(t, handle.Valid())
		assert.Equal(t, int32(0), resets.Load())
		return errFinalize
	}
	require.ErrorIs(t, pool.ReleaseWith(handle, finalize), errFinalize)
	require.ErrorIs(t, pool.ReleaseWith(handle, finalize), ErrStaleHandle)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(1), resets.Load())
	assert.Equal(t, 1, pool.Idle())
}

func TestPool_Capacity(t *testing.T) {
	t.Parallel()
	var resets atomic.Int32
	pool := newThingPool(1, &resets)
	registry := prometheus.NewRegistry()
	pool.metrics = NewMetrics(registry)

	first := pool.Acquire()
	second := pool.Acquire()
	assert.InDelta(t, 2, testutil.ToFloat64(pool.metrics.inUse), 0)
	require.NoError(t, pool.Release(first))
	require.NoError(t, pool.Release(second))
	assert.Equal(t, 1, pool.Idle())

	third := pool.Acquire()
	require.NoError(t, pool.Release(third))

	assert.InDelta(t, 2, testutil.ToFloat64(pool.metrics.allocated), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(pool.metrics.acquired), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(pool.metrics.released), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pool.metrics.discarded), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(pool.metrics.inUse), 0)
}

func TestPool_Exclusive(t *testing.T) {
	t.Parallel()
	var resets atomic.Int32
	pool := newThingPool(2, &resets)

	var group errgroup.Group
	for worker := int64(1); worker <= 8; worker++ {
		worker := worker
		group.Go(func() error {
			for i := 0; i < 500; i++ {
				handle := pool.Acquire()
				thing, err := handle.Value()
				if err != nil {
					return err
				}
				if !thing.owner.CompareAndSwap(0, worker) {
					return errors.New("instance handed to two holders at once")
				}
				if handle.Generation()%2 != 1 {
					return errors.New("live handle has an even generation")
				}
				thing.owner.Store(0)
				if err := pool.Release(handle); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, int32(8*500), resets.Load())
	assert.LessOrEqual(t, pool.Idle(), 2)
}

func TestPool_ConcurrentRelease(t *testing.T) {
	t.Parallel()
	var resets atomic.Int32
	pool := newThingPool(4, &resets)
	handle := pool.Acquire()

	var wins atomic.Int32
	var group errgroup.Group
	for i := 0; i < 16; i++ {
		group.Go(func() error {
			if err := pool.Release(handle); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrStaleHandle) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), resets.Load())
}
