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

package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGenerator(t *testing.T) {
	t.Parallel()
	t.Run("node_range", func(t *testing.T) {
		t.Parallel()
		_, err := New(MaxNode + 1)
		require.ErrorIs(t, err, errNodeRange)
		gen, err := New(-1)
		require.NoError(t, err)
		assert.LessOrEqual(t, gen.Node(), int64(MaxNode))
		assert.GreaterOrEqual(t, gen.Node(), int64(0))
	})
	t.Run("monotonic", func(t *testing.T) {
		t.Parallel()
		gen, err := New(7)
		require.NoError(t, err)
		prev := gen.Next()
		for i := 0; i < 10000; i++ {
			next := gen.Next()
			require.Greater(t, next, prev)
			prev = next
		}
		_, node, _ := Parts(prev)
		assert.Equal(t, int64(7), node)
	})
	t.Run("clock_backwards", func(t *testing.T) {
		t.Parallel()
		gen, err := New(1)
		require.NoError(t, err)
		now := Epoch.Add(time.Hour)
		gen.now = func() time.Time { return now }
		first := gen.Next()
		now = now.Add(-time.Second)
		second := gen.Next()
		assert.Greater(t, second, first)
		ts, _, seq := Parts(second)
		assert.Equal(t, Epoch.Add(time.Hour), ts)
		assert.Equal(t, int64(1), seq)
	})
	t.Run("concurrent_unique", func(t *testing.T) {
		t.Parallel()
		gen, err := New(3)
		require.NoError(t, err)
		var (
			mu   sync.Mutex
			seen = make(map[int64]struct{})
			grp  errgroup.Group
		)
		for i := 0; i < 8; i++ {
			grp.Go(func() error {
				ids := make([]int64, 0, 1000)
				for j := 0; j < 1000; j++ {
					ids = append(ids, gen.Next())
				}
				mu.Lock()
				defer mu.Unlock()
				for _, id := range ids {
					seen[id] = struct{}{}
				}
				return nil
			})
		}
		require.NoError(t, grp.Wait())
		assert.Len(t, seen, 8000)
	})
}
