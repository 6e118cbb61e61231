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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLazy(t *testing.T) {
	t.Parallel()
	var cell lazy[string]
	var computed atomic.Int32
	compute := func() string {
		computed.Add(1)
		return "value"
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "value", cell.get(compute))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), computed.Load())
	assert.True(t, cell.ready())

	cell.set("override")
	assert.Equal(t, "override", cell.get(compute))
	assert.Equal(t, int32(1), computed.Load())

	cell.reset()
	assert.False(t, cell.ready())
	assert.Equal(t, "value", cell.get(compute))
	assert.Equal(t, int32(2), computed.Load())
}
