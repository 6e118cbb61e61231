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
)

const (
	lazyUnset uint32 = iota
	lazyComputing
	lazyReady
)

// lazy memoizes a value derived from the raw message. The value is computed
// at most once per acquisition; readers that observe the ready state never
// observe a partially written value because the state is published last.
type lazy[T any] struct {
	state atomic.Uint32
	mu    sync.Mutex
	value T
}

func (l *lazy[T]) get(compute func() T) T {
	if l.state.Load() == lazyReady {
		return l.value
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Load() != lazyReady {
		l.state.Store(lazyComputing)
		l.value = compute()
		l.state.Store(lazyReady)
	}
	return l.value
}

// set overrides the memoized value, as if it had been computed.
func (l *lazy[T]) set(value T) {
	l.mu.Lock()
	l.value = value
	l.state.Store(lazyReady)
	l.mu.Unlock()
}

func (l *lazy[T]) ready() bool {
	return l.state.Load() == lazyReady
}

// reset clears the flag and the value together.
func (l *lazy[T]) reset() {
	l.mu.Lock()
	var zero T
	l.value = zero
	l.state.Store(lazyUnset)
	l.mu.Unlock()
}
