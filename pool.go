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

// Pool recycles instances of T across unrelated uses.
//
// Instances are handed out through a Handle that pairs the pooled slot with
// the generation it was acquired at. Releasing a handle advances the slot's
// generation before the instance is reset, so any copy of the handle that
// is still held afterwards reports ErrStaleHandle instead of silently
// reading an instance that now belongs to somebody else.
//
// A Pool is safe for concurrent use.
type Pool[T any] struct {
	newFunc   func() *T
	resetFunc func(*T)
	// capacity is the maximum number of idle instances that are retained.
	// Instances released beyond that are dropped and left to the garbage
	// collector. Zero or negative means unbounded.
	capacity int
	metrics  *Metrics

	mu   sync.Mutex
	idle []*poolSlot[T]
}

type poolSlot[T any] struct {
	value *T
	// generation is odd while the slot is acquired and even while it is
	// idle. It only ever moves forward.
	generation atomic.Uint64
}

// NewPool returns a pool that creates instances with newFunc and resets
// them with resetFunc before they are made available again. The reset
// function must return the instance to the same state newFunc produces.
func NewPool[T any](capacity int, newFunc func() *T, resetFunc func(*T)) *Pool[T] {
	return &Pool[T]{
		newFunc:   newFunc,
		resetFunc: resetFunc,
		capacity:  capacity,
	}
}

// Acquire returns a handle to an instance in its post-reset state. The
// instance is either reclaimed from the idle set or freshly constructed.
func (p *Pool[T]) Acquire() Handle[T] {
	var slot *poolSlot[T]
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		slot = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()
	if slot == nil {
		slot = &poolSlot[T]{value: p.newFunc()}
		p.metrics.poolAllocated()
	}
	generation := slot.generation.Add(1)
	p.metrics.poolAcquired()
	return Handle[T]{slot: slot, generation: generation}
}

// Release resets the instance behind h and makes it available to later
// calls to Acquire. It returns ErrStaleHandle if h was already released,
// in which case nothing is reset.
func (p *Pool[T]) Release(h Handle[T]) error {
	return p.ReleaseWith(h, nil)
}

// ReleaseWith is like Release but runs finalize on the instance after h
// has been invalidated and before the instance is reset. Only one caller
// can win the release of a handle, so finalize runs at most once per
// acquisition. The error from finalize is returned after the instance has
// been returned to the pool.
func (p *Pool[T]) ReleaseWith(h Handle[T], finalize func(*T) error) error {
	slot := h.slot
	if slot == nil || !slot.generation.CompareAndSwap(h.generation, h.generation+1) {
		return ErrStaleHandle
	}
	var err error
	if finalize != nil {
		err = finalize(slot.value)
	}
	if p.resetFunc != nil {
		p.resetFunc(slot.value)
	}
	p.metrics.poolReleased()
	p.mu.Lock()
	if p.capacity <= 0 || len(p.idle) < p.capacity {
		p.idle = append(p.idle, slot)
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()
	p.metrics.poolDiscarded()
	return err
}

// Idle returns the number of instances currently retained for reuse.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Handle references one acquisition of a pooled instance.
type Handle[T any] struct {
	slot       *poolSlot[T]
	generation uint64
}

// Value returns the instance if h has not been released yet.
func (h Handle[T]) Value() (*T, error) {
	if !h.Valid() {
		return nil, ErrStaleHandle
	}
	return h.slot.value, nil
}

// Valid reports whether h still refers to a live acquisition.
func (h Handle[T]) Valid() bool {
	return h.slot != nil && h.slot.generation.Load() == h.generation
}

// Generation returns the slot generation h was acquired at.
func (h Handle[T]) Generation() uint64 {
	return h.generation
}
