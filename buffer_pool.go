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
	"github.com/valyala/bytebufferpool"
)

const (
	maxRecycleBufferSize = 8 * 1024 * 1024 // if >8MiB, don't hold onto a buffer
)

type bufferPool struct {
	pool bytebufferpool.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{}
}

func (b *bufferPool) Get() *bytebufferpool.ByteBuffer {
	buffer := b.pool.Get()
	buffer.Reset()
	return buffer
}

func (b *bufferPool) Put(buffer *bytebufferpool.ByteBuffer) {
	if buffer == nil || cap(buffer.B) > maxRecycleBufferSize {
		return
	}
	b.pool.Put(buffer)
}
