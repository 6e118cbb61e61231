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

// Package snowflake generates 64-bit ids that are unique per node and
// increase monotonically within a node.
//
// An id packs, from the most significant bit down, 41 bits of milliseconds
// since Epoch, 10 bits of node id and 12 bits of sequence number.
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	nodeBits     = 10
	sequenceBits = 12

	MaxNode     = 1<<nodeBits - 1
	maxSequence = 1<<sequenceBits - 1

	timeShift = nodeBits + sequenceBits
	nodeShift = sequenceBits
)

// Epoch is the zero point of the timestamp part of an id.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

var errNodeRange = errors.New("node id out of range")

// Generator hands out ids for a single node. It is safe for concurrent use.
type Generator struct {
	node int64
	now  func() time.Time

	mu       sync.Mutex
	last     int64
	sequence int64
}

// New returns a generator for node. A negative node selects a random one,
// derived from a random UUID.
func New(node int64) (*Generator, error) {
	if node < 0 {
		node = int64(uuid.New().ID() & MaxNode)
	}
	if node > MaxNode {
		return nil, fmt.Errorf("%w: %d > %d", errNodeRange, node, MaxNode)
	}
	return &Generator{node: node, now: time.Now}, nil
}

// Node returns the node id encoded into every id.
func (g *Generator) Node() int64 {
	return g.node
}

// Next returns the next id. When the sequence for the current millisecond
// is exhausted it waits for the next millisecond. If the clock moves
// backwards, the last observed timestamp is reused so ids keep increasing.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts := g.millis()
	if ts < g.last {
		ts = g.last
	}
	if ts == g.last {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ts <= g.last {
				ts = g.millis()
			}
		}
	} else {
		g.sequence = 0
	}
	g.last = ts
	return ts<<timeShift | g.node<<nodeShift | g.sequence
}

// NextString returns Next formatted in base 10.
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

func (g *Generator) millis() int64 {
	return g.now().Sub(Epoch).Milliseconds()
}

// Parts splits an id back into its timestamp, node and sequence.
func Parts(id int64) (time.Time, int64, int64) {
	ts := Epoch.Add(time.Duration(id>>timeShift) * time.Millisecond)
	return ts, (id >> nodeShift) & MaxNode, id & maxSequence
}
