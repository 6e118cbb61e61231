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
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// SessionStore owns the persistence and expiry of sessions.
type SessionStore interface {
	// Get returns the session with the given id, if it exists and has not
	// expired.
	Get(id string) (*SessionRecord, bool)
	// Save stores record under record.ID and restarts its expiry.
	Save(record *SessionRecord) error
	// ChangeID moves the session stored under oldID to newID.
	ChangeID(oldID, newID string) error
	// Remove deletes the session with the given id.
	Remove(id string) error
}

// MemorySessionStore keeps sessions in process memory. Each session
// expires after its own MaxInactiveInterval without a Save.
type MemorySessionStore struct {
	items *cache.Cache
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore returns a store that drops expired sessions every
// cleanupInterval. Records saved with a zero MaxInactiveInterval use
// defaultTimeout.
func NewMemorySessionStore(defaultTimeout, cleanupInterval time.Duration) *MemorySessionStore {
	if defaultTimeout <= 0 {
		defaultTimeout = cache.NoExpiration
	}
	return &MemorySessionStore{items: cache.New(defaultTimeout, cleanupInterval)}
}

func (s *MemorySessionStore) Get(id string) (*SessionRecord, bool) {
	item, ok := s.items.Get(id)
	if !ok {
		return nil, false
	}
	record, ok := item.(*SessionRecord)
	return record, ok
}

func (s *MemorySessionStore) Save(record *SessionRecord) error {
	record.mu.RLock()
	id, ttl := record.ID, record.MaxInactiveInterval
	record.mu.RUnlock()
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	s.items.Set(id, record, ttl)
	return nil
}

func (s *MemorySessionStore) ChangeID(oldID, newID string) error {
	item, ok := s.items.Get(oldID)
	if !ok {
		return fmt.Errorf("change session id: session %q not found", oldID)
	}
	record, ok := item.(*SessionRecord)
	if !ok {
		return fmt.Errorf("change session id: unexpected value %T", item)
	}
	s.items.Delete(oldID)
	return s.Save(record)
}

func (s *MemorySessionStore) Remove(id string) error {
	s.items.Delete(id)
	return nil
}

// Len returns the number of stored sessions, including expired ones not
// yet cleaned up.
func (s *MemorySessionStore) Len() int {
	return s.items.ItemCount()
}
