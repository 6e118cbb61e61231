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
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SessionSource records where a requested session id came from.
type SessionSource uint8

const (
	// SessionSourceNone means the client sent no session id and a new one
	// was generated.
	SessionSourceNone SessionSource = iota
	SessionSourceCookie
	SessionSourceURL
)

func (s SessionSource) String() string {
	switch s {
	case SessionSourceCookie:
		return "cookie"
	case SessionSourceURL:
		return "url"
	default:
		return "none"
	}
}

type sessionEvidence struct {
	id     string
	source SessionSource
}

// resolveSessionID picks the session id a request refers to. A cookie
// named cookieName wins over the id of a path parameter, which wins over a
// session marker in the query string. When none carries a non-empty id,
// newID supplies one.
func resolveSessionID(cookies []*http.Cookie, pathID, query, cookieName string, newID func() string) sessionEvidence {
	for _, cookie := range cookies {
		if cookie.Name == cookieName && cookie.Value != "" {
			return sessionEvidence{id: cookie.Value, source: SessionSourceCookie}
		}
	}
	if pathID != "" {
		return sessionEvidence{id: pathID, source: SessionSourceURL}
	}
	if strings.Contains(query, SessionURLMarker) {
		// ParseQuery keeps every well-formed pair even when it reports an error.
		values, _ := url.ParseQuery(query)
		if id := values.Get(SessionURLMarker); id != "" {
			return sessionEvidence{id: id, source: SessionSourceURL}
		}
	}
	return sessionEvidence{id: newID(), source: SessionSourceNone}
}

// SessionRecord is the state of a session as held by a SessionStore.
type SessionRecord struct {
	ID                  string
	CreationTime        time.Time
	LastAccessedTime    time.Time
	MaxInactiveInterval time.Duration

	mu         sync.RWMutex
	attributes map[string]any
}

// NewSessionRecord returns a record created and last accessed at now.
func NewSessionRecord(id string, now time.Time, maxInactive time.Duration) *SessionRecord {
	return &SessionRecord{
		ID:                  id,
		CreationTime:        now,
		LastAccessedTime:    now,
		MaxInactiveInterval: maxInactive,
	}
}

// Attribute returns the value stored under name, or nil.
func (r *SessionRecord) Attribute(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attributes[name]
}

// SetAttribute stores value under name. A nil value removes it.
func (r *SessionRecord) SetAttribute(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value == nil {
		delete(r.attributes, name)
		return
	}
	if r.attributes == nil {
		r.attributes = make(map[string]any)
	}
	r.attributes[name] = value
}

// AttributeNames returns the names of all stored attributes.
func (r *SessionRecord) AttributeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.attributes))
	for name := range r.attributes {
		names = append(names, name)
	}
	return names
}

func (r *SessionRecord) touch(now time.Time) {
	r.mu.Lock()
	r.LastAccessedTime = now
	r.mu.Unlock()
}

// Session is the binding between one request and a stored session. It is
// only valid for the duration of the exchange that created it.
type Session struct {
	store  SessionStore
	record *SessionRecord
	isNew  bool

	mu        sync.Mutex
	invalid   bool
	idChanged bool
}

// ID returns the session id.
func (s *Session) ID() string {
	s.record.mu.RLock()
	defer s.record.mu.RUnlock()
	return s.record.ID
}

// IsNew reports whether the session was created by this request.
func (s *Session) IsNew() bool {
	return s.isNew
}

func (s *Session) CreationTime() time.Time {
	s.record.mu.RLock()
	defer s.record.mu.RUnlock()
	return s.record.CreationTime
}

func (s *Session) LastAccessedTime() time.Time {
	s.record.mu.RLock()
	defer s.record.mu.RUnlock()
	return s.record.LastAccessedTime
}

func (s *Session) MaxInactiveInterval() time.Duration {
	s.record.mu.RLock()
	defer s.record.mu.RUnlock()
	return s.record.MaxInactiveInterval
}

// SetMaxInactiveInterval changes the inactivity timeout of the session and
// saves it.
func (s *Session) SetMaxInactiveInterval(d time.Duration) error {
	s.record.mu.Lock()
	s.record.MaxInactiveInterval = d
	s.record.mu.Unlock()
	return s.store.Save(s.record)
}

func (s *Session) Attribute(name string) any {
	return s.record.Attribute(name)
}

// SetAttribute stores value under name and saves the session. A nil value
// removes the attribute.
func (s *Session) SetAttribute(name string, value any) error {
	s.record.SetAttribute(name, value)
	return s.store.Save(s.record)
}

func (s *Session) RemoveAttribute(name string) error {
	return s.SetAttribute(name, nil)
}

func (s *Session) AttributeNames() []string {
	return s.record.AttributeNames()
}

// Invalidate removes the session from its store. Later calls to
// Request.Session create a new one.
func (s *Session) Invalidate() error {
	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return nil
	}
	s.invalid = true
	s.mu.Unlock()
	return s.store.Remove(s.ID())
}

// IsValid reports whether Invalidate has not been called.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid
}

func (s *Session) changeID(newID string) (string, error) {
	s.record.mu.Lock()
	oldID := s.record.ID
	s.record.ID = newID
	s.record.mu.Unlock()
	if err := s.store.ChangeID(oldID, newID); err != nil {
		s.record.mu.Lock()
		s.record.ID = oldID
		s.record.mu.Unlock()
		return "", err
	}
	s.mu.Lock()
	s.idChanged = true
	s.mu.Unlock()
	return oldID, nil
}

// needsCookie reports whether the response must tell the client about
// this session's id.
func (s *Session) needsCookie() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid && (s.isNew || s.idChanged)
}
