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

// AttributeEvent says how a request attribute changed.
type AttributeEvent uint8

const (
	AttributeAdded AttributeEvent = iota + 1
	AttributeReplaced
	AttributeRemoved
)

func (e AttributeEvent) String() string {
	switch e {
	case AttributeAdded:
		return "added"
	case AttributeReplaced:
		return "replaced"
	case AttributeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// AttributeListener observes changes to request attributes. For
// AttributeReplaced and AttributeRemoved, value is the previous value.
type AttributeListener interface {
	AttributeChanged(req *Request, event AttributeEvent, name string, value any)
}

// AttributeListenerFunc adapts a function to AttributeListener.
type AttributeListenerFunc func(req *Request, event AttributeEvent, name string, value any)

func (f AttributeListenerFunc) AttributeChanged(req *Request, event AttributeEvent, name string, value any) {
	f(req, event, name, value)
}

// SessionIDListener is told when a request changes the id of its session.
type SessionIDListener interface {
	SessionIDChanged(req *Request, session *Session, oldID string)
}

// SessionIDListenerFunc adapts a function to SessionIDListener.
type SessionIDListenerFunc func(req *Request, session *Session, oldID string)

func (f SessionIDListenerFunc) SessionIDChanged(req *Request, session *Session, oldID string) {
	f(req, session, oldID)
}

// Authenticator supplies the identity of the client behind a request. The
// package only exposes these answers; it never authenticates by itself.
type Authenticator interface {
	// AuthType names the scheme used to authenticate req, such as "BASIC",
	// or returns "" if req is not authenticated.
	AuthType(req *Request) string
	// UserPrincipal returns the authenticated user name, or "".
	UserPrincipal(req *Request) string
	// IsUserInRole reports whether the authenticated user has role.
	IsUserInRole(req *Request, role string) bool
}
