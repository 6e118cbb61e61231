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
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

func (r *Request) schemeInfo() schemeInfo {
	return r.scheme.get(r.decodeScheme)
}

func (r *Request) decodeScheme() schemeInfo {
	forwarded := strings.TrimSpace(r.Header("X-Forwarded-Proto"))
	switch {
	case strings.EqualFold(forwarded, schemeHTTPS):
		return schemeInfo{scheme: schemeHTTPS, asserted: true}
	case strings.EqualFold(forwarded, schemeHTTP):
		return schemeInfo{scheme: schemeHTTP, asserted: true}
	}
	name, _, _ := strings.Cut(r.msg.Proto, "/")
	if name == "" {
		return schemeInfo{scheme: schemeHTTP}
	}
	return schemeInfo{scheme: strings.ToLower(name)}
}

// Scheme returns "http" or "https". X-Forwarded-Proto is honoured when it
// names one of them; otherwise the scheme comes from the protocol token.
func (r *Request) Scheme() string {
	return r.schemeInfo().scheme
}

// IsSecure reports whether the scheme is https.
func (r *Request) IsSecure() bool {
	return r.Scheme() == schemeHTTPS
}

// ServerPort returns the port the client addressed. When the scheme came
// from a forwarding header, that is the default port of the scheme;
// otherwise it is the local port of the connection.
func (r *Request) ServerPort() int {
	info := r.schemeInfo()
	if info.asserted {
		if info.scheme == schemeHTTPS {
			return 443
		}
		return 80
	}
	_, port := r.local()
	return port
}

// ServerName returns the host name from the Host header, or the local
// address when there is none.
func (r *Request) ServerName() string {
	if host := r.Header("Host"); host != "" {
		if name, _, err := net.SplitHostPort(host); err == nil {
			return name
		}
		return host
	}
	return r.LocalAddr()
}

// RequestURL reconstructs the URL the client used, without the query
// string.
func (r *Request) RequestURL() string {
	scheme := r.Scheme()
	port := r.ServerPort()
	if port <= 0 {
		port = 80
	}
	var url strings.Builder
	url.WriteString(scheme)
	url.WriteString("://")
	url.WriteString(r.ServerName())
	if (scheme == schemeHTTP && port != 80) || (scheme == schemeHTTPS && port != 443) {
		url.WriteByte(':')
		url.WriteString(strconv.Itoa(port))
	}
	url.WriteString(r.RequestURI())
	return url.String()
}

// Locales returns the locales of Accept-Language in the order they were
// sent. Quality values are ignored. Without the header, the result holds
// only the configured default locale.
func (r *Request) Locales() []language.Tag {
	locales := r.locales.get(r.decodeLocales)
	return append([]language.Tag(nil), locales...)
}

// Locale returns the first of Locales.
func (r *Request) Locale() language.Tag {
	return r.locales.get(r.decodeLocales)[0]
}

func (r *Request) decodeLocales() []language.Tag {
	value := r.Header("Accept-Language")
	if strings.TrimSpace(value) == "" {
		return []language.Tag{r.ctx.defaultLocale}
	}
	ranges := strings.Split(value, ",")
	locales := make([]language.Tag, 0, len(ranges))
	for _, item := range ranges {
		name, _, _ := strings.Cut(item, ";")
		tag, err := language.Parse(strings.TrimSpace(name))
		if err != nil {
			tag = language.Und
		}
		locales = append(locales, tag)
	}
	return locales
}

// CharacterEncoding returns the charset of the Content-Type header, or the
// configured default request encoding.
func (r *Request) CharacterEncoding() string {
	return r.encoding.get(r.decodeCharacterEncoding)
}

func (r *Request) decodeCharacterEncoding() string {
	if charset := charsetParam(r.ContentType()); charset != "" {
		return charset
	}
	return r.ctx.config.RequestCharacterEncoding
}

// SetCharacterEncoding overrides the request encoding. It has no effect
// on parameters that were already decoded.
func (r *Request) SetCharacterEncoding(name string) error {
	if _, err := lookupEncoding(name); err != nil {
		return err
	}
	r.encoding.set(name)
	return nil
}

func (r *Request) decodePaths() pathParts {
	contextPath := r.ctx.config.contextPath()
	path := strings.ReplaceAll(r.msg.URI, `\`, "/")
	var query string
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}
	path, sessionParam := cutSessionParam("/" + strings.TrimPrefix(path, "/"))
	if contextPath != "" {
		path = "/" + strings.TrimPrefix(strings.TrimPrefix(path, contextPath), "/")
	}
	return pathParts{
		requestURI:   contextPath + path,
		queryString:  query,
		servletPath:  path,
		sessionParam: sessionParam,
	}
}

// cutSessionParam removes a ";jsessionid=" path parameter from path and
// returns the id it carried.
func cutSessionParam(path string) (string, string) {
	marker := ";" + SessionURLMarker + "="
	i := strings.Index(path, marker)
	if i < 0 {
		return path, ""
	}
	rest := path[i+len(marker):]
	end := strings.IndexAny(rest, ";/")
	if end < 0 {
		return path[:i], rest
	}
	return path[:i] + rest[end:], rest[:end]
}

// RequestURI returns the path of the request including the context path
// and without the query string.
func (r *Request) RequestURI() string {
	return r.paths.get(r.decodePaths).requestURI
}

// QueryString returns the raw query string, without the '?'.
func (r *Request) QueryString() string {
	return r.paths.get(r.decodePaths).queryString
}

// ServletPath returns the request path inside the context path.
func (r *Request) ServletPath() string {
	return r.paths.get(r.decodePaths).servletPath
}

// PathInfo returns the extra path after the matched handler path. Path
// matching is left to the router, so it is always empty.
func (r *Request) PathInfo() string {
	return ""
}

// ContextPath returns the configured context path.
func (r *Request) ContextPath() string {
	return r.ctx.config.ContextPath
}

// Cookies returns the cookies sent with the request. It is nil when the
// request has no Cookie header.
func (r *Request) Cookies() []*http.Cookie {
	return r.cookies.get(r.decodeCookies)
}

// Cookie returns the first cookie with the given name, or nil.
func (r *Request) Cookie(name string) *http.Cookie {
	for _, cookie := range r.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func (r *Request) decodeCookies() []*http.Cookie {
	values := r.Headers("Cookie")
	if len(values) == 0 {
		return nil
	}
	cookies := (&http.Request{Header: http.Header{"Cookie": values}}).Cookies()
	if len(cookies) == 0 {
		return nil
	}
	return cookies
}

func (r *Request) sessionEvidence() sessionEvidence {
	return r.sessionID.get(func() sessionEvidence {
		paths := r.paths.get(r.decodePaths)
		return resolveSessionID(r.Cookies(), paths.sessionParam, paths.queryString, r.ctx.config.sessionCookieName(), r.ctx.ids.NextString)
	})
}

// RequestedSessionID returns the session id sent by the client, or a newly
// generated one when the client sent none.
func (r *Request) RequestedSessionID() string {
	return r.sessionEvidence().id
}

// IsRequestedSessionIDFromCookie reports whether the session id came from
// the session cookie.
func (r *Request) IsRequestedSessionIDFromCookie() bool {
	return r.sessionEvidence().source == SessionSourceCookie
}

// IsRequestedSessionIDFromURL reports whether the session id came from the
// request path or the query string.
func (r *Request) IsRequestedSessionIDFromURL() bool {
	return r.sessionEvidence().source == SessionSourceURL
}

// IsRequestedSessionIDValid reports whether the client sent a session id
// at all, by cookie or in the URL.
func (r *Request) IsRequestedSessionIDValid() bool {
	return r.sessionEvidence().source != SessionSourceNone
}

// Session returns the session bound to the request. If there is none and
// the store has no session for the requested id, a new session is created
// when create is true and nil is returned otherwise.
func (r *Request) Session(create bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		if r.session.IsValid() {
			return r.session, nil
		}
		// The id of an invalidated session cannot be reused.
		r.sessionID.set(sessionEvidence{id: r.ctx.ids.NextString(), source: SessionSourceNone})
		r.session = nil
	}
	store := r.ctx.sessions
	if store == nil {
		return nil, ErrNoSessionStore
	}
	id := r.RequestedSessionID()
	now := time.Now()
	record, found := store.Get(id)
	switch {
	case found:
		record.touch(now)
	case create:
		record = NewSessionRecord(id, now, r.ctx.config.SessionTimeout)
	default:
		return nil, nil //nolint:nilnil
	}
	if err := store.Save(record); err != nil {
		return nil, err
	}
	r.session = &Session{store: store, record: record, isNew: !found}
	return r.session, nil
}

// ChangeSessionID gives the session of the request a new id and returns
// it. A session is created if the request has none.
func (r *Request) ChangeSessionID() (string, error) {
	session, err := r.Session(true)
	if err != nil {
		return "", err
	}
	newID := r.ctx.ids.NextString()
	oldID, err := session.changeID(newID)
	if err != nil {
		return "", err
	}
	source := r.sessionEvidence().source
	r.sessionID.set(sessionEvidence{id: newID, source: source})
	if listener := r.ctx.sessionIDListener; listener != nil {
		listener.SessionIDChanged(r, session, oldID)
	}
	return newID, nil
}

// boundSession returns the session bound by Session, if still valid.
func (r *Request) boundSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || !r.session.IsValid() {
		return nil
	}
	return r.session
}
