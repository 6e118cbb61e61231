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
	"io"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/language"
)

const (
	// DefaultResponseBufferSize is how many body bytes are buffered before
	// the response switches to chunked transfer encoding.
	DefaultResponseBufferSize = 8 * 1024

	// defaultDocumentCharset is used for text/html bodies when nothing
	// else selected a charset.
	defaultDocumentCharset = "iso-8859-1"
)

// Response is the response half of an exchange.
//
// Status and headers can change until the response is committed. A
// response is committed by SendRedirect, by FlushBuffer, once the buffered
// body grows past the buffer size, and when the exchange is finished.
// After that, header writes are silently ignored and the operations that
// would discard already-sent state return ErrCommitted.
type Response struct {
	tx  *transaction
	ctx *Context
	out io.Writer

	// mu guards every field below and is the single point where the
	// output stream changes kind.
	mu            sync.Mutex
	header        http.Header
	status        int
	statusMessage string
	contentType   string
	// contentTypeSet is the value as last set. It is reported as is while
	// the charset it names is still the one in effect.
	contentTypeSet string
	charset        string
	contentLength  int64
	locale         language.Tag
	localeSet      bool
	cookies        []*http.Cookie
	committed      bool
	headWritten    bool
	// suspended drops body writes after SendError or SendRedirect.
	suspended  bool
	bufferSize int
	writer     io.Writer
	stream     outputStream

	errorState atomic.Bool
}

func (r *Response) init(tx *transaction) {
	r.tx = tx
	r.ctx = tx.ctx
	r.header = make(http.Header)
	r.status = http.StatusOK
	r.contentLength = -1
	r.bufferSize = DefaultResponseBufferSize
}

func (r *Response) bind(out io.Writer) {
	if out == nil {
		out = io.Discard
	}
	r.out = out
	r.stream = outputStream{kind: streamBuffered, buffer: r.ctx.buffers.Get()}
}

func (r *Response) recycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream.buffer != nil {
		r.ctx.buffers.Put(r.stream.buffer)
	}
	r.stream = outputStream{}
	r.out = nil
	clear(r.header)
	r.status = http.StatusOK
	r.statusMessage = ""
	r.contentType = ""
	r.contentTypeSet = ""
	r.charset = ""
	r.contentLength = -1
	r.locale = language.Und
	r.localeSet = false
	r.cookies = nil
	r.committed = false
	r.headWritten = false
	r.suspended = false
	r.bufferSize = DefaultResponseBufferSize
	r.writer = nil
	r.errorState.Store(false)
}

func (r *Response) isCommittedLocked() bool {
	return r.committed || r.stream.kind == streamClosed
}

// IsCommitted reports whether status and headers can no longer change.
func (r *Response) IsCommitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isCommittedLocked()
}

// SetHeader replaces the named header. Content-Type and Content-Length
// update the typed fields instead. Invalid names or values, and any write
// after commit, are ignored.
func (r *Response) SetHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeHeaderLocked(name, value, false)
}

// AddHeader adds a value to the named header. Content-Type and
// Content-Length are single valued and behave as in SetHeader.
func (r *Response) AddHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeHeaderLocked(name, value, true)
}

func (r *Response) SetIntHeader(name string, value int) {
	r.SetHeader(name, strconv.Itoa(value))
}

func (r *Response) AddIntHeader(name string, value int) {
	r.AddHeader(name, strconv.Itoa(value))
}

// SetDateHeader sets the named header to t in the HTTP date format.
func (r *Response) SetDateHeader(name string, t time.Time) {
	r.SetHeader(name, t.UTC().Format(http.TimeFormat))
}

func (r *Response) AddDateHeader(name string, t time.Time) {
	r.AddHeader(name, t.UTC().Format(http.TimeFormat))
}

func (r *Response) writeHeaderLocked(name, value string, add bool) {
	if r.isCommittedLocked() {
		return
	}
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return
	}
	switch http.CanonicalHeaderKey(name) {
	case "Content-Type":
		r.setContentTypeLocked(value)
		return
	case "Content-Length":
		length, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err == nil {
			r.contentLength = length
			return
		}
		r.ctx.logger.Debug("keeping unparseable Content-Length as a plain header", "value", value)
	}
	if add {
		r.header.Add(name, value)
	} else {
		r.header.Set(name, value)
	}
}

// Header returns the first value of the named header. For Content-Type it
// returns the effective value, including the charset.
func (r *Response) Header(name string) string {
	values := r.Headers(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Headers returns every value of the named header.
func (r *Response) Headers(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch http.CanonicalHeaderKey(name) {
	case "Content-Type":
		if contentType := r.contentTypeLocked(); contentType != "" {
			return []string{contentType}
		}
		return nil
	case "Content-Length":
		if r.contentLength >= 0 {
			return []string{strconv.FormatInt(r.contentLength, 10)}
		}
	}
	return slices.Clone(r.header.Values(name))
}

// HeaderNames returns the names of all headers set so far, sorted.
func (r *Response) HeaderNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.header)+2)
	for name := range r.header {
		names = append(names, name)
	}
	if r.contentType != "" {
		names = append(names, "Content-Type")
	}
	if r.contentLength >= 0 && r.header.Get("Content-Length") == "" {
		names = append(names, "Content-Length")
	}
	sort.Strings(names)
	return names
}

// ContainsHeader reports whether the named header has been set.
func (r *Response) ContainsHeader(name string) bool {
	return len(r.Headers(name)) > 0
}

// SetStatus sets the status code. It is ignored after commit.
func (r *Response) SetStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return
	}
	r.status = code
	r.statusMessage = ""
}

// SetStatusMessage sets the reason phrase sent with the status code.
func (r *Response) SetStatusMessage(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return
	}
	r.statusMessage = message
}

func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusMessage returns the reason phrase, defaulting to the standard
// text for the status code.
func (r *Response) StatusMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasonLocked()
}

func (r *Response) reasonLocked() string {
	if r.statusMessage != "" && httpguts.ValidHeaderFieldValue(r.statusMessage) {
		return r.statusMessage
	}
	return http.StatusText(r.status)
}

// SetContentType sets the media type. A charset parameter also sets the
// character encoding, unless Writer has already been called.
func (r *Response) SetContentType(value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return
	}
	r.setContentTypeLocked(value)
}

func (r *Response) setContentTypeLocked(value string) {
	r.contentTypeSet = value
	if value == "" {
		r.contentType = ""
		return
	}
	if charset := charsetParam(value); charset != "" && r.writer == nil {
		r.charset = charset
	}
	r.contentType = withoutCharset(value)
}

// ContentType returns the effective Content-Type, including the charset.
func (r *Response) ContentType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentTypeLocked()
}

func (r *Response) contentTypeLocked() string {
	if r.contentTypeSet != "" && charsetParam(r.contentTypeSet) == r.charset {
		return r.contentTypeSet
	}
	return withCharset(r.contentType, r.charset)
}

// SetContentLength sets the declared body length. A negative length
// leaves it to be computed when the exchange is finished.
func (r *Response) SetContentLength(length int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return
	}
	r.contentLength = length
}

// ContentLength returns the declared body length, or -1 if none was set.
func (r *Response) ContentLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLength
}

// SetCharacterEncoding sets the charset of the body. It is ignored once
// Writer has been called or the response is committed.
func (r *Response) SetCharacterEncoding(charset string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil || r.isCommittedLocked() {
		return
	}
	r.charset = charset
}

// CharacterEncoding returns the charset of the body, defaulting to the
// configured response encoding.
func (r *Response) CharacterEncoding() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.charset != "" {
		return r.charset
	}
	return r.ctx.config.ResponseCharacterEncoding
}

// SetLocale sets the Content-Language of the response.
func (r *Response) SetLocale(tag language.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return
	}
	r.locale = tag
	r.localeSet = true
}

// Locale returns the locale set with SetLocale, or the default locale.
func (r *Response) Locale() language.Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localeSet {
		return r.locale
	}
	return r.ctx.defaultLocale
}

// AddCookie adds a Set-Cookie header for cookie. Invalid cookies are
// ignored.
func (r *Response) AddCookie(cookie *http.Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() || cookie == nil {
		return
	}
	if err := cookie.Valid(); err != nil {
		r.ctx.logger.Debug("ignoring invalid cookie", "name", cookie.Name, "error", err)
		return
	}
	r.cookies = append(r.cookies, cookie)
}

// Cookies returns the cookies added so far.
func (r *Response) Cookies() []*http.Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.cookies)
}

// SendError sets the status, discards the buffered body and ignores any
// further body writes. It returns ErrCommitted once the response is
// committed.
func (r *Response) SendError(code int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return ErrCommitted
	}
	r.status = code
	r.statusMessage = message
	r.resetBufferLocked(false)
	r.suspended = true
	r.errorState.CompareAndSwap(false, true)
	return nil
}

// IsError reports whether SendError was called.
func (r *Response) IsError() bool {
	return r.errorState.Load()
}

// SendRedirect sends a 302 to location and commits the response.
func (r *Response) SendRedirect(location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return ErrCommitted
	}
	if !httpguts.ValidHeaderFieldValue(location) {
		return Error(http.StatusInternalServerError, "invalid redirect location")
	}
	r.resetBufferLocked(false)
	r.status = http.StatusFound
	r.statusMessage = ""
	r.header.Set("Location", location)
	r.committed = true
	r.suspended = true
	return nil
}

// Reset clears status, headers, cookies and the buffered body. It returns
// ErrCommitted once the response is committed.
func (r *Response) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return ErrCommitted
	}
	clear(r.header)
	r.status = http.StatusOK
	r.statusMessage = ""
	r.contentType = ""
	r.contentTypeSet = ""
	r.contentLength = -1
	r.locale = language.Und
	r.localeSet = false
	r.cookies = nil
	r.resetBufferLocked(true)
	return nil
}

// ResetBuffer discards the buffered body. With resetWriterState, the
// writer and the character encoding are cleared too. It returns
// ErrCommitted once the response is committed.
func (r *Response) ResetBuffer(resetWriterState bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return ErrCommitted
	}
	r.resetBufferLocked(resetWriterState)
	return nil
}

func (r *Response) resetBufferLocked(resetWriterState bool) {
	if r.stream.kind == streamBuffered && r.stream.buffer != nil {
		r.stream.buffer.Reset()
	}
	if resetWriterState {
		r.writer = nil
		r.charset = ""
	}
}

// EncodeURL adds the session id to u when the client did not send it in
// a cookie, so that it can be carried by the URL instead.
func (r *Response) EncodeURL(u string) string {
	req := &r.tx.req
	if req.IsRequestedSessionIDFromCookie() {
		return u
	}
	var id string
	if session := req.boundSession(); session != nil {
		id = session.ID()
	} else if req.IsRequestedSessionIDFromURL() {
		id = req.RequestedSessionID()
	}
	if id == "" {
		return u
	}
	path, rest := u, ""
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		path, rest = u[:i], u[i:]
	}
	return path + ";" + SessionURLMarker + "=" + id + rest
}

// EncodeRedirectURL is the same as EncodeURL.
func (r *Response) EncodeRedirectURL(u string) string {
	return r.EncodeURL(u)
}

func (r *Response) sessionCookie(session *Session) *http.Cookie {
	path := r.ctx.config.contextPath()
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     r.ctx.config.sessionCookieName(),
		Value:    session.ID(),
		Path:     path,
		HttpOnly: true,
	}
}
