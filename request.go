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
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"
)

type bodyMode uint8

const (
	bodyUnread bodyMode = iota
	bodyInputStream
	bodyReader
)

type schemeInfo struct {
	scheme string
	// asserted is true when the scheme came from a forwarding header
	// rather than from the connection.
	asserted bool
}

type pathParts struct {
	requestURI  string
	queryString string
	servletPath string
	// sessionParam is the id carried by a ";jsessionid=" path parameter.
	sessionParam string
}

// Request is the request half of an exchange.
//
// Everything derived from the raw message is decoded on first access and
// cached until the exchange is recycled. Accessors are safe to call from
// several goroutines at once, as happens once a handler starts
// asynchronous processing.
type Request struct {
	tx   *transaction
	ctx  *Context
	conn Conn
	msg  Message

	scheme    lazy[schemeInfo]
	locales   lazy[[]language.Tag]
	encoding  lazy[string]
	paths     lazy[pathParts]
	cookies   lazy[[]*http.Cookie]
	sessionID lazy[sessionEvidence]

	// formMu orders URL parameter decode before body decode, and guards
	// everything the two produce.
	formMu      sync.Mutex
	urlDecoded  bool
	params      url.Values
	paramNames  []string
	bodyDecoded bool
	bodyErr     *RequestError
	parts       []Part
	multipart   *MultipartConfig

	attributes *xsync.MapOf[string, any]

	mu               sync.Mutex
	bodyMode         bodyMode
	asyncUnsupported bool
	async            *AsyncContext
	session          *Session
	// dispatching is set while Serve runs the handler. An asynchronous
	// completion during that time is left to Serve, recorded by
	// finishPending.
	dispatching   bool
	finishPending bool
}

func (r *Request) init(tx *transaction) {
	r.tx = tx
	r.ctx = tx.ctx
	r.params = make(url.Values)
	r.attributes = xsync.NewMapOf[string, any]()
}

func (r *Request) bind(conn Conn, msg Message) {
	r.conn = conn
	r.msg = msg
	if r.msg.Header == nil {
		r.msg.Header = make(http.Header)
	}
}

// recycle returns the request to the state init left it in. Each memo is
// cleared together with its value.
func (r *Request) recycle() {
	r.scheme.reset()
	r.locales.reset()
	r.encoding.reset()
	r.paths.reset()
	r.cookies.reset()
	r.sessionID.reset()

	r.formMu.Lock()
	for _, part := range r.parts {
		if err := part.Delete(); err != nil {
			r.ctx.logger.Warn("failed to delete uploaded part", "part", part.Name(), "error", err)
		}
	}
	clear(r.params)
	r.paramNames = r.paramNames[:0]
	r.parts = nil
	r.urlDecoded = false
	r.bodyDecoded = false
	r.bodyErr = nil
	r.multipart = nil
	r.formMu.Unlock()

	r.attributes.Clear()

	r.mu.Lock()
	async := r.async
	r.bodyMode = bodyUnread
	r.asyncUnsupported = false
	r.async = nil
	r.session = nil
	r.dispatching = false
	r.finishPending = false
	r.mu.Unlock()
	if async != nil {
		async.abandon()
	}

	r.conn = nil
	r.msg = Message{}
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.msg.Method
}

// Protocol returns the protocol token of the request line, such as
// "HTTP/1.1".
func (r *Request) Protocol() string {
	return r.msg.Proto
}

// Header returns the first value of the named header, or "".
func (r *Request) Header(name string) string {
	return r.msg.Header.Get(name)
}

// Headers returns every value of the named header.
func (r *Request) Headers(name string) []string {
	return r.msg.Header.Values(name)
}

// HeaderNames returns the canonical names of all request headers, sorted.
func (r *Request) HeaderNames() []string {
	names := make([]string, 0, len(r.msg.Header))
	for name := range r.msg.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IntHeader returns the named header as an int, or -1 if it is absent.
func (r *Request) IntHeader(name string) (int, error) {
	value := r.Header(name)
	if value == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return -1, &HeaderError{Name: name, Value: value, Err: err}
	}
	return n, nil
}

// DateHeader returns the named header as a time, or the zero time if it
// is absent. RFC 1123, RFC 850 and ANSI C asctime formats are accepted.
func (r *Request) DateHeader(name string) (time.Time, error) {
	value := r.Header(name)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}, &HeaderError{Name: name, Value: value, Err: err}
	}
	return t, nil
}

// ContentType returns the Content-Type header.
func (r *Request) ContentType() string {
	return r.Header("Content-Type")
}

// ContentLength returns the declared body length, or -1 if it is not
// known.
func (r *Request) ContentLength() int64 {
	value := r.Header("Content-Length")
	if value == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// InputStream returns the raw body. It cannot be combined with Reader.
func (r *Request) InputStream() (io.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyMode == bodyReader {
		return nil, ErrReaderInUse
	}
	r.bodyMode = bodyInputStream
	return bytes.NewReader(r.msg.Body), nil
}

// Reader returns the body decoded from the request character encoding. It
// cannot be combined with InputStream.
func (r *Request) Reader() (*bufio.Reader, error) {
	enc, err := lookupEncoding(r.CharacterEncoding())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyMode == bodyInputStream {
		return nil, ErrInputStreamInUse
	}
	r.bodyMode = bodyReader
	var body io.Reader = bytes.NewReader(r.msg.Body)
	if !isUTF8(enc) {
		body = transform.NewReader(body, enc.NewDecoder())
	}
	return bufio.NewReader(body), nil
}

// Attribute returns the attribute stored under name, or nil.
func (r *Request) Attribute(name string) any {
	value, _ := r.attributes.Load(name)
	return value
}

// SetAttribute stores value under name. A nil value removes the attribute.
func (r *Request) SetAttribute(name string, value any) {
	if value == nil {
		r.RemoveAttribute(name)
		return
	}
	old, replaced := r.attributes.LoadAndStore(name, value)
	if listener := r.ctx.attributeListener; listener != nil {
		if replaced {
			listener.AttributeChanged(r, AttributeReplaced, name, old)
		} else {
			listener.AttributeChanged(r, AttributeAdded, name, value)
		}
	}
}

// RemoveAttribute deletes the attribute stored under name.
func (r *Request) RemoveAttribute(name string) {
	old, removed := r.attributes.LoadAndDelete(name)
	if listener := r.ctx.attributeListener; listener != nil && removed {
		listener.AttributeChanged(r, AttributeRemoved, name, old)
	}
}

// AttributeNames returns the names of all attributes, sorted.
func (r *Request) AttributeNames() []string {
	names := make([]string, 0, r.attributes.Size())
	r.attributes.Range(func(name string, _ any) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// RemoteAddr returns the IP address of the client.
func (r *Request) RemoteAddr() string {
	host, _ := r.remote()
	return host
}

// RemoteHost returns the client host. Names are not resolved, so this is
// the same as RemoteAddr.
func (r *Request) RemoteHost() string {
	return r.RemoteAddr()
}

// RemotePort returns the client port, or 0 if unknown.
func (r *Request) RemotePort() int {
	_, port := r.remote()
	return port
}

// LocalAddr returns the IP address the request was received on.
func (r *Request) LocalAddr() string {
	host, _ := r.local()
	return host
}

// LocalName returns the host name the request was received on. Names are
// not resolved, so this is the same as LocalAddr.
func (r *Request) LocalName() string {
	return r.LocalAddr()
}

// LocalPort returns the port the request was received on, or 0 if
// unknown.
func (r *Request) LocalPort() int {
	_, port := r.local()
	return port
}

func (r *Request) remote() (string, int) {
	if r.conn == nil {
		return "", 0
	}
	return splitAddr(r.conn.RemoteAddr())
}

func (r *Request) local() (string, int) {
	if r.conn == nil {
		return "", 0
	}
	return splitAddr(r.conn.LocalAddr())
}

func splitAddr(addr net.Addr) (string, int) {
	switch addr := addr.(type) {
	case nil:
		return "", 0
	case *net.TCPAddr:
		return addr.IP.String(), addr.Port
	case *net.UDPAddr:
		return addr.IP.String(), addr.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// AuthType returns the authentication scheme, or "" when there is no
// Authenticator or the request is not authenticated.
func (r *Request) AuthType() string {
	if r.ctx.authenticator == nil {
		return ""
	}
	return r.ctx.authenticator.AuthType(r)
}

// UserPrincipal returns the authenticated user, or "".
func (r *Request) UserPrincipal() string {
	if r.ctx.authenticator == nil {
		return ""
	}
	return r.ctx.authenticator.UserPrincipal(r)
}

// RemoteUser is the same as UserPrincipal.
func (r *Request) RemoteUser() string {
	return r.UserPrincipal()
}

func (r *Request) IsUserInRole(role string) bool {
	if r.ctx.authenticator == nil {
		return false
	}
	return r.ctx.authenticator.IsUserInRole(r, role)
}

// AcceptsEncoding reports whether the client lists the content coding
// name in Accept-Encoding with a non-zero quality.
func (r *Request) AcceptsEncoding(name string) bool {
	return acceptsToken(r.Headers("Accept-Encoding"), name)
}

// acceptsChunked reports whether the response to r may use chunked
// transfer encoding.
func (r *Request) acceptsChunked() bool {
	if major, minor, ok := http.ParseHTTPVersion(r.msg.Proto); ok && (major > 1 || major == 1 && minor >= 1) {
		return true
	}
	return acceptsToken(r.Headers("TE"), "chunked")
}
