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

// Package exchange implements the server side of HTTP request/response
// exchanges for application handlers.
//
// A Context owns the configuration and the shared state, such as the pool
// of exchanges, the session store and the resource registry. The transport
// hands it fully framed messages with Acquire or Serve. Every derived view
// of the request is decoded lazily on first access and cached until the
// exchange is finished and recycled.
package exchange

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bufbuild/exchange/internal/snowflake"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/language"
)

const (
	maxNodeID = snowflake.MaxNode

	defaultSessionCleanupInterval = time.Minute
)

// Message is one fully framed inbound HTTP message.
type Message struct {
	// Method is the request method, such as "GET".
	Method string
	// URI is the request target exactly as it appeared on the request line,
	// including the query string.
	URI string
	// Proto is the protocol token of the request line, such as "HTTP/1.1".
	Proto  string
	Header http.Header
	Body   []byte
}

// Conn describes the connection a message arrived on. net.Conn satisfies
// it.
type Conn interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Context is the deployment-wide state shared by all exchanges: the
// configuration, the pool of request/response pairs, the session store and
// the resource registry used to spill uploaded files.
//
// A Context is safe for concurrent use. Create one with NewContext and
// release its resources with Close.
type Context struct {
	// config is the validated configuration.
	config Config
	// logger receives structured logs. It is never nil.
	logger *slog.Logger
	// sessions backs Request.Session. When nil, session operations fail
	// with ErrNoSessionStore.
	sessions        SessionStore
	sessionStoreSet bool
	// resourceFs is the file system uploaded files are spilled to.
	resourceFs afero.Fs
	resources  *ResourceRegistry
	// metrics is optional; a nil value records nothing.
	metrics *Metrics

	attributeListener AttributeListener
	sessionIDListener SessionIDListener
	authenticator     Authenticator

	ids           *snowflake.Generator
	defaultLocale language.Tag
	pool          *Pool[transaction]
	buffers       *bufferPool
	asyncWorkers  *semaphore.Weighted
}

// ContextOption configures optional collaborators of a Context.
type ContextOption interface {
	apply(*Context)
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) ContextOption {
	return contextOptionFunc(func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithSessionStore sets the session store. The default is a
// MemorySessionStore. A nil store disables sessions.
func WithSessionStore(store SessionStore) ContextOption {
	return contextOptionFunc(func(c *Context) {
		c.sessions = store
		c.sessionStoreSet = true
	})
}

// WithResourceFs sets the file system that resource managers write to. The
// default is the operating system's file system.
func WithResourceFs(fs afero.Fs) ContextOption {
	return contextOptionFunc(func(c *Context) {
		if fs != nil {
			c.resourceFs = fs
		}
	})
}

// WithMetrics reports pool, decode and resource metrics to m.
func WithMetrics(m *Metrics) ContextOption {
	return contextOptionFunc(func(c *Context) {
		c.metrics = m
	})
}

// WithAttributeListener registers a listener for request attribute
// changes.
func WithAttributeListener(listener AttributeListener) ContextOption {
	return contextOptionFunc(func(c *Context) {
		c.attributeListener = listener
	})
}

// WithSessionIDListener registers a listener that is told when a request
// changes its session id.
func WithSessionIDListener(listener SessionIDListener) ContextOption {
	return contextOptionFunc(func(c *Context) {
		c.sessionIDListener = listener
	})
}

// WithAuthenticator sets the hook behind the authentication accessors of
// Request.
func WithAuthenticator(auth Authenticator) ContextOption {
	return contextOptionFunc(func(c *Context) {
		c.authenticator = auth
	})
}

type contextOptionFunc func(*Context)

func (f contextOptionFunc) apply(c *Context) {
	f(c)
}

// NewContext validates cfg and returns a Context ready to accept messages.
func NewContext(cfg Config, opts ...ContextOption) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := &Context{
		config:     cfg,
		logger:     slog.Default(),
		resourceFs: afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt.apply(ctx)
	}
	if !ctx.sessionStoreSet {
		ctx.sessions = NewMemorySessionStore(cfg.SessionTimeout, defaultSessionCleanupInterval)
	}
	ids, err := snowflake.New(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	ctx.ids = ids
	ctx.defaultLocale = language.Make(cfg.DefaultLocale)
	ctx.resources = NewResourceRegistry(ctx.resourceFs, cfg.Multipart.Location)
	ctx.resources.metrics = ctx.metrics
	ctx.buffers = newBufferPool()
	ctx.asyncWorkers = semaphore.NewWeighted(cfg.MaxAsyncWorkers)
	ctx.pool = NewPool(cfg.PoolCapacity, ctx.newTransaction, (*transaction).recycle)
	ctx.pool.metrics = ctx.metrics
	return ctx, nil
}

// Config returns the configuration the context was created with.
func (c *Context) Config() Config {
	return c.config
}

// Logger returns the context's logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Resources returns the registry of resource managers.
func (c *Context) Resources() *ResourceRegistry {
	return c.resources
}

// Sessions returns the session store, which may be nil.
func (c *Context) Sessions() SessionStore {
	return c.sessions
}

// Close releases the resource registry. Exchanges still in flight may
// keep using managers they already hold.
func (c *Context) Close() error {
	return c.resources.Close()
}

// Acquire wraps msg in a pooled exchange whose response is written to out
// when the exchange is finished. conn may be nil when there is no
// connection, as in tests.
func (c *Context) Acquire(conn Conn, msg Message, out io.Writer) Exchange {
	handle := c.pool.Acquire()
	tx := handle.slot.value
	tx.bind(handle, conn, msg, out)
	return Exchange{pool: c.pool, handle: handle}
}

// transaction is the pooled unit: a request and the response to it.
type transaction struct {
	ctx    *Context
	handle Handle[transaction]
	req    Request
	resp   Response
}

func (c *Context) newTransaction() *transaction {
	tx := &transaction{ctx: c}
	tx.req.init(tx)
	tx.resp.init(tx)
	return tx
}

func (tx *transaction) bind(handle Handle[transaction], conn Conn, msg Message, out io.Writer) {
	tx.handle = handle
	tx.req.bind(conn, msg)
	tx.resp.bind(out)
}

func (tx *transaction) exchange() Exchange {
	return Exchange{pool: tx.ctx.pool, handle: tx.handle}
}

func (tx *transaction) finish() error {
	return tx.resp.finish()
}

func (tx *transaction) recycle() {
	tx.req.recycle()
	tx.resp.recycle()
	tx.handle = Handle[transaction]{}
}

// Exchange is a handle to one in-flight request and its response. It is a
// small value that may be copied; all copies become stale once the
// exchange is finished or released.
type Exchange struct {
	pool   *Pool[transaction]
	handle Handle[transaction]
}

func (e Exchange) transaction() *transaction {
	tx, err := e.handle.Value()
	if err != nil {
		panic(err)
	}
	return tx
}

// Request returns the request. It panics with ErrStaleHandle if the
// exchange has already been recycled.
func (e Exchange) Request() *Request {
	return &e.transaction().req
}

// Response returns the response. It panics with ErrStaleHandle if the
// exchange has already been recycled.
func (e Exchange) Response() *Response {
	return &e.transaction().resp
}

// Valid reports whether the exchange has not been recycled yet.
func (e Exchange) Valid() bool {
	return e.handle.Valid()
}

// Finish writes the response to the output and recycles the exchange.
// Exactly one call to Finish or Release succeeds for an exchange; later
// calls return ErrStaleHandle.
func (e Exchange) Finish() error {
	if e.pool == nil {
		return ErrStaleHandle
	}
	return e.pool.ReleaseWith(e.handle, (*transaction).finish)
}

// Release recycles the exchange without writing anything, for use when
// the connection is gone.
func (e Exchange) Release() error {
	if e.pool == nil {
		return ErrStaleHandle
	}
	return e.pool.Release(e.handle)
}
