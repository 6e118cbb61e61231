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
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncContext continues an exchange after its handler has returned. The
// exchange is finished by Complete, or by the timeout configured as
// AsyncTimeout, whichever comes first.
type AsyncContext struct {
	exchange Exchange
	req      *Request
	ctx      *Context
	timeout  time.Duration

	runCtx context.Context //nolint:containedctx
	cancel context.CancelFunc
	timer  *time.Timer
	done   chan struct{}

	completed atomic.Bool
	doneOnce  sync.Once
	err       error
}

// StartAsync puts the request into asynchronous mode: the exchange is no
// longer finished when the handler returns. Calling it again returns the
// same AsyncContext.
func (r *Request) StartAsync() (*AsyncContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.asyncUnsupported {
		return nil, ErrAsyncNotSupported
	}
	if r.async != nil {
		return r.async, nil
	}
	async := &AsyncContext{
		exchange: r.tx.exchange(),
		req:      r,
		ctx:      r.ctx,
		timeout:  r.ctx.config.AsyncTimeout,
		done:     make(chan struct{}),
	}
	async.runCtx, async.cancel = context.WithCancel(context.Background())
	if async.timeout > 0 {
		async.timer = time.AfterFunc(async.timeout, async.expire)
	}
	r.async = async
	return async, nil
}

// IsAsyncStarted reports whether StartAsync has been called.
func (r *Request) IsAsyncStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.async != nil
}

// IsAsyncSupported reports whether StartAsync may be called.
func (r *Request) IsAsyncSupported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.asyncUnsupported
}

// SetAsyncSupported enables or disables StartAsync for this request.
func (r *Request) SetAsyncSupported(supported bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asyncUnsupported = !supported
}

// AsyncContext returns the context created by StartAsync, or nil.
func (r *Request) AsyncContext() *AsyncContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.async
}

// Request returns the request of the exchange. It panics with
// ErrStaleHandle once the exchange has completed.
func (a *AsyncContext) Request() *Request {
	return a.exchange.Request()
}

// Response returns the response of the exchange. It panics with
// ErrStaleHandle once the exchange has completed.
func (a *AsyncContext) Response() *Response {
	return a.exchange.Response()
}

// Context returns a context that is canceled when the exchange completes
// or times out.
func (a *AsyncContext) Context() context.Context {
	return a.runCtx
}

// Done is closed once the exchange has been finished.
func (a *AsyncContext) Done() <-chan struct{} {
	return a.done
}

// Err waits for Done and returns the error from finishing the exchange.
func (a *AsyncContext) Err() error {
	<-a.done
	return a.err
}

// Start runs fn on a new goroutine and completes the exchange when fn
// returns. At most MaxAsyncWorkers functions run at once across the
// Context; Start waits for a free slot and fails if the exchange times out
// first.
func (a *AsyncContext) Start(fn func(ctx context.Context)) error {
	if err := a.ctx.asyncWorkers.Acquire(a.runCtx, 1); err != nil {
		return err
	}
	go func() {
		defer a.ctx.asyncWorkers.Release(1)
		fn(a.runCtx)
		_ = a.Complete()
	}()
	return nil
}

// Complete finishes the exchange. Only the first call, or the timeout,
// has an effect. It returns ErrStaleHandle if the exchange was released
// without being completed.
func (a *AsyncContext) Complete() error {
	if !a.completed.CompareAndSwap(false, true) {
		return nil
	}
	return a.finish()
}

func (a *AsyncContext) expire() {
	if !a.completed.CompareAndSwap(false, true) {
		return
	}
	a.cancel()
	tx, err := a.exchange.handle.Value()
	if err != nil {
		a.finished(err)
		return
	}
	a.ctx.logger.Warn("asynchronous processing timed out",
		"uri", tx.req.RequestURI(),
		"timeout", a.timeout,
	)
	if resp := &tx.resp; !resp.IsCommitted() {
		_ = resp.SendError(http.StatusInternalServerError, "")
	}
	_ = a.finish()
}

func (a *AsyncContext) finish() error {
	a.stop()
	if _, err := a.exchange.handle.Value(); err != nil {
		a.finished(err)
		return err
	}
	deferred, err := a.req.deferFinish(a)
	if err != nil {
		a.finished(err)
		return err
	}
	if deferred {
		return nil
	}
	err = a.exchange.Finish()
	a.finished(err)
	return err
}

func (a *AsyncContext) stop() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.cancel()
}

func (a *AsyncContext) finished(err error) {
	a.doneOnce.Do(func() {
		a.err = err
		close(a.done)
	})
}

// abandon is called when the request is recycled. An exchange released
// without being completed leaves its AsyncContext done with ErrStaleHandle.
func (a *AsyncContext) abandon() {
	a.stop()
	if !a.completed.Load() {
		a.finished(ErrStaleHandle)
	}
}

func (r *Request) beginDispatch() {
	r.mu.Lock()
	r.dispatching = true
	r.mu.Unlock()
}

// endDispatch returns the asynchronous context, if any, and whether the
// caller must finish the exchange now.
func (r *Request) endDispatch() (*AsyncContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatching = false
	if r.async == nil {
		return nil, true
	}
	return r.async, r.finishPending
}

// deferFinish reports whether finishing has been handed to the running
// dispatch. It fails with ErrStaleHandle when a no longer belongs to r.
func (r *Request) deferFinish(a *AsyncContext) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.async != a {
		return false, ErrStaleHandle
	}
	if r.dispatching {
		r.finishPending = true
	}
	return r.dispatching, nil
}
