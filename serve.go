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
	"io"
	"net/http"
	"runtime/debug"
)

// Handler handles an exchange. A returned error is reported to the client
// with SendError when the response is not committed yet.
type Handler interface {
	ServeExchange(req *Request, resp *Response) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request, resp *Response) error

func (f HandlerFunc) ServeExchange(req *Request, resp *Response) error {
	return f(req, resp)
}

// Serve runs handler for msg and writes the response to out. Unless the
// handler started asynchronous processing, the exchange is finished and
// recycled before Serve returns. An asynchronous exchange completed while
// the handler was still running is finished when the handler returns. A
// panic in the handler is recovered and answered with 500 Internal Server
// Error if the response allows it.
func (c *Context) Serve(conn Conn, msg Message, out io.Writer, handler Handler) error {
	exchange := c.Acquire(conn, msg, out)
	req, resp := exchange.Request(), exchange.Response()
	req.beginDispatch()
	c.dispatch(req, resp, handler)
	async, finishNow := req.endDispatch()
	if !finishNow {
		return nil
	}
	err := exchange.Finish()
	if async != nil {
		async.finished(err)
	}
	return err
}

func (c *Context) dispatch(req *Request, resp *Response, handler Handler) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("handler panicked",
				"method", req.Method(),
				"uri", req.RequestURI(),
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
			if !resp.IsCommitted() {
				_ = resp.SendError(http.StatusInternalServerError, "")
			}
		}
	}()
	err := handler.ServeExchange(req, resp)
	if err == nil {
		return
	}
	httpErr := asHTTPError(err)
	c.logger.Debug("handler failed",
		"method", req.Method(),
		"uri", req.RequestURI(),
		"status", httpErr.code,
		"error", err,
	)
	if resp.IsCommitted() {
		return
	}
	if encodeErr := httpErr.Encode(resp); encodeErr != nil {
		c.logger.Debug("failed to report handler error", "error", encodeErr)
	}
}
