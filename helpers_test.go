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
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type testConn struct {
	local, remote net.Addr
}

func (c testConn) LocalAddr() net.Addr  { return c.local }
func (c testConn) RemoteAddr() net.Addr { return c.remote }

func newTestConn() testConn {
	return testConn{
		local:  &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8080},
		remote: &net.TCPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 51234},
	}
}

func newTestContext(t *testing.T, configure func(*Config), opts ...ContextOption) *Context {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Multipart.Location = "/uploads"
	if configure != nil {
		configure(&cfg)
	}
	opts = append([]ContextOption{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithResourceFs(afero.NewMemMapFs()),
	}, opts...)
	ctx, err := NewContext(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// newMessage builds a message. The body, when not empty, gets a matching
// Content-Length header. Header pairs are given as name, value, ...
func newMessage(method, uri string, body string, header ...string) Message {
	msg := Message{
		Method: method,
		URI:    uri,
		Proto:  "HTTP/1.1",
		Header: make(http.Header),
		Body:   []byte(body),
	}
	for i := 0; i+1 < len(header); i += 2 {
		msg.Header.Add(header[i], header[i+1])
	}
	if body != "" {
		msg.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return msg
}

func acquire(t *testing.T, ctx *Context, msg Message) (Exchange, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	exchange := ctx.Acquire(newTestConn(), msg, &out)
	t.Cleanup(func() { _ = exchange.Release() })
	return exchange, &out
}

func readResponse(t *testing.T, out *bytes.Buffer, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(out), &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}
