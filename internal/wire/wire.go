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

// Package wire frames HTTP/1.x messages read from a connection into
// exchange messages.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bufbuild/exchange"
)

// DefaultMaxBodyBytes is the body limit used when none is configured.
const DefaultMaxBodyBytes = 32 << 20

// ErrBodyTooLarge is returned when a request body exceeds the limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Reader reads consecutive requests from one connection.
type Reader struct {
	src          *bufio.Reader
	maxBodyBytes int64
}

// NewReader returns a Reader over src. A non-positive maxBodyBytes selects
// DefaultMaxBodyBytes.
func NewReader(src io.Reader, maxBodyBytes int64) *Reader {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Reader{src: bufio.NewReader(src), maxBodyBytes: maxBodyBytes}
}

// ReadMessage reads the next request, including its whole body. Chunked
// bodies are decoded and the message then carries a Content-Length for
// the decoded body. The returned bool reports whether the client asked
// for the connection to be closed after the response.
func (r *Reader) ReadMessage() (exchange.Message, bool, error) {
	req, err := http.ReadRequest(r.src)
	if err != nil {
		return exchange.Message{}, true, err
	}
	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxBodyBytes+1))
	if err != nil {
		return exchange.Message{}, true, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > r.maxBodyBytes {
		return exchange.Message{}, true, ErrBodyTooLarge
	}
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if req.Host != "" {
		header.Set("Host", req.Host)
	}
	header.Del("Transfer-Encoding")
	if len(body) > 0 || header.Get("Content-Length") != "" {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	msg := exchange.Message{
		Method: req.Method,
		URI:    req.RequestURI,
		Proto:  req.Proto,
		Header: header,
		Body:   body,
	}
	return msg, req.Close, nil
}
