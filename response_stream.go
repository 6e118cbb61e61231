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
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

type streamKind uint8

const (
	// streamBuffered holds the body until the exchange finishes, so that
	// Content-Length can be computed.
	streamBuffered streamKind = iota
	// streamChunked writes through to the connection with chunked
	// transfer encoding. The head has been written.
	streamChunked
	// streamClosed accepts no more writes.
	streamClosed
)

func (k streamKind) String() string {
	switch k {
	case streamBuffered:
		return "buffered"
	case streamChunked:
		return "chunked"
	default:
		return "closed"
	}
}

// outputStream is exactly one of its kinds at a time. Only the fields of
// the current kind are set.
type outputStream struct {
	kind    streamKind
	buffer  *bytebufferpool.ByteBuffer
	chunked io.WriteCloser
}

type responseBody struct {
	resp *Response
}

func (b responseBody) Write(data []byte) (int, error) {
	return b.resp.write(data)
}

// OutputStream returns a writer for raw body bytes.
func (r *Response) OutputStream() io.Writer {
	return responseBody{resp: r}
}

// Writer returns a writer that encodes text in the response character
// encoding. If no encoding was selected, text/html bodies use ISO-8859-1
// and everything else uses the configured response encoding. After the
// first call, the encoding can no longer change.
func (r *Response) Writer() (io.Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil {
		return r.writer, nil
	}
	charset := r.charset
	if charset == "" {
		charset = r.ctx.config.ResponseCharacterEncoding
		if mediaType(r.contentType) == "text/html" {
			charset = defaultDocumentCharset
		}
	}
	enc, err := lookupEncoding(charset)
	if err != nil {
		return nil, err
	}
	r.charset = charset
	var writer io.Writer = responseBody{resp: r}
	if !isUTF8(enc) {
		writer = transform.NewWriter(writer, encoding.ReplaceUnsupported(enc.NewEncoder()))
	}
	r.writer = writer
	return writer, nil
}

// SetBufferSize sets how many body bytes are buffered before the response
// switches to chunked encoding. Zero or negative buffers everything.
func (r *Response) SetBufferSize(size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return ErrCommitted
	}
	r.bufferSize = size
	return nil
}

func (r *Response) BufferSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufferSize
}

// IsChunked reports whether the body is being sent with chunked encoding.
func (r *Response) IsChunked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream.kind == streamChunked
}

// SwitchToChunked commits the response and streams the body with chunked
// transfer encoding from now on. Bytes already buffered are sent first.
// It does nothing if the body is not buffered, or if the client cannot
// receive a chunked body.
func (r *Response) SwitchToChunked() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.switchToChunkedLocked()
}

func (r *Response) switchToChunkedLocked() error {
	if r.stream.kind != streamBuffered || !r.canChunkLocked() {
		return nil
	}
	if err := r.writeHeadLocked(true); err != nil {
		return err
	}
	buffered := r.stream.buffer
	chunked := httputil.NewChunkedWriter(r.out)
	r.stream = outputStream{kind: streamChunked, chunked: chunked}
	defer r.ctx.buffers.Put(buffered)
	if len(buffered.B) > 0 {
		if _, err := chunked.Write(buffered.B); err != nil {
			return err
		}
	}
	return nil
}

func (r *Response) canChunkLocked() bool {
	return r.tx.req.acceptsChunked() && !r.isHead() && bodyAllowedForStatus(r.status)
}

// FlushBuffer commits the response and sends what has been buffered. When
// the client cannot receive a chunked body, the body stays buffered until
// the exchange finishes.
func (r *Response) FlushBuffer() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream.kind == streamClosed {
		return nil
	}
	r.committed = true
	if err := r.switchToChunkedLocked(); err != nil {
		return err
	}
	if flusher, ok := r.out.(interface{ Flush() error }); ok && r.stream.kind == streamChunked {
		return flusher.Flush()
	}
	return nil
}

func (r *Response) write(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suspended {
		return len(data), nil
	}
	switch r.stream.kind {
	case streamClosed:
		return 0, ErrStreamClosed
	case streamChunked:
		return r.stream.chunked.Write(data)
	}
	n, _ := r.stream.buffer.Write(data)
	if r.bufferSize > 0 && r.stream.buffer.Len() > r.bufferSize {
		if err := r.switchToChunkedLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// finish sends whatever has not been sent yet and closes the stream.
func (r *Response) finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	switch r.stream.kind {
	case streamBuffered:
		body := r.stream.buffer.B
		if !bodyAllowedForStatus(r.status) {
			body = nil
		}
		if !r.headWritten {
			if !r.isHead() || r.contentLength < 0 {
				r.contentLength = int64(len(body))
			}
			err = r.writeHeadLocked(false)
		}
		if err == nil && len(body) > 0 && !r.isHead() {
			_, err = r.out.Write(body)
		}
		r.ctx.buffers.Put(r.stream.buffer)
	case streamChunked:
		err = r.stream.chunked.Close()
		if err == nil {
			_, err = io.WriteString(r.out, "\r\n")
		}
	}
	r.stream = outputStream{kind: streamClosed}
	if flusher, ok := r.out.(interface{ Flush() error }); ok && err == nil {
		err = flusher.Flush()
	}
	return err
}

// writeHeadLocked writes the status line and headers. It commits the
// response and only ever writes once.
func (r *Response) writeHeadLocked(chunked bool) error {
	if r.headWritten {
		return nil
	}
	r.headWritten = true
	r.committed = true
	if session := r.tx.req.boundSession(); session != nil && session.needsCookie() {
		r.cookies = append(r.cookies, r.sessionCookie(session))
	}

	header := r.header.Clone()
	if contentType := r.contentTypeLocked(); contentType != "" {
		header.Set("Content-Type", contentType)
	}
	switch {
	case chunked:
		header.Del("Content-Length")
		header.Set("Transfer-Encoding", "chunked")
	case !bodyAllowedForStatus(r.status):
		header.Del("Content-Length")
	case r.contentLength >= 0:
		header.Set("Content-Length", strconv.FormatInt(r.contentLength, 10))
	}
	if r.localeSet && header.Get("Content-Language") == "" {
		header.Set("Content-Language", r.locale.String())
	}
	if header.Get("Date") == "" {
		header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	for _, cookie := range r.cookies {
		if value := cookie.String(); value != "" {
			header.Add("Set-Cookie", value)
		}
	}

	head := r.ctx.buffers.Get()
	defer r.ctx.buffers.Put(head)
	proto := "HTTP/1.1"
	if r.tx.req.Protocol() == "HTTP/1.0" {
		proto = "HTTP/1.0"
	}
	_, _ = fmt.Fprintf(head, "%s %d %s\r\n", proto, r.status, r.reasonLocked())
	if err := header.Write(head); err != nil {
		return err
	}
	_, _ = head.WriteString("\r\n")
	_, err := r.out.Write(head.B)
	return err
}

func (r *Response) isHead() bool {
	return r.tx.req.Method() == http.MethodHead
}

// bodyAllowedForStatus reports whether a response with the given status
// may carry a body.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
