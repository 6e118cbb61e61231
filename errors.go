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
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCommitted is returned by operations that are not allowed once the
	// response status and headers can no longer change.
	ErrCommitted = errors.New("cannot perform this operation after response has been committed")
	// ErrStaleHandle is returned when a handle is used after the instance
	// it refers to has been recycled.
	ErrStaleHandle = errors.New("handle refers to a recycled instance")
	// ErrStreamClosed is returned when writing to a response whose output
	// stream has already been closed.
	ErrStreamClosed = errors.New("output stream is closed")
	// ErrAsyncNotSupported is returned by StartAsync when asynchronous
	// processing was disabled for the request.
	ErrAsyncNotSupported = errors.New("asynchronous processing is not supported")
	// ErrInputStreamInUse is returned by Reader after InputStream was called.
	ErrInputStreamInUse = errors.New("InputStream has already been called for this request")
	// ErrReaderInUse is returned by InputStream after Reader was called.
	ErrReaderInUse = errors.New("Reader has already been called for this request") //nolint:stylecheck
	// ErrNoSessionStore is returned by session operations when the context
	// has no session store.
	ErrNoSessionStore = errors.New("no session store configured")
	// ErrRegistryClosed is returned by a resource registry after Close.
	ErrRegistryClosed = errors.New("resource registry is closed")
)

// Request attributes set when decoding the body fails, so that whatever
// reports the failure later can find the status and the cause.
const (
	AttrErrorStatusCode = "exchange.error.status_code"
	AttrErrorException  = "exchange.error.exception"
)

// ErrorKind classifies failures raised while decoding a request body.
type ErrorKind uint8

const (
	KindIO ErrorKind = iota + 1
	KindMalformedState
	KindMalformedArgument
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindMalformedState:
		return "malformed state"
	case KindMalformedArgument:
		return "malformed argument"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// RequestError is a classified failure to decode a request body. Status is
// the response code the failure should be reported with.
type RequestError struct {
	Kind   ErrorKind
	Status int
	Op     string
	Cause  error
}

func newRequestError(kind ErrorKind, op string, cause error) *RequestError {
	return &RequestError{
		Kind:   kind,
		Status: http.StatusBadRequest,
		Op:     op,
		Cause:  cause,
	}
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Cause)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// HeaderError reports a request header that could not be converted to the
// requested type.
type HeaderError struct {
	Name  string
	Value string
	Err   error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("header %s: cannot parse %q: %v", e.Name, e.Value, e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

// CharsetError reports a character encoding name that is not recognized.
type CharsetError struct {
	Charset string
	Err     error
}

func (e *CharsetError) Error() string {
	return fmt.Sprintf("unsupported character encoding %q: %v", e.Charset, e.Err)
}

func (e *CharsetError) Unwrap() error {
	return e.Err
}

type httpError struct {
	code    int
	message string
}

func (e *httpError) Error() string {
	if e.message != "" {
		return e.message
	}
	return http.StatusText(e.code)
}

func (e *httpError) Encode(resp *Response) error {
	return resp.SendError(e.code, e.message)
}

// asHTTPError maps an error returned by a handler to the response status
// it should be reported with.
func asHTTPError(err error) *httpError {
	if err == nil {
		return &httpError{code: http.StatusOK}
	}
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return &httpError{code: reqErr.Status}
	}
	var hdrErr *HeaderError
	if errors.As(err, &hdrErr) {
		return &httpError{code: http.StatusBadRequest}
	}
	var charsetErr *CharsetError
	if errors.As(err, &charsetErr) {
		return &httpError{code: http.StatusBadRequest}
	}
	return &httpError{code: http.StatusInternalServerError}
}

// Error returns an error that, when returned from a Handler, is reported
// to the client with the given status code and message.
func Error(code int, message string) error {
	return &httpError{code: code, message: message}
}
