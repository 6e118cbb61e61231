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
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	CompressionGzip     = "gzip"
	CompressionIdentity = "identity"
)

// SetContentEncoding records that the body will be sent with the named
// content coding. It only maintains the headers: Content-Encoding is set,
// Vary gains Accept-Encoding and any declared Content-Length is dropped,
// since it would describe the uncompressed body. Encoding the body is left
// to the caller.
func (r *Response) SetContentEncoding(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommittedLocked() {
		return
	}
	if name == "" || strings.EqualFold(name, CompressionIdentity) {
		r.header.Del("Content-Encoding")
		return
	}
	if !httpguts.ValidHeaderFieldValue(name) {
		return
	}
	r.header.Set("Content-Encoding", name)
	if !httpguts.HeaderValuesContainsToken(r.header.Values("Vary"), "Accept-Encoding") {
		r.header.Add("Vary", "Accept-Encoding")
	}
	r.contentLength = -1
}

// ContentEncoding returns the content coding set with SetContentEncoding,
// or "" for identity.
func (r *Response) ContentEncoding() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Get("Content-Encoding")
}

// acceptsToken reports whether a comma separated header such as
// Accept-Encoding or TE lists token without a zero quality value.
// HeaderValuesContainsToken only matches items without parameters, so
// items like "gzip;q=0.5" are checked by their quality.
func acceptsToken(values []string, token string) bool {
	if httpguts.HeaderValuesContainsToken(values, token) {
		return true
	}
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			name, params, _ := strings.Cut(item, ";")
			if !strings.EqualFold(strings.TrimSpace(name), token) {
				continue
			}
			if quality(params) > 0 {
				return true
			}
		}
	}
	return false
}

// quality returns the q parameter of a header list item, or 1.
func quality(params string) float64 {
	for _, param := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0
		}
		return q
	}
	return 1
}
