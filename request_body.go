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
	"net/http"
	"net/url"
	"slices"
	"strings"
)

const (
	mediaTypeForm      = "application/x-www-form-urlencoded"
	mediaTypeMultipart = "multipart/form-data"
)

// Parameters returns a copy of the request parameters: query parameters
// first, then form parameters from a POST body. The error is the body
// decode failure, if any; the parameters decoded before it are still
// returned.
func (r *Request) Parameters() (url.Values, error) {
	var values url.Values
	var err error
	r.withForm(false, func() {
		values = make(url.Values, len(r.params))
		for name, list := range r.params {
			values[name] = slices.Clone(list)
		}
		err = r.bodyErrLocked()
	})
	return values, err
}

// Parameter returns the first value of the named parameter, or "".
func (r *Request) Parameter(name string) string {
	var value string
	r.withForm(false, func() {
		if list := r.params[name]; len(list) > 0 {
			value = list[0]
		}
	})
	return value
}

// ParameterValues returns every value of the named parameter.
func (r *Request) ParameterValues(name string) []string {
	var values []string
	r.withForm(false, func() {
		values = slices.Clone(r.params[name])
	})
	return values
}

// ParameterNames returns parameter names in order of first appearance.
func (r *Request) ParameterNames() []string {
	var names []string
	r.withForm(false, func() {
		names = slices.Clone(r.paramNames)
	})
	return names
}

// SetMultipartConfig overrides the context's multipart configuration for
// this request. It has no effect once the body has been decoded.
func (r *Request) SetMultipartConfig(cfg MultipartConfig) {
	r.formMu.Lock()
	defer r.formMu.Unlock()
	r.multipart = &cfg
}

// Parts decodes the body and returns its parts. Form fields become text
// parts and uploaded files become file parts.
func (r *Request) Parts() ([]Part, error) {
	var parts []Part
	var err error
	r.withForm(true, func() {
		parts = slices.Clone(r.parts)
		err = r.bodyErrLocked()
	})
	return parts, err
}

// Part returns the first part with the given name, or nil.
func (r *Request) Part(name string) (Part, error) {
	parts, err := r.Parts()
	for _, part := range parts {
		if part.Name() == name {
			return part, err
		}
	}
	return nil, err
}

// withForm decodes what is still needed and runs read with the form state
// locked. A decode failure raised on the way is reported once the lock is
// released, so attribute listeners may read the form again.
func (r *Request) withForm(withParts bool, read func()) {
	r.formMu.Lock()
	r.decodeURLParametersLocked()
	var failed *RequestError
	if !r.bodyDecoded && (withParts || r.hasFormBody()) {
		failed = r.decodeBodyLocked(withParts)
	}
	read()
	r.formMu.Unlock()
	if failed != nil {
		r.reportBodyFailure(failed)
	}
}

func (r *Request) bodyErrLocked() error {
	if r.bodyErr == nil {
		return nil
	}
	return r.bodyErr
}

func (r *Request) hasFormBody() bool {
	return strings.EqualFold(r.Method(), http.MethodPost) &&
		r.ContentLength() > 0 &&
		mediaType(r.ContentType()) == mediaTypeForm
}

func (r *Request) decodeURLParametersLocked() {
	if r.urlDecoded {
		return
	}
	decodeURLValues(r.QueryString(), r.decodingCharset(), r.addParameter)
	r.urlDecoded = true
}

func (r *Request) addParameter(name, value string) {
	if _, ok := r.params[name]; !ok {
		r.paramNames = append(r.paramNames, name)
	}
	r.params[name] = append(r.params[name], value)
}

// decodingCharset resolves the request encoding for parameter decoding.
// An unknown charset falls back to the configured default.
func (r *Request) decodingCharset() string {
	name := r.CharacterEncoding()
	if _, err := lookupEncoding(name); err != nil {
		r.ctx.logger.Debug("unknown request charset, using default",
			"charset", name,
			"default", r.ctx.config.RequestCharacterEncoding,
		)
		return r.ctx.config.RequestCharacterEncoding
	}
	return name
}

func (r *Request) multipartConfigLocked() MultipartConfig {
	if r.multipart != nil {
		return *r.multipart
	}
	return r.ctx.config.Multipart
}

// decodeBodyLocked decodes the body once and returns the failure, if any.
func (r *Request) decodeBodyLocked(withParts bool) *RequestError {
	r.bodyDecoded = true
	cfg := r.multipartConfigLocked()
	manager, err := r.ctx.resources.Get(cfg.Location)
	if err != nil {
		r.bodyErr = newRequestError(KindIO, "decode body", err)
		return r.bodyErr
	}
	dec := &formDecoder{
		charset:   r.decodingCharset(),
		config:    cfg,
		manager:   manager,
		withParts: withParts,
		addParam:  r.addParameter,
		logger:    r.ctx.logger,
	}
	contentType := r.ContentType()
	if mediaType(contentType) == mediaTypeMultipart {
		err = dec.decodeMultipart(r.msg.Body, contentType)
	} else {
		err = dec.decodeForm(r.msg.Body)
	}
	r.parts = append(r.parts, dec.parts...)
	if err != nil {
		r.bodyErr = asRequestError(err)
		return r.bodyErr
	}
	return nil
}

// reportBodyFailure attaches the status and the cause of a body decode
// failure to the request attributes for whoever reports the failure.
func (r *Request) reportBodyFailure(err *RequestError) {
	r.SetAttribute(AttrErrorStatusCode, err.Status)
	r.SetAttribute(AttrErrorException, err)
	r.ctx.metrics.decodeFailed(err.Kind)
	r.ctx.logger.Debug("failed to decode request body",
		"kind", err.Kind.String(),
		"uri", r.RequestURI(),
		"error", err.Cause,
	)
}
