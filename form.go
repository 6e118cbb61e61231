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
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"golang.org/x/text/encoding"
)

const spillChunkSize = 32 * 1024

// decodeURLValues splits an application/x-www-form-urlencoded string and
// passes each pair to add in order. Names and values are unescaped and
// converted from charset to UTF-8. A component with an invalid escape is
// passed through as is.
func decodeURLValues(raw, charset string, add func(name, value string)) {
	if raw == "" {
		return
	}
	enc, err := lookupEncoding(charset)
	if err != nil {
		enc = nil
	}
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		add(unescapeComponent(name, enc), unescapeComponent(value, enc))
	}
}

func unescapeComponent(component string, enc encoding.Encoding) string {
	unescaped, err := url.QueryUnescape(component)
	if err != nil {
		return component
	}
	return decodeBytes(enc, []byte(unescaped))
}

// asRequestError classifies err, keeping the classification of errors the
// decoder already made.
func asRequestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return newRequestError(KindIO, "decode body", err)
}

// formDecoder turns a request body into parameters and parts.
type formDecoder struct {
	charset   string
	config    MultipartConfig
	manager   *ResourceManager
	withParts bool
	addParam  func(name, value string)
	logger    *slog.Logger

	parts []Part
}

func (d *formDecoder) decodeForm(body []byte) error {
	decodeURLValues(string(body), d.charset, func(name, value string) {
		d.addParam(name, value)
		if d.withParts {
			d.parts = append(d.parts, &textPart{name: name, value: value, manager: d.manager})
		}
	})
	return nil
}

func (d *formDecoder) decodeMultipart(body []byte, contentType string) error {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return newRequestError(KindMalformedState, "decode multipart", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return newRequestError(KindMalformedState, "decode multipart", errors.New("missing boundary"))
	}
	if limit := d.config.MaxRequestSize; limit > 0 && int64(len(body)) > limit {
		return newRequestError(KindMalformedArgument, "decode multipart",
			fmt.Errorf("request size %d exceeds limit of %d bytes", len(body), limit))
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return newRequestError(KindMalformedState, "decode multipart", err)
		}
		err = d.decodePart(part)
		_ = part.Close()
		if err != nil {
			return err
		}
	}
}

func (d *formDecoder) decodePart(part *multipart.Part) error {
	name := part.FormName()
	if name == "" {
		return nil
	}
	if part.FileName() == "" {
		return d.decodeField(name, part)
	}
	return d.decodeFile(name, part)
}

func (d *formDecoder) decodeField(name string, part *multipart.Part) error {
	data, err := io.ReadAll(part)
	if err != nil {
		return newRequestError(KindMalformedState, "decode multipart field", err)
	}
	charset := charsetParam(part.Header.Get("Content-Type"))
	if charset == "" {
		charset = d.charset
	}
	enc, err := lookupEncoding(charset)
	if err != nil {
		d.logger.Warn("unreadable multipart field, using raw bytes", "field", name, "error", err)
		enc = nil
	}
	value := decodeBytes(enc, data)
	d.addParam(name, value)
	if d.withParts {
		d.parts = append(d.parts, &textPart{
			name:    name,
			value:   value,
			header:  part.Header,
			manager: d.manager,
		})
	}
	return nil
}

// decodeFile keeps an uploaded file in memory while it fits within the
// size threshold and spills it to the resource manager beyond that.
func (d *formDecoder) decodeFile(name string, part *multipart.Part) error {
	file := &filePart{
		name:     name,
		fileName: part.FileName(),
		header:   part.Header,
		manager:  d.manager,
	}
	threshold := max(d.config.FileSizeThreshold, 0)
	var head bytes.Buffer
	n, err := io.CopyN(&head, part, threshold+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return newRequestError(KindMalformedState, "decode multipart file", err)
	}
	if err := d.checkFileSize(name, n); err != nil {
		return err
	}
	if n <= threshold {
		file.data = head.Bytes()
		file.size = n
		d.parts = append(d.parts, file)
		return nil
	}
	spill, err := d.manager.CreateTemp("upload-*")
	if err != nil {
		return newRequestError(KindIO, "spill multipart file", err)
	}
	file.path = spill.Name()
	size, err := d.spill(name, spill, head.Bytes(), part)
	if closeErr := spill.Close(); err == nil && closeErr != nil {
		err = newRequestError(KindIO, "spill multipart file", closeErr)
	}
	if err != nil {
		_ = d.manager.Remove(file.path)
		return err
	}
	file.size = size
	d.parts = append(d.parts, file)
	return nil
}

func (d *formDecoder) spill(name string, dst io.Writer, head []byte, src io.Reader) (int64, error) {
	if _, err := dst.Write(head); err != nil {
		return 0, newRequestError(KindIO, "spill multipart file", err)
	}
	size := int64(len(head))
	buf := make([]byte, spillChunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			size += int64(n)
			if err := d.checkFileSize(name, size); err != nil {
				return size, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return size, newRequestError(KindIO, "spill multipart file", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return size, nil
		}
		if readErr != nil {
			return size, newRequestError(KindMalformedState, "decode multipart file", readErr)
		}
	}
}

func (d *formDecoder) checkFileSize(name string, size int64) error {
	if limit := d.config.MaxFileSize; limit > 0 && size > limit {
		return newRequestError(KindMalformedArgument, "decode multipart file",
			fmt.Errorf("file %q exceeds limit of %d bytes", name, limit))
	}
	return nil
}
