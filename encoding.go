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
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// lookupEncoding resolves a charset label, as found in a Content-Type
// header or in configuration, to its encoding.
func lookupEncoding(name string) (encoding.Encoding, error) {
	label := strings.TrimSpace(name)
	if label == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, &CharsetError{Charset: name, Err: err}
	}
	return enc, nil
}

func isUTF8(enc encoding.Encoding) bool {
	return enc == nil || enc == unicode.UTF8
}

// decodeBytes converts bytes in enc to a UTF-8 string. Bytes that cannot
// be converted are returned unchanged.
func decodeBytes(enc encoding.Encoding, data []byte) string {
	if isUTF8(enc) {
		return string(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// charsetParam extracts the charset parameter of a media type such as
// "text/html; charset=ISO-8859-1". It returns "" when there is none.
func charsetParam(contentType string) string {
	for _, param := range strings.Split(contentType, ";")[1:] {
		key, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "charset") {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)
		if value != "" {
			return value
		}
	}
	return ""
}

// mediaType returns the media type of a Content-Type value without its
// parameters, in lower case.
func mediaType(contentType string) string {
	typ, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(typ))
}

// withCharset replaces any charset parameter of contentType with charset.
func withCharset(contentType, charset string) string {
	if contentType == "" || charset == "" {
		return contentType
	}
	return withoutCharset(contentType) + ";charset=" + charset
}

// withoutCharset removes the charset parameter of contentType, if any.
func withoutCharset(contentType string) string {
	parts := strings.Split(contentType, ";")
	kept := parts[:1]
	for _, param := range parts[1:] {
		key, _, _ := strings.Cut(param, "=")
		if strings.EqualFold(strings.TrimSpace(key), "charset") {
			continue
		}
		kept = append(kept, param)
	}
	return strings.TrimSpace(strings.Join(kept, ";"))
}
