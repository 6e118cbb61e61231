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

package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessage(t *testing.T) {
	t.Parallel()
	raw := "POST /ctx/form?a=hello HTTP/1.1\r\n" +
		"Host: example.com:8080\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"7\r\na=goodb\r\n" +
		"c\r\nye&a=world&b\r\n" +
		"0\r\n\r\n" +
		"GET /next HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Connection: close\r\n" +
		"\r\n"
	reader := NewReader(strings.NewReader(raw), 0)

	msg, closeAfter, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.False(t, closeAfter)
	assert.Equal(t, "POST", msg.Method)
	assert.Equal(t, "/ctx/form?a=hello", msg.URI)
	assert.Equal(t, "HTTP/1.1", msg.Proto)
	assert.Equal(t, "example.com:8080", msg.Header.Get("Host"))
	assert.Equal(t, "a=goodbye&a=world&b", string(msg.Body))
	assert.Equal(t, "19", msg.Header.Get("Content-Length"))
	assert.Empty(t, msg.Header.Get("Transfer-Encoding"))

	msg, closeAfter, err = reader.ReadMessage()
	require.NoError(t, err)
	assert.True(t, closeAfter)
	assert.Equal(t, "/next", msg.URI)
	assert.Empty(t, msg.Body)
	assert.Empty(t, msg.Header.Get("Content-Length"))
}

func TestReadMessageBodyLimit(t *testing.T) {
	t.Parallel()
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\n0123456789"
	_, _, err := NewReader(strings.NewReader(raw), 4).ReadMessage()
	require.ErrorIs(t, err, ErrBodyTooLarge)
}
