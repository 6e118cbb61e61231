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
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestRequest_Paths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		contextPath string
		uri         string
		requestURI  string
		query       string
		servletPath string
	}{
		{
			name:        "context path and query",
			contextPath: "/ctx",
			uri:         "/ctx/a/b?x=1",
			requestURI:  "/ctx/a/b",
			query:       "x=1",
			servletPath: "/a/b",
		},
		{
			name:        "backslashes",
			contextPath: "/ctx",
			uri:         `\ctx\a\b`,
			requestURI:  "/ctx/a/b",
			servletPath: "/a/b",
		},
		{
			name:        "root context",
			uri:         "/a/b?x=1&y",
			requestURI:  "/a/b",
			query:       "x=1&y",
			servletPath: "/a/b",
		},
		{
			name:        "empty uri",
			requestURI:  "/",
			servletPath: "/",
		},
		{
			name:        "context root",
			contextPath: "/ctx",
			uri:         "/ctx",
			requestURI:  "/ctx/",
			servletPath: "/",
		},
		{
			name:        "context path without slash",
			contextPath: "ctx",
			uri:         "/ctx/a?x=1",
			requestURI:  "/ctx/a",
			query:       "x=1",
			servletPath: "/a",
		},
		{
			name:        "context path with trailing slash",
			contextPath: "/ctx/",
			uri:         "/ctx/a",
			requestURI:  "/ctx/a",
			servletPath: "/a",
		},
		{
			name:        "session path parameter",
			contextPath: "/ctx",
			uri:         "/ctx/a;jsessionid=42/b?x=1",
			requestURI:  "/ctx/a/b",
			query:       "x=1",
			servletPath: "/a/b",
		},
		{
			name:        "empty query",
			uri:         "/a?",
			requestURI:  "/a",
			servletPath: "/a",
		},
	}
	for _, testcase := range tests {
		testcase := testcase
		t.Run(testcase.name, func(t *testing.T) {
			t.Parallel()
			ctx := newTestContext(t, func(cfg *Config) {
				cfg.ContextPath = testcase.contextPath
			})
			exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, testcase.uri, ""))
			req := exchange.Request()
			for i := 0; i < 2; i++ {
				assert.Equal(t, testcase.requestURI, req.RequestURI())
				assert.Equal(t, testcase.query, req.QueryString())
				assert.Equal(t, testcase.servletPath, req.ServletPath())
				assert.Empty(t, req.PathInfo())
			}
		})
	}
}

func TestRequest_Parameters(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		msg    Message
		values url.Values
		names  []string
	}{
		{
			name: "query before body",
			msg: newMessage(http.MethodPost, "/p?a=hello", "a=goodbye&a=world&b=2",
				"Content-Type", "application/x-www-form-urlencoded"),
			values: url.Values{"a": {"hello", "goodbye", "world"}, "b": {"2"}},
			names:  []string{"a", "b"},
		},
		{
			name: "body ignored for GET",
			msg: newMessage(http.MethodGet, "/p?z=1&a=2", "a=3",
				"Content-Type", "application/x-www-form-urlencoded"),
			values: url.Values{"z": {"1"}, "a": {"2"}},
			names:  []string{"z", "a"},
		},
		{
			name:   "body ignored for other media types",
			msg:    newMessage(http.MethodPost, "/p", "a=3", "Content-Type", "text/plain"),
			values: url.Values{},
		},
		{
			name: "charset of the content type",
			msg: newMessage(http.MethodPost, "/p", "name=caf%E9",
				"Content-Type", "application/x-www-form-urlencoded; charset=ISO-8859-1"),
			values: url.Values{"name": {"café"}},
			names:  []string{"name"},
		},
		{
			name:   "invalid escapes are kept",
			msg:    newMessage(http.MethodGet, "/p?x=%zz&y=a+b&&flag", ""),
			values: url.Values{"x": {"%zz"}, "y": {"a b"}, "flag": {""}},
			names:  []string{"x", "y", "flag"},
		},
		{
			name: "unknown charset falls back to default",
			msg: newMessage(http.MethodPost, "/p", "k=%C3%A9",
				"Content-Type", "application/x-www-form-urlencoded; charset=bogus"),
			values: url.Values{"k": {"é"}},
			names:  []string{"k"},
		},
	}
	for _, testcase := range tests {
		testcase := testcase
		t.Run(testcase.name, func(t *testing.T) {
			t.Parallel()
			ctx := newTestContext(t, nil)
			exchange, _ := acquire(t, ctx, testcase.msg)
			req := exchange.Request()
			values, err := req.Parameters()
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(testcase.values, values, cmpopts.EquateEmpty()))
			assert.Empty(t, cmp.Diff(testcase.names, req.ParameterNames(), cmpopts.EquateEmpty()))
			for name, list := range testcase.values {
				assert.Equal(t, list[0], req.Parameter(name))
				assert.Equal(t, list, req.ParameterValues(name))
			}
			assert.Empty(t, req.Parameter("missing"))
			assert.Nil(t, req.ParameterValues("missing"))
		})
	}
}

func TestRequest_Headers(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, nil)
	exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, "/", "",
		"X-Count", "42",
		"X-Bad", "forty-two",
		"X-Multi", "a",
		"X-Multi", "b",
		"If-Modified-Since", "Sun, 06 Nov 1994 08:49:37 GMT",
		"X-Rfc850", "Sunday, 06-Nov-94 08:49:37 GMT",
		"X-Asctime", "Sun Nov  6 08:49:37 1994",
		"X-Bad-Date", "yesterday",
	))
	req := exchange.Request()

	n, err := req.IntHeader("X-Count")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	n, err = req.IntHeader("X-Missing")
	require.NoError(t, err)
	assert.Equal(t, -1, n)
	_, err = req.IntHeader("X-Bad")
	var headerErr *HeaderError
	require.ErrorAs(t, err, &headerErr)
	assert.Equal(t, "X-Bad", headerErr.Name)

	want := time.Date(1994, time.November, 6, 8, 49, 37, 0, time.UTC)
	for _, name := range []string{"If-Modified-Since", "X-Rfc850", "X-Asctime"} {
		date, err := req.DateHeader(name)
		require.NoError(t, err, name)
		assert.True(t, want.Equal(date), name)
	}
	date, err := req.DateHeader("X-Missing")
	require.NoError(t, err)
	assert.True(t, date.IsZero())
	_, err = req.DateHeader("X-Bad-Date")
	require.ErrorAs(t, err, &headerErr)

	assert.Equal(t, "a", req.Header("x-multi"))
	assert.Equal(t, []string{"a", "b"}, req.Headers("X-Multi"))
	assert.Contains(t, req.HeaderNames(), "X-Multi")
	assert.Equal(t, int64(-1), req.ContentLength())
}

func TestRequest_Cookies(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, nil)
	exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, "/", "",
		"Cookie", `a=1; b="2"`,
		"Cookie", "c=3",
	))
	req := exchange.Request()
	cookies := req.Cookies()
	require.Len(t, cookies, 3)
	assert.Equal(t, "1", req.Cookie("a").Value)
	assert.Equal(t, "2", req.Cookie("b").Value)
	assert.Equal(t, "3", req.Cookie("c").Value)
	assert.Nil(t, req.Cookie("d"))

	other, _ := acquire(t, ctx, newMessage(http.MethodGet, "/", ""))
	assert.Nil(t, other.Request().Cookies())
}

func TestRequest_Locales(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header string
		want   []language.Tag
	}{
		{
			name: "missing header",
			want: []language.Tag{language.AmericanEnglish},
		},
		{
			name:   "order kept and quality ignored",
			header: "fr-CH, fr;q=0.9, en;q=0.8, de;q=0.7",
			want: []language.Tag{
				language.MustParse("fr-CH"),
				language.French,
				language.English,
				language.German,
			},
		},
		{
			name:   "unparseable tag",
			header: "!!, en",
			want:   []language.Tag{language.Und, language.English},
		},
	}
	for _, testcase := range tests {
		testcase := testcase
		t.Run(testcase.name, func(t *testing.T) {
			t.Parallel()
			ctx := newTestContext(t, nil)
			var header []string
			if testcase.header != "" {
				header = []string{"Accept-Language", testcase.header}
			}
			exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, "/", "", header...))
			req := exchange.Request()
			assert.Equal(t, testcase.want, req.Locales())
			assert.Equal(t, testcase.want[0], req.Locale())
		})
	}
}

func TestRequest_Scheme(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header []string
		scheme string
		port   int
		secure bool
		url    string
	}{
		{
			name:   "connection",
			header: []string{"Host", "example.com:8080"},
			scheme: "http",
			port:   8080,
			url:    "http://example.com:8080/a",
		},
		{
			name:   "forwarded https",
			header: []string{"Host", "example.com", "X-Forwarded-Proto", "HTTPS"},
			scheme: "https",
			port:   443,
			secure: true,
			url:    "https://example.com/a",
		},
		{
			name:   "forwarded http",
			header: []string{"Host", "example.com", "X-Forwarded-Proto", "http"},
			scheme: "http",
			port:   80,
			url:    "http://example.com/a",
		},
		{
			name:   "no host",
			scheme: "http",
			port:   8080,
			url:    "http://10.0.0.1:8080/a",
		},
	}
	for _, testcase := range tests {
		testcase := testcase
		t.Run(testcase.name, func(t *testing.T) {
			t.Parallel()
			ctx := newTestContext(t, nil)
			exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, "/a?q=1", "", testcase.header...))
			req := exchange.Request()
			assert.Equal(t, testcase.scheme, req.Scheme())
			assert.Equal(t, testcase.port, req.ServerPort())
			assert.Equal(t, testcase.secure, req.IsSecure())
			assert.Equal(t, testcase.url, req.RequestURL())
		})
	}
}

func TestRequest_Connection(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, nil)
	exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, "/", ""))
	req := exchange.Request()
	assert.Equal(t, "192.168.1.20", req.RemoteAddr())
	assert.Equal(t, "192.168.1.20", req.RemoteHost())
	assert.Equal(t, 51234, req.RemotePort())
	assert.Equal(t, "10.0.0.1", req.LocalAddr())
	assert.Equal(t, 8080, req.LocalPort())

	var out discardWriter
	detached := ctx.Acquire(nil, newMessage(http.MethodGet, "/", ""), out)
	t.Cleanup(func() { _ = detached.Release() })
	assert.Empty(t, detached.Request().RemoteAddr())
	assert.Zero(t, detached.Request().LocalPort())
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRequest_CharacterEncoding(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, nil)
	exchange, _ := acquire(t, ctx, newMessage(http.MethodPost, "/", "caf\xe9",
		"Content-Type", "text/plain; charset=windows-1252"))
	req := exchange.Request()
	assert.Equal(t, "windows-1252", req.CharacterEncoding())

	reader, err := req.Reader()
	require.NoError(t, err)
	text, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "café", string(text))
	_, err = req.InputStream()
	require.ErrorIs(t, err, ErrReaderInUse)

	var charsetErr *CharsetError
	require.ErrorAs(t, req.SetCharacterEncoding("no-such-charset"), &charsetErr)
	require.NoError(t, req.SetCharacterEncoding("utf-8"))
	assert.Equal(t, "utf-8", req.CharacterEncoding())

	plain, _ := acquire(t, ctx, newMessage(http.MethodPost, "/", "raw"))
	assert.Equal(t, DefaultCharacterEncoding, plain.Request().CharacterEncoding())
	stream, err := plain.Request().InputStream()
	require.NoError(t, err)
	raw, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(raw))
	_, err = plain.Request().Reader()
	require.ErrorIs(t, err, ErrInputStreamInUse)
}

type recordedAttributeEvent struct {
	Event AttributeEvent
	Name  string
	Value any
}

func TestRequest_Attributes(t *testing.T) {
	t.Parallel()
	var events []recordedAttributeEvent
	listener := AttributeListenerFunc(func(_ *Request, event AttributeEvent, name string, value any) {
		events = append(events, recordedAttributeEvent{Event: event, Name: name, Value: value})
	})
	ctx := newTestContext(t, nil, WithAttributeListener(listener))
	exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, "/", ""))
	req := exchange.Request()

	req.SetAttribute("b", 1)
	req.SetAttribute("a", "x")
	req.SetAttribute("b", 2)
	assert.Equal(t, []string{"a", "b"}, req.AttributeNames())
	assert.Equal(t, 2, req.Attribute("b"))
	req.SetAttribute("a", nil)
	req.RemoveAttribute("missing")
	assert.Nil(t, req.Attribute("a"))

	want := []recordedAttributeEvent{
		{Event: AttributeAdded, Name: "b", Value: 1},
		{Event: AttributeAdded, Name: "a", Value: "x"},
		{Event: AttributeReplaced, Name: "b", Value: 1},
		{Event: AttributeRemoved, Name: "a", Value: "x"},
	}
	assert.Empty(t, cmp.Diff(want, events))
}

func TestRequest_Recycle(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, func(cfg *Config) {
		cfg.ContextPath = "/ctx"
	})
	first := ctx.Acquire(newTestConn(), newMessage(http.MethodPost, "/ctx/a?x=1", "y=2",
		"Content-Type", "application/x-www-form-urlencoded",
		"Cookie", "JSESSIONID=abc",
		"Accept-Language", "fr",
		"X-Forwarded-Proto", "https",
	), discardWriter{})
	req := first.Request()
	assert.Equal(t, "/ctx/a", req.RequestURI())
	assert.Equal(t, "2", req.Parameter("y"))
	assert.Equal(t, "abc", req.RequestedSessionID())
	assert.Equal(t, language.French, req.Locale())
	assert.Equal(t, "https", req.Scheme())
	req.SetAttribute("k", "v")
	tx := first.transaction()
	require.NoError(t, first.Finish())

	second := ctx.Acquire(newTestConn(), newMessage(http.MethodGet, "/ctx/b", ""), discardWriter{})
	t.Cleanup(func() { _ = second.Release() })
	require.Same(t, tx, second.transaction())
	req = second.Request()
	assert.False(t, req.paths.ready())
	assert.False(t, req.cookies.ready())
	assert.False(t, req.locales.ready())
	assert.False(t, req.scheme.ready())
	assert.False(t, req.sessionID.ready())
	assert.Empty(t, req.AttributeNames())

	assert.Equal(t, "/ctx/b", req.RequestURI())
	assert.Empty(t, req.Parameter("y"))
	assert.Nil(t, req.Cookies())
	assert.Equal(t, language.AmericanEnglish, req.Locale())
	assert.Equal(t, "http", req.Scheme())
	assert.False(t, req.IsRequestedSessionIDValid())
}

func TestRequest_ConcurrentFirstAccess(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, nil)
	exchange, _ := acquire(t, ctx, newMessage(http.MethodPost, "/a?x=1", "y=2",
		"Content-Type", "application/x-www-form-urlencoded",
		"Cookie", "JSESSIONID=abc",
		"Accept-Language", "de, en",
	))
	req := exchange.Request()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "/a", req.RequestURI())
			assert.Equal(t, []string{"x", "y"}, req.ParameterNames())
			assert.Equal(t, "abc", req.Cookie("JSESSIONID").Value)
			assert.Equal(t, language.German, req.Locale())
			assert.Equal(t, "abc", req.RequestedSessionID())
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"1"}, req.ParameterValues("x"))
}

type staticAuthenticator struct{}

func (staticAuthenticator) AuthType(*Request) string      { return "BASIC" }
func (staticAuthenticator) UserPrincipal(*Request) string { return "alice" }
func (staticAuthenticator) IsUserInRole(_ *Request, role string) bool {
	return role == "admin"
}

func TestRequest_Authentication(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, nil, WithAuthenticator(staticAuthenticator{}))
	exchange, _ := acquire(t, ctx, newMessage(http.MethodGet, "/", ""))
	req := exchange.Request()
	assert.Equal(t, "BASIC", req.AuthType())
	assert.Equal(t, "alice", req.RemoteUser())
	assert.True(t, req.IsUserInRole("admin"))
	assert.False(t, req.IsUserInRole("guest"))

	anonymous := newTestContext(t, nil)
	exchange, _ = acquire(t, anonymous, newMessage(http.MethodGet, "/", ""))
	assert.Empty(t, exchange.Request().AuthType())
	assert.Empty(t, exchange.Request().UserPrincipal())
	assert.False(t, exchange.Request().IsUserInRole("admin"))
}
