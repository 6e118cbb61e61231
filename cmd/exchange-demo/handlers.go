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

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/exchange"
	"github.com/fatih/color"
)

const visitsAttribute = "visits"

// router dispatches on the path inside the context path.
type router map[string]exchange.HandlerFunc

func newRouter() router {
	return router{
		"/":         hello,
		"/form":     echoForm,
		"/upload":   listUploads,
		"/session":  countVisits,
		"/async":    slowAsync,
		"/redirect": redirect,
		"/stream":   stream,
	}
}

func (rt router) ServeExchange(req *exchange.Request, resp *exchange.Response) error {
	handler, ok := rt[req.ServletPath()]
	if !ok {
		return exchange.Error(http.StatusNotFound, "")
	}
	return handler(req, resp)
}

func hello(req *exchange.Request, resp *exchange.Response) error {
	resp.SetContentType("text/plain;charset=utf-8")
	resp.SetLocale(req.Locale())
	writer, err := resp.Writer()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(writer, "Hello from %s (%s)\n", req.RequestURL(), req.Locale())
	return err
}

func echoForm(req *exchange.Request, resp *exchange.Response) error {
	params, err := req.Parameters()
	if err != nil {
		return err
	}
	resp.SetContentType("text/plain;charset=utf-8")
	writer, err := resp.Writer()
	if err != nil {
		return err
	}
	for _, name := range req.ParameterNames() {
		if _, err := fmt.Fprintf(writer, "%s=%s\n", name, strings.Join(params[name], ",")); err != nil {
			return err
		}
	}
	return nil
}

func listUploads(req *exchange.Request, resp *exchange.Response) error {
	parts, err := req.Parts()
	if err != nil {
		return err
	}
	resp.SetContentType("text/plain;charset=utf-8")
	writer, err := resp.Writer()
	if err != nil {
		return err
	}
	for _, part := range parts {
		storage := "disk"
		if part.InMemory() {
			storage = "memory"
		}
		if _, err := fmt.Fprintf(writer, "%s %q %d bytes (%s)\n", part.Name(), part.SubmittedFileName(), part.Size(), storage); err != nil {
			return err
		}
	}
	return nil
}

func countVisits(req *exchange.Request, resp *exchange.Response) error {
	session, err := req.Session(true)
	if err != nil {
		return err
	}
	visits, _ := session.Attribute(visitsAttribute).(int)
	visits++
	if err := session.SetAttribute(visitsAttribute, visits); err != nil {
		return err
	}
	resp.SetContentType("text/plain")
	_, err = fmt.Fprintf(resp.OutputStream(), "session %s, visit %d, new=%t\n%s\n",
		session.ID(), visits, session.IsNew(), resp.EncodeURL(req.RequestURI()))
	return err
}

func slowAsync(req *exchange.Request, resp *exchange.Response) error {
	delay := 100 * time.Millisecond
	if value := req.Parameter("delay"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return exchange.Error(http.StatusBadRequest, "invalid delay")
		}
		delay = parsed
	}
	async, err := req.StartAsync()
	if err != nil {
		return err
	}
	return async.Start(func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		resp := async.Response()
		resp.SetContentType("text/plain")
		_, _ = io.WriteString(resp.OutputStream(), "finished after "+delay.String()+"\n")
	})
}

func redirect(req *exchange.Request, resp *exchange.Response) error {
	target := req.Parameter("to")
	if target == "" {
		target = req.ContextPath() + "/"
	}
	return resp.SendRedirect(resp.EncodeRedirectURL(target))
}

func stream(req *exchange.Request, resp *exchange.Response) error {
	count := 3
	if value := req.Parameter("n"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return exchange.Error(http.StatusBadRequest, "invalid n")
		}
		count = n
	}
	resp.SetContentType("text/plain")
	for i := 0; i < count; i++ {
		if _, err := fmt.Fprintf(resp.OutputStream(), "line %d\n", i); err != nil {
			return err
		}
		if err := resp.FlushBuffer(); err != nil {
			return err
		}
	}
	return nil
}

// accessLog prints one color-coded line per exchange once its handler has
// returned.
func accessLog(next exchange.Handler, logger *slog.Logger) exchange.Handler {
	return exchange.HandlerFunc(func(req *exchange.Request, resp *exchange.Response) error {
		start := time.Now()
		err := next.ServeExchange(req, resp)
		status := resp.Status()
		if err != nil && !resp.IsCommitted() {
			status = http.StatusInternalServerError
		}
		logRequest(req.Method(), req.RequestURI(), status, time.Since(start))
		if err != nil {
			logger.Debug("handler returned error", "uri", req.RequestURI(), "error", err)
		}
		return err
	})
}

func logRequest(method, path string, status int, elapsed time.Duration) {
	line := fmt.Sprintf("%s %s %d %s", method, path, status, elapsed.Round(time.Microsecond))
	switch {
	case status >= 500:
		log.Print(color.RedString("%s", line))
	case status >= 400:
		log.Print(color.YellowString("%s", line))
	case status >= 300:
		log.Print(color.CyanString("%s", line))
	default:
		log.Print(color.GreenString("%s", line))
	}
}
