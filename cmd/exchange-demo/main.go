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

// Command exchange-demo serves a few example handlers over raw TCP,
// framing HTTP/1.x itself and dispatching each message through an
// exchange.Context.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bufbuild/exchange"
	"github.com/bufbuild/exchange/internal/wire"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type serverConfig struct {
	Addr         string        `env:"ADDR" envDefault:":8080"`
	MetricsAddr  string        `env:"METRICS_ADDR" envDefault:":9090"`
	LogFormat    string        `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel     slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"33554432"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"2m"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("exchange-demo", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML configuration file")
	envPrefix := flags.String("env-prefix", "EXCHANGE_", "prefix of configuration environment variables")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	opts := env.Options{Prefix: *envPrefix}
	var serverCfg serverConfig
	if err := env.ParseWithOptions(&serverCfg, opts); err != nil {
		return fmt.Errorf("parse server environment: %w", err)
	}
	cfg, err := exchange.LoadConfig(*configPath, opts)
	if err != nil {
		return err
	}
	logger := newLogger(serverCfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exchangeCtx, err := exchange.NewContext(cfg,
		exchange.WithLogger(logger),
		exchange.WithMetrics(exchange.NewMetrics(registry)),
	)
	if err != nil {
		return err
	}
	defer exchangeCtx.Close()

	listener, err := net.Listen("tcp", serverCfg.Addr)
	if err != nil {
		return err
	}
	metricsServer := &http.Server{
		Addr:              serverCfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := &server{
		ctx:     exchangeCtx,
		handler: accessLog(newRouter(), logger),
		cfg:     serverCfg,
		logger:  logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("serving exchanges", "addr", listener.Addr().String())
		return srv.serve(ctx, listener)
	})
	group.Go(func() error {
		logger.Info("serving metrics", "addr", serverCfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		_ = listener.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newLogger(cfg serverConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

type server struct {
	ctx     *exchange.Context
	handler exchange.Handler
	cfg     serverConfig
	logger  *slog.Logger
}

func (s *server) serve(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *server) serveConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("conn", uuid.NewString(), "remote", conn.RemoteAddr().String())
	reader := wire.NewReader(conn, s.cfg.MaxBodyBytes)
	out := bufio.NewWriter(conn)
	// Responses on one connection go out in request order, so an
	// asynchronous exchange has to complete before the next read.
	var pending *exchange.AsyncContext
	handler := exchange.HandlerFunc(func(req *exchange.Request, resp *exchange.Response) error {
		defer func() { pending = req.AsyncContext() }()
		return s.handler.ServeExchange(req, resp)
	})
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msg, closeAfter, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, wire.ErrBodyTooLarge) {
				_, _ = out.WriteString("HTTP/1.1 413 Request Entity Too Large\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
				_ = out.Flush()
			}
			logger.Debug("closing connection", "error", err)
			return
		}
		pending = nil
		err = s.ctx.Serve(conn, msg, out, handler)
		if err == nil && pending != nil {
			err = pending.Err()
		}
		if err != nil {
			logger.Warn("failed to write response", "error", err)
			return
		}
		if closeAfter {
			return
		}
	}
}
