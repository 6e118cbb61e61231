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
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSessionCookieName = "JSESSIONID"
	// SessionURLMarker is the query parameter that carries a session id
	// when the client does not send cookies.
	SessionURLMarker = "jsessionid"

	DefaultCharacterEncoding = "utf-8"
	DefaultLocale            = "en-US"
	DefaultSessionTimeout    = 30 * time.Minute
	DefaultAsyncTimeout      = 30 * time.Second
	DefaultMaxAsyncWorkers   = 256
	DefaultPoolCapacity      = 1024
)

// MultipartConfig controls how multipart bodies are decoded.
type MultipartConfig struct {
	// Location is the directory uploaded files are spilled to. If empty,
	// the context's default location is used.
	Location string `yaml:"location" env:"LOCATION"`
	// MaxFileSize is the largest accepted size of a single uploaded file.
	// Zero or negative means no limit.
	MaxFileSize int64 `yaml:"max_file_size" env:"MAX_FILE_SIZE"`
	// MaxRequestSize is the largest accepted size of a whole multipart
	// body. Zero or negative means no limit.
	MaxRequestSize int64 `yaml:"max_request_size" env:"MAX_REQUEST_SIZE"`
	// FileSizeThreshold is the size above which an uploaded file is
	// written to disk instead of being kept in memory.
	FileSizeThreshold int64 `yaml:"file_size_threshold" env:"FILE_SIZE_THRESHOLD"`
}

// Config is the deployment configuration shared by every exchange of a
// Context.
type Config struct {
	// ContextPath is the path prefix the application is mounted at, such as
	// "/shop". It is stripped from incoming paths and re-added to the
	// request URI. Empty means the root.
	ContextPath string `yaml:"context_path" env:"CONTEXT_PATH"`
	// RequestCharacterEncoding is used when a request does not declare a
	// charset in its Content-Type.
	RequestCharacterEncoding string `yaml:"request_character_encoding" env:"REQUEST_CHARACTER_ENCODING"`
	// ResponseCharacterEncoding is used by Response.Writer when nothing
	// else selected an encoding.
	ResponseCharacterEncoding string `yaml:"response_character_encoding" env:"RESPONSE_CHARACTER_ENCODING"`
	// DefaultLocale is reported for requests without Accept-Language.
	DefaultLocale string `yaml:"default_locale" env:"DEFAULT_LOCALE"`
	// SessionCookieName overrides the name of the session cookie.
	SessionCookieName string `yaml:"session_cookie_name" env:"SESSION_COOKIE_NAME"`
	// SessionTimeout is the inactivity interval given to new sessions.
	SessionTimeout time.Duration `yaml:"session_timeout" env:"SESSION_TIMEOUT"`
	// AsyncTimeout bounds asynchronous processing started by a request.
	AsyncTimeout time.Duration `yaml:"async_timeout" env:"ASYNC_TIMEOUT"`
	// MaxAsyncWorkers bounds how many asynchronous tasks run at once.
	MaxAsyncWorkers int64 `yaml:"max_async_workers" env:"MAX_ASYNC_WORKERS"`
	// PoolCapacity is the number of idle exchanges kept for reuse. Beyond
	// it, exchanges are allocated and collected normally.
	PoolCapacity int `yaml:"pool_capacity" env:"POOL_CAPACITY"`
	// NodeID distinguishes this process in generated session ids. A
	// negative value picks a random node.
	NodeID int64 `yaml:"node_id" env:"NODE_ID"`
	// Multipart holds the context-wide multipart defaults.
	Multipart MultipartConfig `yaml:"multipart" envPrefix:"MULTIPART_"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		RequestCharacterEncoding:  DefaultCharacterEncoding,
		ResponseCharacterEncoding: DefaultCharacterEncoding,
		DefaultLocale:             DefaultLocale,
		SessionCookieName:         DefaultSessionCookieName,
		SessionTimeout:            DefaultSessionTimeout,
		AsyncTimeout:              DefaultAsyncTimeout,
		MaxAsyncWorkers:           DefaultMaxAsyncWorkers,
		PoolCapacity:              DefaultPoolCapacity,
		NodeID:                    -1,
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path if
// path is not empty, and then applies environment variables.
func LoadConfig(path string, opts env.Options) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can be used by NewContext.
func (c *Config) Validate() error {
	var errs []error
	if _, err := lookupEncoding(c.RequestCharacterEncoding); err != nil {
		errs = append(errs, fmt.Errorf("request_character_encoding: %w", err))
	}
	if _, err := lookupEncoding(c.ResponseCharacterEncoding); err != nil {
		errs = append(errs, fmt.Errorf("response_character_encoding: %w", err))
	}
	if _, err := language.Parse(c.DefaultLocale); err != nil {
		errs = append(errs, fmt.Errorf("default_locale: %w", err))
	}
	if c.SessionTimeout < 0 {
		errs = append(errs, errors.New("session_timeout: must not be negative"))
	}
	if c.AsyncTimeout < 0 {
		errs = append(errs, errors.New("async_timeout: must not be negative"))
	}
	if c.MaxAsyncWorkers <= 0 {
		errs = append(errs, errors.New("max_async_workers: must be positive"))
	}
	if c.NodeID > maxNodeID {
		errs = append(errs, fmt.Errorf("node_id: must be at most %d", maxNodeID))
	}
	return errors.Join(errs...)
}

// contextPath returns ContextPath with a leading slash and no trailing
// one. The root context is "".
func (c *Config) contextPath() string {
	path := strings.TrimRight(c.ContextPath, "/")
	if path == "" {
		return ""
	}
	if path[0] != '/' {
		path = "/" + path
	}
	return path
}

func (c *Config) sessionCookieName() string {
	if c.SessionCookieName != "" {
		return c.SessionCookieName
	}
	return DefaultSessionCookieName
}
