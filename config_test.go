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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSessionCookieName, cfg.sessionCookieName())
	cfg.SessionCookieName = ""
	assert.Equal(t, DefaultSessionCookieName, cfg.sessionCookieName())
}

func TestLoadConfig(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	path := filepath.Join(t.TempDir(), "exchange.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
context_path: /shop
session_cookie_name: SID
session_timeout: 10m
multipart:
  location: /var/uploads
  max_file_size: 1024
  file_size_threshold: 128
`), 0o600))
	t.Setenv("TEST_EXCHANGE_SESSION_COOKIE_NAME", "SESSION")
	t.Setenv("TEST_EXCHANGE_MULTIPART_MAX_REQUEST_SIZE", "4096")
	t.Setenv("TEST_EXCHANGE_ASYNC_TIMEOUT", "5s")

	cfg, err := LoadConfig(path, env.Options{Prefix: "TEST_EXCHANGE_"})
	require.NoError(t, err)
	assert.Equal(t, "/shop", cfg.ContextPath)
	assert.Equal(t, "SESSION", cfg.SessionCookieName)
	assert.Equal(t, 10*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 5*time.Second, cfg.AsyncTimeout)
	assert.Equal(t, MultipartConfig{
		Location:          "/var/uploads",
		MaxFileSize:       1024,
		MaxRequestSize:    4096,
		FileSizeThreshold: 128,
	}, cfg.Multipart)
	assert.Equal(t, DefaultCharacterEncoding, cfg.RequestCharacterEncoding)
	assert.Equal(t, int64(-1), cfg.NodeID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), env.Options{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		configure func(*Config)
		wantErr   string
	}{
		{
			name:      "request charset",
			configure: func(cfg *Config) { cfg.RequestCharacterEncoding = "klingon" },
			wantErr:   "request_character_encoding",
		},
		{
			name:      "response charset",
			configure: func(cfg *Config) { cfg.ResponseCharacterEncoding = "klingon" },
			wantErr:   "response_character_encoding",
		},
		{
			name:      "locale",
			configure: func(cfg *Config) { cfg.DefaultLocale = "not a locale!" },
			wantErr:   "default_locale",
		},
		{
			name:      "timeouts",
			configure: func(cfg *Config) { cfg.AsyncTimeout = -time.Second },
			wantErr:   "async_timeout",
		},
		{
			name:      "workers",
			configure: func(cfg *Config) { cfg.MaxAsyncWorkers = 0 },
			wantErr:   "max_async_workers",
		},
		{
			name:      "node",
			configure: func(cfg *Config) { cfg.NodeID = maxNodeID + 1 },
			wantErr:   "node_id",
		},
	}
	for _, testcase := range tests {
		testcase := testcase
		t.Run(testcase.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			testcase.configure(&cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, testcase.wantErr)
			_, err = NewContext(cfg)
			require.Error(t, err)
		})
	}
}
