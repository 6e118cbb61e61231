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
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/afero"
)

// ResourceManager stores overflow data, such as large uploaded files, in
// one location of a file system. The location is created on first write.
type ResourceManager struct {
	location string
	fs       afero.Fs

	mkdirOnce sync.Once
	mkdirErr  error
}

func newResourceManager(base afero.Fs, location string) *ResourceManager {
	return &ResourceManager{
		location: location,
		fs:       base,
	}
}

// Location returns the directory managed by m.
func (m *ResourceManager) Location() string {
	return m.location
}

// Fs returns the file system m writes to.
func (m *ResourceManager) Fs() afero.Fs {
	return m.fs
}

func (m *ResourceManager) ensureDir() error {
	m.mkdirOnce.Do(func() {
		m.mkdirErr = m.fs.MkdirAll(m.location, 0o755)
	})
	return m.mkdirErr
}

// CreateTemp creates a new file in the location with a name built from
// pattern, as os.CreateTemp does.
func (m *ResourceManager) CreateTemp(pattern string) (afero.File, error) {
	if err := m.ensureDir(); err != nil {
		return nil, err
	}
	return afero.TempFile(m.fs, m.location, pattern)
}

// WriteFile copies r into the named file. A relative name is resolved
// against the location.
func (m *ResourceManager) WriteFile(name string, r io.Reader) (int64, error) {
	if err := m.ensureDir(); err != nil {
		return 0, err
	}
	path := m.path(name)
	if dir := filepath.Dir(path); dir != m.location {
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	file, err := m.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(file, r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// Open opens the named file for reading.
func (m *ResourceManager) Open(name string) (afero.File, error) {
	return m.fs.Open(m.path(name))
}

// Remove deletes the named file. Removing a file that does not exist is
// not an error.
func (m *ResourceManager) Remove(name string) error {
	err := m.fs.Remove(m.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (m *ResourceManager) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(m.location, name)
}

// ResourceRegistry hands out one ResourceManager per location. Managers
// are created on first use and kept until the registry is closed; nothing
// is ever evicted, so callers should only use a bounded set of locations.
type ResourceRegistry struct {
	base           afero.Fs
	defaultManager *ResourceManager
	managers       *xsync.MapOf[string, *ResourceManager]
	metrics        *Metrics
	closed         atomic.Bool
}

// NewResourceRegistry returns a registry whose managers write to base.
// Get("") returns the manager for defaultLocation.
func NewResourceRegistry(base afero.Fs, defaultLocation string) *ResourceRegistry {
	if base == nil {
		base = afero.NewOsFs()
	}
	if defaultLocation == "" {
		defaultLocation = os.TempDir()
	}
	return &ResourceRegistry{
		base:           base,
		defaultManager: newResourceManager(base, defaultLocation),
		managers:       xsync.NewMapOf[string, *ResourceManager](),
	}
}

// Default returns the manager for the default location.
func (r *ResourceRegistry) Default() *ResourceManager {
	return r.defaultManager
}

// Get returns the manager for location, creating it if needed. An empty
// location selects the default manager.
func (r *ResourceRegistry) Get(location string) (*ResourceManager, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if location == "" || location == r.defaultManager.location {
		return r.defaultManager, nil
	}
	manager, _ := r.managers.LoadOrCompute(location, func() *ResourceManager {
		r.metrics.resourceManagerAdded()
		return newResourceManager(r.base, location)
	})
	return manager, nil
}

// Len returns the number of non-default managers held by the registry.
func (r *ResourceRegistry) Len() int {
	return r.managers.Size()
}

// Close releases every manager. Files already written are left in place.
func (r *ResourceRegistry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("close: %w", ErrRegistryClosed)
	}
	r.managers.Clear()
	r.metrics.resourceManagersCleared()
	return nil
}
