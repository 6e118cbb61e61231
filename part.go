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
	"io"
	"net/textproto"
	"strings"
	"sync"
)

// Part is one field or uploaded file of a request body.
type Part interface {
	// Name is the form field name.
	Name() string
	// SubmittedFileName is the file name sent by the client, or "" for a
	// plain form field.
	SubmittedFileName() string
	ContentType() string
	Size() int64
	Header() textproto.MIMEHeader
	// Open returns the content of the part.
	Open() (io.ReadCloser, error)
	// Write stores the content under name in the part's resource manager.
	// A relative name is resolved against the manager's location.
	Write(name string) error
	// Delete frees the storage behind the part. It is called for every
	// part when the exchange is recycled.
	Delete() error
	// InMemory reports whether the content is held in memory rather than
	// in a file.
	InMemory() bool
}

var errPartDeleted = errors.New("part has been deleted")

type textPart struct {
	name    string
	value   string
	header  textproto.MIMEHeader
	manager *ResourceManager
}

func (p *textPart) Name() string              { return p.name }
func (p *textPart) SubmittedFileName() string { return "" }
func (p *textPart) Size() int64               { return int64(len(p.value)) }
func (p *textPart) InMemory() bool            { return true }
func (p *textPart) Delete() error             { return nil }

func (p *textPart) ContentType() string {
	return p.header.Get("Content-Type")
}

func (p *textPart) Header() textproto.MIMEHeader {
	if p.header == nil {
		return textproto.MIMEHeader{}
	}
	return p.header
}

func (p *textPart) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(p.value)), nil
}

func (p *textPart) Write(name string) error {
	_, err := p.manager.WriteFile(name, strings.NewReader(p.value))
	return err
}

type filePart struct {
	name     string
	fileName string
	header   textproto.MIMEHeader
	manager  *ResourceManager

	mu   sync.Mutex
	size int64
	// data holds the content while it is in memory.
	data []byte
	// path is the spill file while the content is on disk.
	path string
	// persisted is set once Write moved the spill file somewhere the
	// application owns; Delete then leaves it alone.
	persisted bool
	deleted   bool
}

func (p *filePart) Name() string                 { return p.name }
func (p *filePart) SubmittedFileName() string    { return p.fileName }
func (p *filePart) Header() textproto.MIMEHeader { return p.header }
func (p *filePart) Size() int64                  { return p.size }

func (p *filePart) ContentType() string {
	return p.header.Get("Content-Type")
}

func (p *filePart) InMemory() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path == ""
}

func (p *filePart) Open() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.deleted:
		return nil, errPartDeleted
	case p.path == "":
		return io.NopCloser(bytes.NewReader(p.data)), nil
	default:
		return p.manager.Fs().Open(p.path)
	}
}

func (p *filePart) Write(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return errPartDeleted
	}
	if p.path == "" {
		_, err := p.manager.WriteFile(name, bytes.NewReader(p.data))
		return err
	}
	if err := p.manager.ensureDir(); err != nil {
		return err
	}
	target := p.manager.path(name)
	if err := p.manager.Fs().Rename(p.path, target); err != nil {
		return err
	}
	p.path = target
	p.persisted = true
	return nil
}

func (p *filePart) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil
	}
	p.deleted = true
	p.data = nil
	if p.path == "" || p.persisted {
		return nil
	}
	return p.manager.Remove(p.path)
}
