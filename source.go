// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package rendercache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"willnorris.com/go/rendercache/internal/diskcache"
)

// ErrSourceNotFound is returned, possibly wrapped, for source images that
// do not exist.
var ErrSourceNotFound = errors.New("source not found")

// A Source is an image that renderings are built from.
type Source interface {
	diskcache.Source

	// Open returns the encoded image.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// A SourceResolver maps request names to sources.
type SourceResolver interface {
	Resolve(ctx context.Context, name string) (Source, error)
}

// Dir resolves sources as files beneath a local directory.  Names that
// would escape the directory are rejected.
type Dir string

func (d Dir) Resolve(_ context.Context, name string) (Source, error) {
	name = path.Clean(strings.TrimPrefix(name, "/"))
	if !fs.ValidPath(name) || name == "." {
		return nil, fmt.Errorf("%w: invalid name %q", ErrSourceNotFound, name)
	}

	p := filepath.Join(string(d), filepath.FromSlash(name))
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.Mode().IsRegular()) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return fileSource{diskcache.FileSource(p)}, nil
}

type fileSource struct {
	diskcache.FileSource
}

func (f fileSource) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(string(f.FileSource))
}
