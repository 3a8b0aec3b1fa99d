// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package diskcache provides an on-disk cache of rendered artifacts.
//
// Each artifact is built from a source by a caller supplied render function
// and stamped with the source's version. The cache makes sure a given key is
// rendered at most once at a time within the process, detects artifacts that
// no longer match their source, and trims the least recently accessed files
// once the directory grows past a configured number of entries.
//
// Coordination is in-process only. Several processes sharing one directory
// may render the same artifact concurrently.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxFiles is used when Options.MaxFiles is not set.
const DefaultMaxFiles = 1000

// renderPrefix starts the names of temporary files that builds render into.
const renderPrefix = ".render-"

// A Source identifies the input an artifact is rendered from.
type Source interface {
	// Key identifies the source. Keys are compared case-insensitively and
	// are used to serialize builds.
	Key() string

	// ModTime returns the current version of the source.
	ModTime(ctx context.Context) (time.Time, error)
}

// FileSource is a Source backed by a file on the local filesystem.
type FileSource string

func (f FileSource) Key() string { return string(f) }

func (f FileSource) ModTime(context.Context) (time.Time, error) {
	fi, err := os.Stat(string(f))
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// RenderFunc writes a complete artifact to w.
type RenderFunc func(ctx context.Context, w io.Writer) error

// Options configure a Cache.
type Options struct {
	// MaxFiles is the number of files the cache directory may hold before
	// the oldest are trimmed. DefaultMaxFiles is used if it is zero.
	MaxFiles int

	// TrimExtra is the number of files deleted beyond MaxFiles when an
	// automatic trim runs.
	TrimExtra int

	// AlwaysInvalid treats every artifact as stale. For testing only.
	AlwaysInvalid bool

	// Versions stores version tokens. Defaults to ModTimeVersions.
	Versions VersionStore

	Logger *zap.Logger
}

// Cache is an on-disk artifact cache rooted at a single directory.
type Cache struct {
	dir      string
	opts     Options
	versions VersionStore
	logger   *zap.Logger

	locks LockRegistry

	trimMu  sync.Mutex
	written atomic.Int64 // artifacts written since the last trim
	trimmed atomic.Bool  // whether a trim has run in this process
}

// New returns a Cache rooted at dir. The directory is not touched until the
// first call to Prepare or UpdateIfNeeded.
func New(dir string, opts Options) *Cache {
	c := &Cache{
		dir:      dir,
		opts:     opts,
		versions: opts.Versions,
		logger:   opts.Logger,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.versions == nil {
		c.versions = ModTimeVersions{}
	}
	if c.opts.MaxFiles <= 0 {
		c.logger.Warn("cache max file count not set, using default",
			zap.Int("maxFiles", DefaultMaxFiles))
		c.opts.MaxFiles = DefaultMaxFiles
	}
	return c
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// MaxFiles returns the file count automatic trims keep the cache within.
func (c *Cache) MaxFiles() int { return c.opts.MaxFiles }

// Path returns the artifact path for key. For key "foo" and ext "png" this
// is something like <root>/ac/bd/acbd18db4cc2f85cedef654fccc4a4d8.png.
func (c *Cache) Path(key, ext string) string {
	name := keyToFilename(key)
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return filepath.Join(c.dir, name[0:2], name[2:4], name)
}

// UpdateIfNeeded makes sure the artifact at cachedPath is current for src,
// calling render if it is missing or stale.
//
// It returns true if the artifact is usable. It returns false with a nil
// error if a build was needed but the build lock for src could not be taken
// within timeout; the caller decides whether to serve a stale copy, render
// without caching, or fail. If ctx is done while waiting for the lock, its
// error is returned instead. Errors from render are returned once the lock
// has been released, and nothing is cached for them.
//
// With ignoreFreshness set, any existing artifact is accepted and a newly
// built one is not stamped with a version.
//
// A trim may run after a build. If it fails, UpdateIfNeeded returns true
// along with a *TrimError.
func (c *Cache) UpdateIfNeeded(ctx context.Context, src Source, cachedPath string, render RenderFunc, timeout time.Duration, ignoreFreshness bool) (bool, error) {
	if err := c.Prepare(); err != nil {
		return false, err
	}

	fresh, err := c.fresh(ctx, src, cachedPath, ignoreFreshness)
	if err != nil {
		return false, err
	}
	if fresh {
		return true, nil
	}

	err = c.locks.WithKeyLock(ctx, src.Key(), timeout, func() error {
		// another caller may have finished the build while we waited
		fresh, err := c.fresh(ctx, src, cachedPath, ignoreFreshness)
		if err != nil || fresh {
			return err
		}
		return c.build(ctx, src, cachedPath, render, ignoreFreshness)
	})
	if errors.Is(err, ErrLockTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := c.TrimIfNeeded(); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Cache) fresh(ctx context.Context, src Source, cachedPath string, ignoreFreshness bool) (bool, error) {
	if ignoreFreshness {
		return c.IsFreshIgnoring(cachedPath, true)
	}
	t, err := src.ModTime(ctx)
	if err != nil {
		return false, fmt.Errorf("reading source version: %w", err)
	}
	return c.IsFresh(t, cachedPath)
}

// build renders into a temporary file next to cachedPath and renames it
// into place, so readers never see a partial artifact.
func (c *Cache) build(ctx context.Context, src Source, cachedPath string, render RenderFunc, ignoreFreshness bool) error {
	dir := filepath.Dir(cachedPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, renderPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := render(ctx, tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, cachedPath); err != nil {
		return err
	}
	committed = true
	c.written.Add(1)

	if ignoreFreshness {
		return nil
	}

	// stamp with the version current now that rendering is done
	t, err := src.ModTime(ctx)
	if err != nil {
		return fmt.Errorf("reading source version: %w", err)
	}
	if err := c.versions.Stamp(cachedPath, t); err != nil {
		return fmt.Errorf("stamping %q: %w", cachedPath, err)
	}
	return nil
}

// Stats describe the cache's internal counters.
type Stats struct {
	WritesSinceTrim int64 // artifacts written since the last trim
	Trimmed         bool  // whether a trim has run in this process
	Locks           int   // keys with a live build lock
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	return Stats{
		WritesSinceTrim: c.written.Load(),
		Trimmed:         c.trimmed.Load(),
		Locks:           c.locks.Len(),
	}
}
