// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// trimDivisor sets how many writes must happen between automatic trims,
// as a fraction of MaxFiles.
const trimDivisor = 15

// controlExtensions mark configuration files that are never trimmed.
var controlExtensions = map[string]bool{
	".config":   true,
	".htaccess": true,
}

func isControlFile(path string) bool {
	return controlExtensions[strings.ToLower(filepath.Ext(path))]
}

// renderGrace is how long a temporary render file is left alone by trims.
// Older ones are leftovers from interrupted builds.
const renderGrace = 30 * time.Minute

type trimEntry struct {
	path    string
	size    int64
	access  time.Time
	pending bool // temporary file of a build that may still be running
}

// TrimIfNeeded trims the cache down to MaxFiles if enough has been written
// since the last trim to make the directory scan worthwhile. The first call
// in a process always trims. It returns true if any file was deleted.
//
// Only one trim runs at a time; if another is in progress TrimIfNeeded
// returns immediately.
func (c *Cache) TrimIfNeeded() (bool, error) {
	if !c.trimDue() {
		return false, nil
	}
	if !c.trimMu.TryLock() {
		return false, nil
	}
	defer c.trimMu.Unlock()

	if !c.trimDue() {
		return false, nil
	}
	c.written.Store(0)
	c.trimmed.Store(true)
	return c.trim(c.opts.MaxFiles, c.opts.TrimExtra)
}

func (c *Cache) trimDue() bool {
	return !c.trimmed.Load() || c.written.Load() > int64(c.opts.MaxFiles/trimDivisor)
}

// Trim deletes the least recently accessed files until at most maxCount
// remain, plus deleteExtra more. Control files are never deleted. It returns
// true if any file was deleted.
//
// Temporary files of builds still in progress count toward maxCount but are
// not deleted. A file that cannot be removed is skipped in favor of the next
// oldest. If the last candidate cannot be removed, Trim returns a *TrimError.
func (c *Cache) Trim(maxCount, deleteExtra int) (bool, error) {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()
	return c.trim(maxCount, deleteExtra)
}

// Clear deletes every file in the cache except control files.
func (c *Cache) Clear() (bool, error) {
	return c.Trim(0, 0)
}

func (c *Cache) trim(maxCount, deleteExtra int) (bool, error) {
	if c.dir == "" {
		return false, fmt.Errorf("%w: no cache directory configured", ErrCacheUnavailable)
	}
	entries, err := c.scan()
	if err != nil {
		return false, err
	}
	if len(entries) <= maxCount {
		return false, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].access.Before(entries[j].access)
	})

	quota := len(entries) - maxCount + deleteExtra
	var deleted int
	var freed int64
	for i := 0; i < len(entries) && deleted < quota; i++ {
		e := entries[i]
		if isControlFile(e.path) || e.pending {
			continue
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if i == len(entries)-1 {
				return deleted > 0, &TrimError{Path: e.path, Err: err}
			}
			c.logger.Warn("unable to remove cached file", zap.String("path", e.path), zap.Error(err))
			continue
		}
		if err := c.versions.Forget(e.path); err != nil {
			c.logger.Warn("unable to remove version record", zap.String("path", e.path), zap.Error(err))
		}
		deleted++
		freed += e.size
	}

	c.logger.Info("trimmed cache",
		zap.String("dir", c.dir),
		zap.Int("found", len(entries)),
		zap.Int("deleted", deleted),
		zap.String("freed", humanize.Bytes(uint64(freed))))
	return deleted > 0, nil
}

// scan lists every regular file beneath the cache root, except the sidecar
// version store.
func (c *Cache) scan() ([]trimEntry, error) {
	var entries []trimEntry
	versions := filepath.Join(c.dir, versionsDir)

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == versions {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		entries = append(entries, trimEntry{
			path:    path,
			size:    info.Size(),
			access:  times.Get(info).AccessTime(),
			pending: strings.HasPrefix(d.Name(), renderPrefix) && time.Since(info.ModTime()) < renderGrace,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning cache directory: %w", err)
	}
	return entries, nil
}
