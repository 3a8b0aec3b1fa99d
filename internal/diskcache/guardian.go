// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// AccessFileName is the deny-all marker written into the cache root so that
// a web server mapping the directory does not serve artifacts directly.
const AccessFileName = ".htaccess"

const accessFileContents = `# generated by rendercache; cached files must not be served directly
Require all denied
Deny from all
`

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Prepare ensures the cache root exists and carries the access marker.
// It is idempotent and only writes when something is missing.
func Prepare(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: no cache directory configured", ErrCacheUnavailable)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	marker := filepath.Join(dir, AccessFileName)
	_, err := os.Stat(marker)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if err := os.WriteFile(marker, []byte(accessFileContents), filePerm); err != nil {
		return fmt.Errorf("%w: writing access marker: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Prepare runs the package level Prepare against the cache root.
func (c *Cache) Prepare() error {
	return Prepare(c.dir)
}
