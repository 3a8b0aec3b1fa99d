// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// VersionTolerance is the largest difference between a stored version token
// and a source timestamp that still counts as the same version. It absorbs
// filesystem timestamp resolution.
const VersionTolerance = 5 * time.Millisecond

// sameVersion reports whether a and b are within VersionTolerance.
func sameVersion(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= VersionTolerance
}

// IsFresh reports whether the artifact at cachedPath was built from the
// source version identified by sourceTime. It is false if the artifact does
// not exist, or if the cache is configured to always treat entries as
// invalid.
func (c *Cache) IsFresh(sourceTime time.Time, cachedPath string) (bool, error) {
	if c.opts.AlwaysInvalid {
		return false, nil
	}
	v, ok, err := c.versions.Version(cachedPath)
	if err != nil || !ok {
		return false, err
	}
	return sameVersion(v, sourceTime), nil
}

// IsFreshIgnoring is the freshness check used when the source version should
// not be consulted at all. With ignoreFreshness set, an existing artifact is
// always fresh; otherwise nothing is.
func (c *Cache) IsFreshIgnoring(cachedPath string, ignoreFreshness bool) (bool, error) {
	if c.opts.AlwaysInvalid || !ignoreFreshness {
		return false, nil
	}
	if _, err := os.Stat(cachedPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
