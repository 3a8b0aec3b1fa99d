// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheUnavailable is returned when the cache root is not configured
	// or cannot be created. It is not worth retrying.
	ErrCacheUnavailable = errors.New("diskcache: cache directory unavailable")

	// ErrLockTimeout is returned by WithKeyLock when the per-key lock could
	// not be acquired in time.
	ErrLockTimeout = errors.New("diskcache: timed out waiting for build lock")

	// ErrTrimFailed is matched by every *TrimError.
	ErrTrimFailed = errors.New("diskcache: unable to trim cache")
)

// TrimError reports a trim pass that could not delete enough entries to get
// the cache back under its bound.
type TrimError struct {
	Path string // last file that could not be removed
	Err  error
}

func (e *TrimError) Error() string {
	return fmt.Sprintf("diskcache: unable to trim cache: removing %q: %v", e.Path, e.Err)
}

func (e *TrimError) Unwrap() []error { return []error{ErrTrimFailed, e.Err} }
