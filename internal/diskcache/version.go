// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"bytes"
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/diskv"
)

// versionsDir is the directory beneath the cache root that holds sidecar
// version records. The trimming walk never descends into it.
const versionsDir = "_versions"

// A VersionStore records which source version an artifact was built from.
type VersionStore interface {
	// Version returns the token stored for the artifact at path. ok is
	// false if the artifact or its token does not exist.
	Version(path string) (t time.Time, ok bool, err error)

	// Stamp records t as the token for the artifact at path.
	Stamp(path string, t time.Time) error

	// Forget drops any token stored for path.
	Forget(path string) error
}

// ModTimeVersions uses each artifact's modification time as its version
// token. This needs a filesystem with reliable modification times.
type ModTimeVersions struct{}

func (ModTimeVersions) Version(path string) (time.Time, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return fi.ModTime(), true, nil
}

func (ModTimeVersions) Stamp(path string, t time.Time) error {
	return os.Chtimes(path, time.Now(), t)
}

func (ModTimeVersions) Forget(string) error { return nil }

// versionRecord is the gob-encoded sidecar entry.
type versionRecord struct {
	Path    string
	Version time.Time
}

// SidecarVersions stores version tokens in sidecar files beneath the cache
// root, leaving artifact timestamps alone.
type SidecarVersions struct {
	d *diskv.Diskv
}

// NewSidecarVersions returns a SidecarVersions storing records beneath
// root/_versions.
func NewSidecarVersions(root string) *SidecarVersions {
	d := diskv.New(diskv.Options{
		BasePath: filepath.Join(root, versionsDir),
		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return &SidecarVersions{d: d}
}

func (s *SidecarVersions) Version(path string) (time.Time, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	data, err := s.d.Read(sidecarKey(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	var rec versionRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return time.Time{}, false, err
	}
	if rec.Path != path {
		// md5 collision; treat as missing
		return time.Time{}, false, nil
	}
	return rec.Version, true, nil
}

func (s *SidecarVersions) Stamp(path string, t time.Time) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(versionRecord{Path: path, Version: t}); err != nil {
		return err
	}
	return s.d.Write(sidecarKey(path), buf.Bytes())
}

func (s *SidecarVersions) Forget(path string) error {
	err := s.d.Erase(sidecarKey(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func sidecarKey(path string) string {
	return keyToFilename(filepath.Clean(path))
}

func keyToFilename(key string) string {
	h := md5.New()
	_, _ = io.WriteString(h, key)
	return hex.EncodeToString(h.Sum(nil))
}
