// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package rendercache provides an image server that keeps resized
// renderings of its source images in an on-disk cache.  For typical use of
// creating and using a Server, see cmd/rendercache/main.go.
package rendercache // import "willnorris.com/go/rendercache"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"willnorris.com/go/rendercache/internal/diskcache"
)

// DefaultLockTimeout is how long a request waits for a rendering of the same
// image already in progress before falling back.
const DefaultLockTimeout = 10 * time.Second

// Values of the X-Cache response header.
const (
	cacheHit    = "hit"    // served a current rendering from the cache
	cacheMiss   = "miss"   // rendered into the cache by this request
	cacheStale  = "stale"  // served an outdated rendering while another request renders
	cacheBypass = "bypass" // rendered without the cache
)

var contentTypes = map[string]string{
	"bmp":  "image/bmp",
	"gif":  "image/gif",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"tiff": "image/tiff",
	"webp": "image/webp",
}

// Server serves image requests.
//
// Note that a Server should not be run behind a http.ServeMux, since the
// ServeMux aggressively cleans URLs and removes double slashes in the
// request path.
type Server struct {
	Cache   *diskcache.Cache // cache of rendered images
	Sources SourceResolver   // resolves request names to source images

	// LockTimeout is how long to wait for another request rendering the
	// same image.  Zero means don't wait at all.  When it expires, an
	// outdated rendering is served if one exists; otherwise the image is
	// rendered without being cached.
	LockTimeout time.Duration

	// Allow images to scale beyond their original dimensions.
	ScaleUp bool

	Logger *zap.Logger

	// uncached deduplicates concurrent renders that bypass the cache.
	uncached singleflight.Group
}

// NewServer constructs a new Server.
func NewServer(cache *diskcache.Cache, sources SourceResolver) *Server {
	return &Server{
		Cache:       cache,
		Sources:     sources,
		LockTimeout: DefaultLockTimeout,
		Logger:      zap.NewNop(),
	}
}

// ServeHTTP handles image requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" {
		return // ignore favicon requests
	}

	timer := prometheus.NewTimer(httpRequestsResponseTime)
	defer timer.ObserveDuration()

	req, err := NewRequest(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	if s.ScaleUp {
		req.Options.ScaleUp = true
	}

	ctx := r.Context()
	src, err := s.Sources.Resolve(ctx, req.Name)
	if err != nil {
		s.error(w, r, err)
		return
	}

	key := src.Key() + "#" + req.Options.String()
	ext := outputFormat(req.Name, req.Options)
	cachedPath := s.Cache.Path(key, ext)

	rendered := false
	render := func(ctx context.Context, w io.Writer) error {
		rendered = true
		return s.render(ctx, src, req.Options, w)
	}

	ok, err := s.Cache.UpdateIfNeeded(ctx, variant{src, key}, cachedPath, render, s.LockTimeout, false)
	var trimErr *diskcache.TrimError
	if errors.As(err, &trimErr) {
		// the rendering itself is fine
		s.Logger.Warn("unable to trim cache", zap.String("path", trimErr.Path), zap.Error(trimErr.Err))
		err = nil
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// client went away while waiting for another render
		s.Logger.Debug("request canceled", zap.String("key", key), zap.Error(err))
		return
	}
	if err != nil {
		s.error(w, r, err)
		return
	}

	state := cacheHit
	switch {
	case !ok:
		renderLockTimeouts.Inc()
		s.Logger.Warn("timed out waiting for render lock",
			zap.String("key", key), zap.Duration("timeout", s.LockTimeout))
		state = cacheStale
	case rendered:
		state = cacheMiss
	}

	if s.serveFile(w, r, cachedPath, ext, state) {
		if state != cacheMiss {
			requestServedFromCacheCount.WithLabelValues(state).Inc()
		}
		s.Logger.Debug("served request", zap.Stringer("request", req), zap.String("cache", state))
		return
	}

	// nothing usable in the cache
	s.serveUncached(w, r, src, key, req.Options, ext)
}

// serveFile serves the artifact at p, returning false if it does not exist.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p, ext, state string) bool {
	f, err := os.Open(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.Logger.Error("unable to open cached image", zap.String("path", p), zap.Error(err))
		}
		return false
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.Logger.Error("unable to stat cached image", zap.String("path", p), zap.Error(err))
		return false
	}

	setHeaders(w, ext, state)
	http.ServeContent(w, r, "", fi.ModTime(), f)
	return true
}

func (s *Server) serveUncached(w http.ResponseWriter, r *http.Request, src Source, key string, opt Options, ext string) {
	// the render is shared between requests, so it must not be canceled
	// along with the request that started it
	ctx := context.WithoutCancel(r.Context())
	v, err, _ := s.uncached.Do(key, func() (any, error) {
		buf := new(bytes.Buffer)
		if err := s.render(ctx, src, opt, buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		s.error(w, r, err)
		return
	}

	s.Logger.Debug("served uncached request", zap.String("key", key))
	setHeaders(w, ext, cacheBypass)
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(v.([]byte)))
}

// render writes src transformed by opt to w.
func (s *Server) render(ctx context.Context, src Source, opt Options, w io.Writer) error {
	rc, err := src.Open(ctx)
	if err != nil {
		sourceFetchErrors.Inc()
		return fmt.Errorf("opening source %s: %w", src.Key(), err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		sourceFetchErrors.Inc()
		return fmt.Errorf("reading source %s: %w", src.Key(), err)
	}

	timer := prometheus.NewTimer(imageTransformationSummary)
	img, err := Transform(b, opt)
	timer.ObserveDuration()
	if err != nil {
		return fmt.Errorf("transforming %s: %w", src.Key(), err)
	}

	_, err = w.Write(img)
	return err
}

func (s *Server) error(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr RequestError
	switch {
	case errors.As(err, &reqErr):
		s.Logger.Info("invalid request", zap.String("url", r.URL.String()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrSourceNotFound), errors.Is(err, fs.ErrNotExist):
		s.Logger.Info("source not found", zap.String("url", r.URL.String()), zap.Error(err))
		http.Error(w, "source image not found", http.StatusNotFound)
	default:
		s.Logger.Error("error serving request", zap.String("url", r.URL.String()), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func setHeaders(w http.ResponseWriter, ext, state string) {
	if ct, ok := contentTypes[ext]; ok {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Cache", state)
}

// outputFormat returns the format an image named name is rendered in.
func outputFormat(name string, opt Options) string {
	if opt.Format != "" {
		return opt.Format
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	switch ext {
	case "jpg":
		ext = "jpeg"
	case "tif":
		ext = "tiff"
	}
	// webp and tiff sources are re-encoded as jpeg
	if opt.transform() && (ext == "tiff" || ext == "webp") {
		ext = "jpeg"
	}
	return ext
}

// variant is a single rendering of a source.  Renderings of the same source
// with different options have different keys, so they are built
// independently.
type variant struct {
	Source
	key string
}

func (v variant) Key() string { return v.key }
