// Package caddy provides rendercache as a Caddy module.
package caddy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	caddy "github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
	"willnorris.com/go/rendercache"
	"willnorris.com/go/rendercache/internal/diskcache"
	"willnorris.com/go/rendercache/internal/gcssource"
	"willnorris.com/go/rendercache/internal/s3source"
)

func init() {
	caddy.RegisterModule(RenderCache{})
	httpcaddyfile.RegisterHandlerDirective("rendercache", parseCaddyfile)
}

type RenderCache struct {
	CacheDir string `json:"cache_dir,omitempty"`
	MaxFiles int    `json:"max_files,omitempty"`
	Source   string `json:"source,omitempty"`

	// LockTimeout defaults to rendercache.DefaultLockTimeout.
	LockTimeout   caddy.Duration `json:"lock_timeout,omitempty"`
	AlwaysInvalid bool           `json:"always_invalid,omitempty"`

	// Versions is "mtime" (the default) or "sidecar".
	Versions string `json:"versions,omitempty"`

	logger *zap.Logger
	server *rendercache.Server
}

// interface guards
var (
	_ caddy.Provisioner           = (*RenderCache)(nil)
	_ caddyhttp.MiddlewareHandler = (*RenderCache)(nil)
)

// CaddyModule returns the Caddy module information.
func (RenderCache) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.rendercache",
		New: func() caddy.Module { return new(RenderCache) },
	}
}

func (p *RenderCache) Provision(ctx caddy.Context) error {
	p.logger = ctx.Logger()
	if p.CacheDir == "" {
		return errors.New("rendercache: cache_dir is required")
	}

	opts := diskcache.Options{
		MaxFiles:      p.MaxFiles,
		AlwaysInvalid: p.AlwaysInvalid,
		Logger:        p.logger,
	}
	switch p.Versions {
	case "", "mtime":
	case "sidecar":
		opts.Versions = diskcache.NewSidecarVersions(p.CacheDir)
	default:
		return fmt.Errorf("rendercache: unknown versions store %q", p.Versions)
	}
	cache := diskcache.New(p.CacheDir, opts)
	if err := cache.Prepare(); err != nil {
		return err
	}

	sources, err := parseSource(ctx, p.Source)
	if err != nil {
		return fmt.Errorf("rendercache: %w", err)
	}

	p.server = rendercache.NewServer(cache, sources)
	if p.LockTimeout != 0 {
		p.server.LockTimeout = time.Duration(p.LockTimeout)
	}
	p.server.Logger = p.logger
	return nil
}

func (p *RenderCache) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	p.server.ServeHTTP(w, r)
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	p := new(RenderCache)

	h.Next() // consume the directive name
	for nesting := h.Nesting(); h.NextBlock(nesting); {
		switch h.Val() {
		case "cache_dir":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.CacheDir = h.Val()
		case "max_files":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			n, err := strconv.Atoi(h.Val())
			if err != nil {
				return nil, h.Errf("invalid max_files: %v", err)
			}
			p.MaxFiles = n
		case "source":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.Source = h.Val()
		case "lock_timeout":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			d, err := caddy.ParseDuration(h.Val())
			if err != nil {
				return nil, h.Errf("invalid lock_timeout: %v", err)
			}
			p.LockTimeout = caddy.Duration(d)
		case "always_invalid":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.AlwaysInvalid, _ = strconv.ParseBool(h.Val())
		case "versions":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.Versions = h.Val()
		default:
			return nil, h.Errf("unknown subdirective %q", h.Val())
		}
	}
	return p, nil
}

// parseSource returns the resolver for the source location s.
func parseSource(ctx context.Context, s string) (rendercache.SourceResolver, error) {
	if s == "" {
		return nil, errors.New("source is required")
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return rendercache.Dir(s), nil
	}

	switch u.Scheme {
	case "s3":
		return s3source.New(s)
	case "gcs", "gs":
		return gcssource.New(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "file":
		return rendercache.Dir(u.Path), nil
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}
