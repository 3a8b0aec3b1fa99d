// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// rendercache starts an HTTP server that serves resized renderings of source
// images from an on-disk cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	altsrc "github.com/urfave/cli-altsrc/v3"
	yaml "github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"willnorris.com/go/rendercache"
	"willnorris.com/go/rendercache/internal/diskcache"
	"willnorris.com/go/rendercache/internal/gcssource"
	"willnorris.com/go/rendercache/internal/s3source"
)

const defaultConfig = "rendercache.yaml"

func main() {
	ctx := context.Background()
	if err := newCommand(configPath(os.Args)).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configPath returns the config file named by the config flag or the
// RENDERCACHE_CONFIG environment variable.  Flag values are read from the
// file, so it must be known before the command line is parsed.
func configPath(args []string) string {
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		a = strings.TrimLeft(a, "-")
		if a == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "config="); ok {
			return v
		}
	}
	if v := os.Getenv("RENDERCACHE_CONFIG"); v != "" {
		return v
	}
	return defaultConfig
}

// sources returns the value sources for the setting called name: an
// environment variable followed by the config file.
func sources(name, config string) cli.ValueSourceChain {
	env := "RENDERCACHE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return cli.NewValueSourceChain(
		cli.EnvVar(env),
		yaml.YAML(name, altsrc.StringSourcer(config)),
	)
}

func newCommand(config string) *cli.Command {
	// flags are inherited by the subcommands
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "cache-dir",
			Usage:   "directory to store rendered images in (required)",
			Sources: sources("cache-dir", config),
		},
		&cli.IntFlag{
			Name:    "max-files",
			Usage:   fmt.Sprintf("number of cached files to keep before trimming (default %d)", diskcache.DefaultMaxFiles),
			Sources: sources("max-files", config),
		},
		&cli.IntFlag{
			Name:    "trim-extra",
			Usage:   "number of files to delete beyond max-files when trimming",
			Sources: sources("trim-extra", config),
		},
		&cli.StringFlag{
			Name:    "versions",
			Usage:   "where to record source versions: mtime or sidecar",
			Value:   "mtime",
			Sources: sources("versions", config),
			Validator: func(v string) error {
				if v != "mtime" && v != "sidecar" {
					return fmt.Errorf("unknown versions store %q", v)
				}
				return nil
			},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "print verbose logging messages",
			Sources: sources("verbose", config),
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "YAML file to read settings from",
			Value: defaultConfig,
		},
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "TCP address to listen on",
			Value:   "localhost:8080",
			Sources: sources("addr", config),
		},
		&cli.StringFlag{
			Name:    "source",
			Usage:   "location of source images: a directory, s3://region/bucket/prefix, or gcs://bucket/prefix",
			Value:   ".",
			Sources: sources("source", config),
		},
		&cli.DurationFlag{
			Name:    "lock-timeout",
			Usage:   "how long to wait for a rendering in progress before serving a stale copy",
			Value:   rendercache.DefaultLockTimeout,
			Sources: sources("lock-timeout", config),
		},
		&cli.BoolFlag{
			Name:    "always-invalid",
			Usage:   "re-render on every request (for testing)",
			Sources: sources("always-invalid", config),
		},
		&cli.BoolFlag{
			Name:    "scale-up",
			Usage:   "allow images to scale beyond their original dimensions",
			Sources: sources("scale-up", config),
		},
	}

	return &cli.Command{
		Name:   "rendercache",
		Usage:  "serve resized images from an on-disk cache",
		Flags:  flags,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "clear",
				Usage:  "delete every cached rendering",
				Action: clearCache,
			},
			{
				Name:   "trim",
				Usage:  "delete the least recently used renderings beyond max-files",
				Action: trimCache,
			},
		},
	}
}

func newLogger(cmd *cli.Command) (*zap.Logger, error) {
	if cmd.Bool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newCache(cmd *cli.Command, logger *zap.Logger) (*diskcache.Cache, error) {
	dir := cmd.String("cache-dir")
	if dir == "" {
		return nil, errors.New("cache-dir must be set")
	}
	opts := diskcache.Options{
		MaxFiles:      cmd.Int("max-files"),
		TrimExtra:     cmd.Int("trim-extra"),
		AlwaysInvalid: cmd.Bool("always-invalid"),
		Logger:        logger,
	}
	if cmd.String("versions") == "sidecar" {
		opts.Versions = diskcache.NewSidecarVersions(dir)
	}
	return diskcache.New(dir, opts), nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cache, err := newCache(cmd, logger)
	if err != nil {
		return err
	}
	if err := cache.Prepare(); err != nil {
		return err
	}

	resolver, err := parseSource(ctx, cmd.String("source"))
	if err != nil {
		return fmt.Errorf("parsing source: %w", err)
	}

	s := rendercache.NewServer(cache, resolver)
	s.LockTimeout = cmd.Duration("lock-timeout")
	s.ScaleUp = cmd.Bool("scale-up")
	s.Logger = logger

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.PathPrefix("/").Handler(s)

	server := &http.Server{
		Addr:     cmd.String("addr"),
		Handler:  r,
		ErrorLog: zap.NewStdLog(logger),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("rendercache listening", zap.String("addr", server.Addr), zap.String("cache", cache.Dir()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func clearCache(_ context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	c, err := newCache(cmd, logger)
	if err != nil {
		return err
	}
	deleted, err := c.Clear()
	if err != nil {
		return err
	}
	if !deleted {
		logger.Info("cache already empty")
	}
	return nil
}

func trimCache(_ context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	c, err := newCache(cmd, logger)
	if err != nil {
		return err
	}
	deleted, err := c.Trim(c.MaxFiles(), cmd.Int("trim-extra"))
	if err != nil {
		return err
	}
	if !deleted {
		logger.Info("cache within limit", zap.Int("maxFiles", c.MaxFiles()))
	}
	return nil
}

// parseSource parses the source flag value and returns the resolver for it.
func parseSource(ctx context.Context, s string) (rendercache.SourceResolver, error) {
	if s == "" {
		return nil, errors.New("empty source")
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// plain paths, including windows drive letters
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
