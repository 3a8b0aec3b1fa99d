// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package s3source provides a rendercache.SourceResolver that reads source
// images from Amazon S3.
package s3source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"willnorris.com/go/rendercache"
)

// Resolver resolves request names to objects in an S3 bucket.
type Resolver struct {
	s3iface.S3API
	bucket, prefix string
}

// Resolve returns the source for the object called name beneath the
// resolver's prefix.  The object is not checked for existence until its
// version or contents are read.
func (r *Resolver) Resolve(_ context.Context, name string) (rendercache.Source, error) {
	name = path.Clean("/" + name)
	if name == "/" {
		return nil, fmt.Errorf("%w: empty name", rendercache.ErrSourceNotFound)
	}
	return &object{r: r, key: path.Join(r.prefix, name[1:])}, nil
}

type object struct {
	r   *Resolver
	key string
}

func (o *object) Key() string {
	return "s3://" + o.r.bucket + "/" + o.key
}

func (o *object) ModTime(ctx context.Context) (time.Time, error) {
	out, err := o.r.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.r.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return time.Time{}, o.error(err)
	}
	return aws.TimeValue(out.LastModified), nil
}

func (o *object) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := o.r.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.r.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return nil, o.error(err)
	}
	return out.Body, nil
}

func (o *object) error(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%w: %s", rendercache.ErrSourceNotFound, o.Key())
		}
	}
	return fmt.Errorf("s3 object %s: %w", o.Key(), err)
}

// New constructs a Resolver configured using the provided URL string.
// URL should be of the form: "s3://region/bucket/optional-path-prefix".
func New(s string) (*Resolver, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	region := u.Host
	path := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	bucket := path[0]
	if bucket == "" {
		return nil, fmt.Errorf("s3 source %q has no bucket", s)
	}
	var prefix string
	if len(path) > 1 {
		prefix = strings.TrimSuffix(path[1], "/")
	}

	config := aws.NewConfig().WithRegion(region)

	// allow overriding some additional config options, mostly useful when
	// working with s3-compatible services other than AWS.
	if v := u.Query().Get("endpoint"); v != "" {
		config = config.WithEndpoint(v)
	}
	if v := u.Query().Get("disableSSL"); v == "1" {
		config = config.WithDisableSSL(true)
	}
	if v := u.Query().Get("s3ForcePathStyle"); v == "1" {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		S3API:  s3.New(sess),
		bucket: bucket,
		prefix: prefix,
	}, nil
}
