// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package gcssource provides a rendercache.SourceResolver that reads source
// images from Google Cloud Storage.
package gcssource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"willnorris.com/go/rendercache"
)

// objectHandle is the subset of *storage.ObjectHandle used by sources.
type objectHandle interface {
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	NewReader(ctx context.Context) (io.ReadCloser, error)
}

type bucketHandle interface {
	Object(name string) objectHandle
}

type gcsBucket struct {
	*storage.BucketHandle
}

func (b gcsBucket) Object(name string) objectHandle {
	return gcsObject{b.BucketHandle.Object(name)}
}

type gcsObject struct {
	*storage.ObjectHandle
}

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.ObjectHandle.NewReader(ctx)
}

// Resolver resolves request names to objects in a GCS bucket.
type Resolver struct {
	bucket     bucketHandle
	bucketName string
	prefix     string
}

// Resolve returns the source for the object called name beneath the
// resolver's prefix.
func (r *Resolver) Resolve(_ context.Context, name string) (rendercache.Source, error) {
	name = path.Clean("/" + name)
	if name == "/" {
		return nil, fmt.Errorf("%w: empty name", rendercache.ErrSourceNotFound)
	}
	objName := path.Join(r.prefix, name[1:])
	return &object{
		h:   r.bucket.Object(objName),
		key: "gs://" + r.bucketName + "/" + objName,
	}, nil
}

type object struct {
	h   objectHandle
	key string
}

func (o *object) Key() string { return o.key }

func (o *object) ModTime(ctx context.Context) (time.Time, error) {
	attrs, err := o.h.Attrs(ctx)
	if err != nil {
		return time.Time{}, o.error(err)
	}
	return attrs.Updated, nil
}

func (o *object) Open(ctx context.Context) (io.ReadCloser, error) {
	r, err := o.h.NewReader(ctx)
	if err != nil {
		return nil, o.error(err)
	}
	return r, nil
}

func (o *object) error(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", rendercache.ErrSourceNotFound, o.key)
	}
	return fmt.Errorf("gcs object %s: %w", o.key, err)
}

// New constructs a Resolver reading objects from the specified GCS bucket.
// If prefix is not empty, names are resolved beneath that path.
// Credentials should be specified using one of the mechanisms supported for
// Application Default Credentials (see
// https://cloud.google.com/docs/authentication/production)
func New(ctx context.Context, bucket, prefix string) (*Resolver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return NewWithBucket(gcsBucket{client.Bucket(bucket)}, bucket, prefix), nil
}

// NewWithBucket constructs a Resolver using the provided bucket handle.
func NewWithBucket(b bucketHandle, bucketName, prefix string) *Resolver {
	return &Resolver{
		bucket:     b,
		bucketName: bucketName,
		prefix:     path.Clean("/" + prefix)[1:],
	}
}
