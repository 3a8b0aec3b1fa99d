// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package s3source

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"willnorris.com/go/rendercache"
)

type mockObject struct {
	data    string
	modTime time.Time
}

// mockS3Client is a mock implementation of the S3 client interface
type mockS3Client struct {
	s3iface.S3API
	objects map[string]mockObject
	err     error
}

func (m *mockS3Client) HeadObjectWithContext(_ aws.Context, input *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	obj, ok := m.objects[*input.Bucket+"/"+*input.Key]
	if !ok {
		// HEAD responses carry no body, so the error code is the status text
		return nil, awserr.New("NotFound", "Not Found", nil)
	}
	return &s3.HeadObjectOutput{LastModified: aws.Time(obj.modTime)}, nil
}

func (m *mockS3Client) GetObjectWithContext(_ aws.Context, input *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	obj, ok := m.objects[*input.Bucket+"/"+*input.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(obj.data))}, nil
}

func TestResolver(t *testing.T) {
	mtime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Resolver{
		S3API: &mockS3Client{objects: map[string]mockObject{
			"bucket/images/a/b.png": {data: "image data", modTime: mtime},
		}},
		bucket: "bucket",
		prefix: "images",
	}
	ctx := context.Background()

	src, err := r.Resolve(ctx, "a/b.png")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got, want := src.Key(), "s3://bucket/images/a/b.png"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	got, err := src.ModTime(ctx)
	if err != nil {
		t.Fatalf("ModTime returned error: %v", err)
	}
	if !got.Equal(mtime) {
		t.Errorf("ModTime() = %v, want %v", got, mtime)
	}

	rc, err := src.Open(ctx)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "image data" {
		t.Errorf("Open returned %q, want %q", b, "image data")
	}
}

func TestResolver_Names(t *testing.T) {
	r := &Resolver{bucket: "bucket", prefix: "p"}
	tests := []struct {
		name, key string
	}{
		{"a.png", "s3://bucket/p/a.png"},
		{"/a.png", "s3://bucket/p/a.png"},
		{"a/../b.png", "s3://bucket/p/b.png"},
		{"../../b.png", "s3://bucket/p/b.png"},
	}
	for _, tt := range tests {
		src, err := r.Resolve(context.Background(), tt.name)
		if err != nil {
			t.Errorf("Resolve(%q) returned error: %v", tt.name, err)
			continue
		}
		if got := src.Key(); got != tt.key {
			t.Errorf("Resolve(%q) key = %q, want %q", tt.name, got, tt.key)
		}
	}

	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, rendercache.ErrSourceNotFound) {
		t.Errorf("Resolve(\"\") returned error %v, want ErrSourceNotFound", err)
	}
}

func TestResolver_NotFound(t *testing.T) {
	r := &Resolver{S3API: &mockS3Client{}, bucket: "bucket"}
	ctx := context.Background()

	src, err := r.Resolve(ctx, "missing.png")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if _, err := src.ModTime(ctx); !errors.Is(err, rendercache.ErrSourceNotFound) {
		t.Errorf("ModTime returned error %v, want ErrSourceNotFound", err)
	}
	if _, err := src.Open(ctx); !errors.Is(err, rendercache.ErrSourceNotFound) {
		t.Errorf("Open returned error %v, want ErrSourceNotFound", err)
	}
}

func TestResolver_Error(t *testing.T) {
	failure := awserr.New("AccessDenied", "Access Denied", nil)
	r := &Resolver{S3API: &mockS3Client{err: failure}, bucket: "bucket"}
	ctx := context.Background()

	src, _ := r.Resolve(ctx, "a.png")
	_, err := src.ModTime(ctx)
	if errors.Is(err, rendercache.ErrSourceNotFound) {
		t.Errorf("ModTime returned ErrSourceNotFound for access error")
	}
	if !errors.Is(err, failure) {
		t.Errorf("ModTime returned error %v, want wrapped %v", err, failure)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		url            string
		bucket, prefix string
		wantErr        bool
	}{
		{"s3://us-east-1/bucket", "bucket", "", false},
		{"s3://us-east-1/bucket/", "bucket", "", false},
		{"s3://us-east-1/bucket/some/prefix/", "bucket", "some/prefix", false},
		{"s3://us-east-1/bucket?endpoint=localhost:9000&disableSSL=1&s3ForcePathStyle=1", "bucket", "", false},
		{"s3://us-east-1/", "", "", true},
	}
	for _, tt := range tests {
		r, err := New(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q) did not return expected error", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q) returned error: %v", tt.url, err)
			continue
		}
		if r.bucket != tt.bucket || r.prefix != tt.prefix {
			t.Errorf("New(%q) = bucket %q prefix %q, want %q, %q", tt.url, r.bucket, r.prefix, tt.bucket, tt.prefix)
		}
	}
}
