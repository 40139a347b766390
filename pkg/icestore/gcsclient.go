package icestore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSClient abstracts the top-level *storage.Client so the uploader can be
// tested without a bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
}

type gcsClient struct {
	client *storage.Client
}

// NewGCSClient adapts a *storage.Client to GCSClient.
func NewGCSClient(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClient{client: client}
}

func (a *gcsClient) Bucket(name string) GCSBucketHandle {
	return gcsBucket{handle: a.client.Bucket(name)}
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

func (b gcsBucket) Object(name string) GCSObjectHandle {
	return gcsObject{handle: b.handle.Object(name)}
}

type gcsObject struct {
	handle *storage.ObjectHandle
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.handle.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = "gzip"
	return w
}
