// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package objectstore defines the capability-typed object store surface the
// platform consumes. The external snapshot source is handed out as a Reader
// only; the internal target and the report sink carry both capabilities.
package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/juju/errors"
)

const (
	// ErrNotFound indicates the addressed object does not exist.
	ErrNotFound = errors.ConstError("object not found")

	// ErrPreconditionFailed indicates the store rejected the operation
	// because the object changed underneath it.
	ErrPreconditionFailed = errors.ConstError("object precondition failed")

	// ErrNotSupported indicates the capability is not available on this
	// store instance, e.g. ClearDown on the read-only source.
	ErrNotSupported = errors.ConstError("operation not supported")
)

// DefaultPartSize is the multipart upload part size used by write streams.
const DefaultPartSize = 8 * 1024 * 1024

// DefaultPresignExpiry is how long presigned report URLs stay valid.
const DefaultPresignExpiry = 7 * 24 * time.Hour

// ObjectRef identifies one version of a stored object. Identity is
// (Key, ETag); Size and LastModified describe that version.
type ObjectRef struct {
	Container    string
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Metadata describes a stored object.
type Metadata struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	User         map[string]string
}

// WriteStream is a multipart upload in progress. Close finalises the
// upload; Abort tears it down leaving no partial object behind. Exactly one
// of the two must be called.
type WriteStream interface {
	io.Writer

	// Close completes the upload and makes the object visible.
	Close() error

	// Abort cancels the upload. It is safe to call after a failed
	// Close.
	Abort() error
}

// WriteOptions carries the optional attributes of a new object.
type WriteOptions struct {
	ContentType string
	Metadata    map[string]string
	PartSize    int64
}

// Reader is the read capability of an object store instance. All keys are
// relative to the instance's configured prefix.
type Reader interface {
	// List returns every object under the given prefix in lexical key
	// order.
	List(ctx context.Context, prefix string) ([]ObjectRef, error)

	// ListPage returns one page of objects under the prefix, in lexical
	// key order, along with the continuation token for the next page.
	// The empty token means the listing is complete. Page size is
	// capped at 1000.
	ListPage(ctx context.Context, prefix string, size int, token string) ([]ObjectRef, string, error)

	// GetMetadata returns the metadata of the object at key.
	GetMetadata(ctx context.Context, key string) (Metadata, error)

	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// OpenRead returns a stream over the object's content. The caller
	// must close it; cancelling the context aborts a read in progress.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)

	// Presign returns a time-limited URL granting read access to the
	// object. URL generation is local; no I/O is performed and the
	// object's existence is not checked.
	Presign(key string, expiry time.Duration) (string, error)
}

// Writer is the write capability of an object store instance.
type Writer interface {
	// OpenWrite starts a multipart upload to key. On Close the object
	// becomes visible atomically; on Abort no partial object remains.
	OpenWrite(ctx context.Context, key string, opts WriteOptions) (WriteStream, error)

	// Upload writes the supplied bytes as the object at key.
	Upload(ctx context.Context, key string, data []byte, opts WriteOptions) error

	// SetMetadata replaces the user metadata of the object at key.
	SetMetadata(ctx context.Context, key string, metadata map[string]string) error

	// Delete removes the object at key. Deleting an absent object is
	// not an error.
	Delete(ctx context.Context, key string) error

	// ClearDown deletes every object under the instance's configured
	// prefix and returns the deleted keys. It never reaches outside
	// that prefix.
	ClearDown(ctx context.Context) ([]string, error)
}

// Store is an object store instance carrying both capabilities.
type Store interface {
	Reader
	Writer
}
