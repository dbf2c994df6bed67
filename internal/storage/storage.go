// Package storage defines the object store contract used for upload
// artifacts and decision audit records.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types written by lockgate.
const (
	ContentTypeJPEG        = "image/jpeg"
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write or delete lost its race.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by backends lacking an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend is the object store contract. Keys are slash separated and
// relative to the backend root (bucket prefix, container prefix or
// directory).
type Backend interface {
	// PutObject writes body under key. When opts.IfNotExists is set an
	// existing object yields ErrCASMismatch.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// GetObject streams the object. Callers must close the reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// DeleteObject removes key.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates keys in ascending lexical order.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls PutObject.
type PutObjectOptions struct {
	IfNotExists bool
	ContentType string
	// Size is the body length when known, or -1.
	Size int64
}

// DeleteObjectOptions controls DeleteObject.
type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of ListObjects output.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult pairs an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
