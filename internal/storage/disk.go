package storage

import (
	"errors"
	"io"
)

// Visibility controls who may read an object once stored.
type Visibility string

const (
	// VisibilityPublic marks an object world-readable.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate restricts an object to the owning process.
	VisibilityPrivate Visibility = "private"
)

// ErrNotFound is returned when an object does not exist on the disk.
var ErrNotFound = errors.New("object not found")

// ErrTransient marks an I/O or network failure that is safe to retry with
// backoff. Callers classify storage errors with errors.Is(err, ErrTransient).
var ErrTransient = errors.New("transient storage error")

// Disk is the storage backend consumed by the pipeline. It is implementable
// against both a local filesystem and an object store; Local reports which,
// because the two differ in consistency guarantees: a missing object on a
// local disk is permanent, while a remote store may simply not have caught
// up with a recent write.
type Disk interface {
	// Exists reports whether an object is present at key.
	Exists(key string) (bool, error)

	// Size returns the byte size of the object at key.
	Size(key string) (int64, error)

	// MimeType returns the sniffed MIME type of the object at key.
	MimeType(key string) (string, error)

	// ReadStream opens the object at key for reading.
	ReadStream(key string) (io.ReadCloser, error)

	// Write stores the contents of r at key with the given visibility,
	// replacing any existing object.
	Write(key string, r io.Reader, vis Visibility) error

	// Visibility returns the stored visibility of the object at key.
	Visibility(key string) (Visibility, error)

	// SetVisibility changes the visibility of the object at key.
	SetVisibility(key string, vis Visibility) error

	// Delete removes the object at key. Deleting a missing object is not
	// an error.
	Delete(key string) error

	// Local reports whether this disk is backed by the local filesystem.
	Local() bool
}
