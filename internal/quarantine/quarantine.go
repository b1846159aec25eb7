package quarantine

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/uuid"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
	"media-intake/internal/storage"
)

// ErrQuarantine wraps staging failures so callers can classify them as
// infrastructure errors rather than bad input.
var ErrQuarantine = fmt.Errorf("quarantine failure")

// Handle identifies a quarantined artifact.
type Handle struct {
	Key string
}

// Store stages untrusted uploads on an isolated disk before any scanner or
// decoder touches them. The disk should live outside every request-writable
// and web-servable tree.
type Store struct {
	disk storage.Disk
}

// New creates a Store over the given isolated disk.
func New(disk storage.Disk) *Store {
	return &Store{disk: disk}
}

// Put copies data into quarantine and returns a handle to the copy.
func (s *Store) Put(data []byte) (Handle, error) {
	return s.PutStream(bytes.NewReader(data))
}

// PutStream copies the contents of r into quarantine without buffering the
// whole upload in memory.
func (s *Store) PutStream(r io.Reader) (Handle, error) {
	h := Handle{Key: "q-" + uuid.NewString()}
	if err := s.disk.Write(h.Key, r, storage.VisibilityPrivate); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrQuarantine, err)
	}
	metrics.QuarantineActive.Inc()
	logging.Debug("Quarantined upload as %s", h.Key)
	return h, nil
}

// Open returns a reader over the quarantined artifact.
func (s *Store) Open(h Handle) (io.ReadCloser, error) {
	rc, err := s.disk.ReadStream(h.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuarantine, err)
	}
	return rc, nil
}

// Delete removes a quarantined artifact. It is idempotent: deleting a handle
// whose artifact is already gone succeeds.
func (s *Store) Delete(h Handle) error {
	if h.Key == "" {
		return nil
	}
	exists, err := s.disk.Exists(h.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuarantine, err)
	}
	if !exists {
		return nil
	}
	if err := s.disk.Delete(h.Key); err != nil {
		return fmt.Errorf("%w: %v", ErrQuarantine, err)
	}
	metrics.QuarantineActive.Dec()
	logging.Debug("Removed quarantined artifact %s", h.Key)
	return nil
}
