package storage

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
)

// RetryConfig configures retry behavior for local disk operations. Network
// filesystems (NFS) can return stale-handle and spurious I/O errors that
// clear on a short retry.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns sensible defaults for NFS retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// LocalDisk is a Disk backed by a directory on the local filesystem.
// Visibility maps to file permissions: public objects are 0644, private 0600.
type LocalDisk struct {
	root  string
	retry RetryConfig
}

// NewLocalDisk creates a LocalDisk rooted at dir, creating it if needed.
func NewLocalDisk(dir string) (*LocalDisk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create disk root %s: %w", dir, err)
	}
	return &LocalDisk{root: dir, retry: DefaultRetryConfig()}, nil
}

// Root returns the directory backing this disk.
func (d *LocalDisk) Root() string {
	return d.root
}

// Path returns the absolute filesystem path for key. Keys must not escape
// the disk root.
func (d *LocalDisk) Path(key string) string {
	return filepath.Join(d.root, filepath.Clean("/"+key))
}

// Local reports true: this disk is the local filesystem.
func (d *LocalDisk) Local() bool { return true }

// Exists reports whether an object is present at key.
func (d *LocalDisk) Exists(key string) (bool, error) {
	_, err := d.statWithRetry(d.Path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, classify("stat", err)
}

// Size returns the byte size of the object at key.
func (d *LocalDisk) Size(key string) (int64, error) {
	info, err := d.statWithRetry(d.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, classify("stat", err)
	}
	return info.Size(), nil
}

// MimeType sniffs the MIME type from the first 512 bytes of the object.
func (d *LocalDisk) MimeType(key string) (string, error) {
	f, err := d.openWithRetry(d.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", classify("open", err)
	}
	defer closeLogged(f, key)

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return "", classify("read", err)
	}
	mime := http.DetectContentType(head[:n])
	// DetectContentType appends charset parameters for text types
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime, nil
}

// ReadStream opens the object at key for reading.
func (d *LocalDisk) ReadStream(key string) (io.ReadCloser, error) {
	f, err := d.openWithRetry(d.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, classify("open", err)
	}
	return f, nil
}

// Write stores the contents of r at key. The write goes to a sibling temp
// file first and is renamed into place so readers never observe a partial
// object.
func (d *LocalDisk) Write(key string, r io.Reader, vis Visibility) error {
	path := d.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return classify("mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		return classify("create", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op if the rename succeeded
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove temp write file %s: %v", tmpName, err)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		closeLogged(tmp, tmpName)
		return classify("write", err)
	}
	if err := tmp.Close(); err != nil {
		return classify("close", err)
	}
	if err := os.Chmod(tmpName, modeFor(vis)); err != nil {
		return classify("chmod", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return classify("rename", err)
	}
	return nil
}

// Visibility returns the stored visibility of the object at key.
func (d *LocalDisk) Visibility(key string) (Visibility, error) {
	info, err := d.statWithRetry(d.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", classify("stat", err)
	}
	if info.Mode().Perm()&0044 != 0 {
		return VisibilityPublic, nil
	}
	return VisibilityPrivate, nil
}

// SetVisibility changes the visibility of the object at key.
func (d *LocalDisk) SetVisibility(key string, vis Visibility) error {
	if err := os.Chmod(d.Path(key), modeFor(vis)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return classify("chmod", err)
	}
	return nil
}

// Delete removes the object at key. Missing objects are not an error.
func (d *LocalDisk) Delete(key string) error {
	if err := os.Remove(d.Path(key)); err != nil && !os.IsNotExist(err) {
		return classify("remove", err)
	}
	return nil
}

func modeFor(vis Visibility) os.FileMode {
	if vis == VisibilityPublic {
		return 0644
	}
	return 0600
}

// isTransientFSError checks for errno values that clear on retry: stale NFS
// handles, spurious I/O errors, and resource contention.
func isTransientFSError(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ESTALE, syscall.EIO, syscall.EAGAIN, syscall.EBUSY:
			return true
		}
	}
	return false
}

// classify wraps transient filesystem errors so callers can test with
// errors.Is(err, ErrTransient).
func classify(op string, err error) error {
	if isTransientFSError(err) {
		return fmt.Errorf("%s: %v: %w", op, err, ErrTransient)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (d *LocalDisk) statWithRetry(path string) (os.FileInfo, error) {
	var lastErr error
	backoff := d.retry.InitialBackoff

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		info, err := os.Stat(path)
		if err == nil {
			if attempt > 0 {
				logging.Info("Stat succeeded on retry %d for %s", attempt, path)
			}
			return info, nil
		}
		lastErr = err

		if !isTransientFSError(err) {
			return nil, err
		}

		if attempt < d.retry.MaxRetries {
			metrics.StorageRetryAttempts.WithLabelValues("stat").Inc()
			logging.Debug("Transient stat error for %s, retrying in %v (attempt %d/%d)",
				path, backoff, attempt+1, d.retry.MaxRetries)
			time.Sleep(backoff)

			backoff *= 2
			if backoff > d.retry.MaxBackoff {
				backoff = d.retry.MaxBackoff
			}
		}
	}

	logging.Warn("Stat failed after %d retries for %s: %v", d.retry.MaxRetries, path, lastErr)
	metrics.StorageRetryFailures.WithLabelValues("stat").Inc()
	return nil, lastErr
}

func (d *LocalDisk) openWithRetry(path string) (*os.File, error) {
	var lastErr error
	backoff := d.retry.InitialBackoff

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		f, err := os.Open(path)
		if err == nil {
			if attempt > 0 {
				logging.Info("Open succeeded on retry %d for %s", attempt, path)
			}
			return f, nil
		}
		lastErr = err

		if !isTransientFSError(err) {
			return nil, err
		}

		if attempt < d.retry.MaxRetries {
			metrics.StorageRetryAttempts.WithLabelValues("open").Inc()
			logging.Debug("Transient open error for %s, retrying in %v (attempt %d/%d)",
				path, backoff, attempt+1, d.retry.MaxRetries)
			time.Sleep(backoff)

			backoff *= 2
			if backoff > d.retry.MaxBackoff {
				backoff = d.retry.MaxBackoff
			}
		}
	}

	logging.Warn("Open failed after %d retries for %s: %v", d.retry.MaxRetries, path, lastErr)
	metrics.StorageRetryFailures.WithLabelValues("open").Inc()
	return nil, lastErr
}

func closeLogged(c io.Closer, name string) {
	if err := c.Close(); err != nil {
		logging.Warn("Failed to close %s: %v", name, err)
	}
}
