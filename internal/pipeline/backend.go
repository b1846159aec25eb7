package pipeline

import (
	"errors"
	"fmt"
	"image"
)

// ErrNormalizationFailed is returned when both decode backends are
// exhausted. It is permanent for the candidate.
var ErrNormalizationFailed = errors.New("normalization failed")

// DecodeErrorKind is a closed classification of decode failures. The kind
// is assigned by which backend call failed, never by matching error message
// strings.
type DecodeErrorKind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown DecodeErrorKind = iota
	// KindBackendUnavailable means the backend is not initialized or its
	// native library is missing.
	KindBackendUnavailable
	// KindLoadFailed means the file could not be loaded or parsed.
	KindLoadFailed
	// KindFrameClone means frame duplication or transform staging failed.
	KindFrameClone
	// KindUnsupportedProfile means the color profile or color space
	// conversion is unsupported.
	KindUnsupportedProfile
	// KindEncodeFailed means re-encoding the decoded image failed.
	KindEncodeFailed
)

func (k DecodeErrorKind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindLoadFailed:
		return "load_failed"
	case KindFrameClone:
		return "frame_clone_failed"
	case KindUnsupportedProfile:
		return "unsupported_profile"
	case KindEncodeFailed:
		return "encode_failed"
	default:
		return "unknown"
	}
}

// DecodeError is a typed decode failure from a backend.
type DecodeError struct {
	Kind    DecodeErrorKind
	Backend string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether the fallback backend should be tried.
// The recoverable set is fixed: load failures, frame staging failures,
// unsupported color profiles, and an unavailable backend. Everything else
// propagates.
func (e *DecodeError) IsRecoverable() bool {
	switch e.Kind {
	case KindBackendUnavailable, KindLoadFailed, KindFrameClone, KindUnsupportedProfile:
		return true
	default:
		return false
	}
}

// DecodeBackend decodes and re-encodes images. The primary backend (vips)
// has richer format and color-space support; the fallback (pure Go) has
// fewer dependencies. Backends are chosen once at startup and injected,
// never resolved through a global cache.
type DecodeBackend interface {
	Name() string

	// Decode fully decodes the image at path.
	Decode(path string) (image.Image, error)

	// Normalize decodes the image at path, strips EXIF/ICC metadata,
	// normalizes orientation, converts to a standard color space, and
	// re-encodes to mime. Failures are *DecodeError.
	Normalize(path string, mime string) ([]byte, error)
}
