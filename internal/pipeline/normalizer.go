package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
)

// Artifact is the normalized, re-encoded pipeline output. The backing temp
// file is exclusively owned by the operation that produced it and must be
// cleaned up exactly once; Cleanup is safe to call any number of times.
type Artifact struct {
	Path   string
	Mime   string
	Ext    string
	Width  int
	Height int
	Size   int64
	Hash   string

	cleanup sync.Once
}

// Filename returns the deterministic, content-addressed storage name for
// this artifact within a collection: {collection}-{sha256}.{ext}. Identical
// normalized content always maps to the same key.
func (a *Artifact) Filename(collection string) string {
	return fmt.Sprintf("%s-%s.%s", collection, a.Hash, a.Ext)
}

// Cleanup deletes the backing temp file. Idempotent; failures are logged
// and never propagate, so cleanup cannot mask an original error.
func (a *Artifact) Cleanup() {
	a.cleanup.Do(func() {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove pipeline artifact %s: %v", a.Path, err)
		}
	})
}

// canonicalExt maps a normalized MIME type to its storage extension.
var canonicalExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Normalizer produces canonical artifacts from validated candidates using a
// primary backend with a fallback for recoverable failures.
type Normalizer struct {
	primary  DecodeBackend
	fallback DecodeBackend
	tempDir  string
}

// NewNormalizer creates a Normalizer writing artifacts under tempDir.
func NewNormalizer(primary, fallback DecodeBackend, tempDir string) *Normalizer {
	return &Normalizer{
		primary:  primary,
		fallback: fallback,
		tempDir:  tempDir,
	}
}

// Process normalizes the validated candidate at path into an Artifact.
//
// JPEG and PNG content is decoded and re-encoded through the backends. GIF
// and WebP keep their original bytes: re-encoding would discard animation
// frames, and validation has already vetted the container. Either way the
// artifact hash is computed over the exact bytes that will be stored.
func (n *Normalizer) Process(path string, mime string) (*Artifact, error) {
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	}()

	ext, ok := canonicalExt[mime]
	if !ok {
		return nil, fmt.Errorf("%w: no canonical format for %s", ErrNormalizationFailed, mime)
	}

	var data []byte
	switch mime {
	case "image/jpeg", "image/png":
		normalized, err := n.normalizeWithFallback(path, mime)
		if err != nil {
			return nil, err
		}
		data = normalized
	default:
		original, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read candidate: %v", ErrNormalizationFailed, err)
		}
		data = original
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: normalized bytes unparseable: %v", ErrNormalizationFailed, err)
	}

	sum := sha256.Sum256(data)

	tmp, err := os.CreateTemp(n.tempDir, "artifact-*."+ext)
	if err != nil {
		return nil, fmt.Errorf("%w: create artifact temp: %v", ErrNormalizationFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("%w: write artifact temp: %v", ErrNormalizationFailed, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("%w: close artifact temp: %v", ErrNormalizationFailed, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("%w: chmod artifact temp: %v", ErrNormalizationFailed, err)
	}

	return &Artifact{
		Path:   tmpName,
		Mime:   mime,
		Ext:    ext,
		Width:  cfg.Width,
		Height: cfg.Height,
		Size:   int64(len(data)),
		Hash:   hex.EncodeToString(sum[:]),
	}, nil
}

// normalizeWithFallback tries the primary backend, then the fallback when
// the failure kind is in the recoverable set.
func (n *Normalizer) normalizeWithFallback(path string, mime string) ([]byte, error) {
	data, err := n.primary.Normalize(path, mime)
	if err == nil {
		return data, nil
	}

	var de *DecodeError
	if !errors.As(err, &de) || !de.IsRecoverable() {
		return nil, fmt.Errorf("%w: %v", ErrNormalizationFailed, err)
	}

	logging.Warn("Primary backend %s failed (%s), falling back to %s: %v",
		n.primary.Name(), de.Kind, n.fallback.Name(), de.Err)
	metrics.FallbackDecodesTotal.Inc()

	data, err = n.fallback.Normalize(path, mime)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback %s: %v", ErrNormalizationFailed, n.fallback.Name(), err)
	}
	return data, nil
}
