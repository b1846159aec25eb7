package validate

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
)

// normalize re-encodes the already-decoded image to its canonical format,
// re-runs the cheap security gates against the re-encoded bytes, and
// atomically replaces the on-disk candidate. A payload that only manifests
// after one decode/encode round-trip is caught here.
//
// GIF and WebP candidates are left untouched: re-encoding would discard
// animation frames, and neither format has a canonical pure-Go encoder in
// this pipeline. Their canonical form is the original bytes.
func (v *Validator) normalize(c Candidate, img image.Image, verdict *Verdict) error {
	start := time.Now()
	defer func() {
		metrics.ValidationDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	}()

	var format imaging.Format
	switch verdict.Mime {
	case "image/jpeg":
		format = imaging.JPEG
	case "image/png":
		format = imaging.PNG
	default:
		logging.Debug("Skipping normalization for %s (%s)", c.Filename, verdict.Mime)
		return nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return &Rejection{Reason: ReasonInvalidFile, Detail: "normalization re-encode failed", Err: err}
	}
	normalized := buf.Bytes()

	// Re-run the gates that a round-trip could change the outcome of
	if pattern, found := v.patterns.Scan(normalized); found {
		logging.Warn("Rejected %s: pattern %q appeared in re-encoded bytes", c.Filename, pattern)
		return reject(ReasonMaliciousPayload, "dangerous pattern in normalized bytes")
	}
	if err := v.checkBombRatio(verdict.Width, verdict.Height, 32, int64(len(normalized))); err != nil {
		return err
	}
	if !v.profile.AllowAnimated && (IsAnimatedGIF(normalized) || IsAnimatedWebP(normalized)) {
		return reject(ReasonInvalidFile, "animation present in normalized bytes")
	}

	if err := replaceAtomically(c.Path, normalized); err != nil {
		return &Rejection{Reason: ReasonInvalidFile, Detail: "failed to replace candidate with normalized bytes", Err: err}
	}

	verdict.Size = int64(len(normalized))
	verdict.Normalized = true
	logging.Debug("Normalized %s: %d -> %d bytes", c.Filename, c.Size, verdict.Size)
	return nil
}

// replaceAtomically writes data to a sibling temp file with restrictive
// permissions and renames it over path.
func replaceAtomically(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".norm-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
