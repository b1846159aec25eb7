package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
	"media-intake/internal/storage"
)

// Optimizer re-compresses stored artifacts after attachment. Local objects
// are optimized in place; remote objects are streamed through a bounded
// local temp file and uploaded back with their visibility preserved.
type Optimizer struct {
	tempDir      string
	quality      int
	maxTempBytes int64
}

// NewOptimizer creates an Optimizer using tempDir for remote staging.
func NewOptimizer(tempDir string) *Optimizer {
	return &Optimizer{
		tempDir:      tempDir,
		quality:      82,
		maxTempBytes: 256 * 1024 * 1024,
	}
}

// OptimizeFile re-compresses the image file at path in place and returns
// the bytes saved. Files that do not shrink are left untouched. Only JPEG
// and PNG are re-compressed; other formats return zero savings.
func (o *Optimizer) OptimizeFile(path string) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues("optimize").Observe(time.Since(start).Seconds())
	}()

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	before := info.Size()

	format, err := sniffFormat(path)
	if err != nil {
		return 0, fmt.Errorf("identify %s: %w", path, err)
	}
	var encFormat imaging.Format
	switch format {
	case "jpeg":
		encFormat = imaging.JPEG
	case "png":
		encFormat = imaging.PNG
	default:
		logging.Debug("Skipping optimization for %s format %s", path, format)
		return 0, nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, encFormat, imaging.JPEGQuality(o.quality), imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return 0, fmt.Errorf("re-encode %s: %w", path, err)
	}

	after := int64(buf.Len())
	if after >= before {
		logging.Debug("Optimization of %s saved nothing (%d -> %d bytes)", path, before, after)
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".opt-*")
	if err != nil {
		return 0, fmt.Errorf("stage optimized %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("stage optimized %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("stage optimized %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("stage optimized %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("replace %s: %w", path, err)
	}

	saved := before - after
	logging.Info("Optimized %s: %d -> %d bytes (saved %d)", path, before, after, saved)
	return saved, nil
}

// OptimizeRemote optimizes the object at key on a remote disk: download to
// a bounded temp file, optimize, upload back with the prior visibility. The
// temp file is removed on every path, including upload failure. Remote I/O
// failures are wrapped as transient so the caller's retry machinery can
// classify them.
func (o *Optimizer) OptimizeRemote(disk storage.Disk, key string) (int64, error) {
	size, err := disk.Size(key)
	if err != nil {
		return 0, remoteErr("size", key, err)
	}
	if size > o.maxTempBytes {
		logging.Warn("Skipping optimization of %s: %d bytes exceeds staging bound %d", key, size, o.maxTempBytes)
		return 0, nil
	}

	vis, err := disk.Visibility(key)
	if err != nil {
		return 0, remoteErr("visibility", key, err)
	}

	rc, err := disk.ReadStream(key)
	if err != nil {
		return 0, remoteErr("read", key, err)
	}

	tmp, err := os.CreateTemp(o.tempDir, "optimize-*")
	if err != nil {
		_ = rc.Close()
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove optimization staging file %s: %v", tmpName, err)
		}
	}()

	_, copyErr := io.Copy(tmp, io.LimitReader(rc, o.maxTempBytes+1))
	if err := rc.Close(); err != nil {
		logging.Debug("close remote stream for %s: %v", key, err)
	}
	if copyErr != nil {
		_ = tmp.Close()
		return 0, remoteErr("download", key, copyErr)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close staging file: %w", err)
	}

	saved, err := o.OptimizeFile(tmpName)
	if err != nil {
		return 0, err
	}
	if saved == 0 {
		return 0, nil
	}

	f, err := os.Open(tmpName)
	if err != nil {
		return 0, fmt.Errorf("reopen staging file: %w", err)
	}
	writeErr := disk.Write(key, f, vis)
	if err := f.Close(); err != nil {
		logging.Debug("close staging file %s: %v", tmpName, err)
	}
	if writeErr != nil {
		return 0, remoteErr("upload", key, writeErr)
	}

	return saved, nil
}

// remoteErr classifies remote storage failures. Missing objects keep their
// identity; everything else on a remote disk is retryable.
func remoteErr(op, key string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	if errors.Is(err, storage.ErrTransient) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return fmt.Errorf("%s %s: %v: %w", op, key, err, storage.ErrTransient)
}

func sniffFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Debug("close %s: %v", path, err)
		}
	}()
	_, format, err := image.DecodeConfig(f)
	return format, err
}
