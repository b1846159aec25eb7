package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"media-intake/internal/config"
	"media-intake/internal/logging"
	"media-intake/internal/metrics"
	"media-intake/internal/pipeline"
	"media-intake/internal/quarantine"
	"media-intake/internal/records"
	"media-intake/internal/scan"
	"media-intake/internal/storage"
	"media-intake/internal/validate"
)

// Upload is one untrusted inbound file. Data is consumed exactly once.
type Upload struct {
	Filename     string
	DeclaredMime string
	Data         io.Reader
}

// Options tweaks how the resulting record is attached.
type Options struct {
	// SingleFile replaces any existing record for the owner in the target
	// collection.
	SingleFile bool

	// Headers and Properties are stored verbatim on the record.
	Headers    map[string]string
	Properties map[string]string
}

// PostAttach is notified after a record is committed, typically to enqueue
// asynchronous post-processing.
type PostAttach interface {
	MediaAttached(m *records.Media)
}

// Orchestrator drives an upload through quarantine, scanning, validation,
// and normalization before the result is stored and recorded. Intermediate
// files are removed on every path, success or failure.
type Orchestrator struct {
	profile    config.ConstraintProfile
	quarantine *quarantine.Store
	scanner    *scan.Coordinator
	validator  *validate.Validator
	normalizer *pipeline.Normalizer
	disk       storage.Disk
	store      *records.Store
	post       PostAttach
	tempDir    string
	gate       *contentGate
}

// NewOrchestrator wires the intake stages together. scanner may be nil when
// scanning is disabled; post may be nil when no post-processing is wanted.
func NewOrchestrator(
	profile config.ConstraintProfile,
	q *quarantine.Store,
	scanner *scan.Coordinator,
	validator *validate.Validator,
	normalizer *pipeline.Normalizer,
	disk storage.Disk,
	store *records.Store,
	post PostAttach,
	tempDir string,
) *Orchestrator {
	return &Orchestrator{
		profile:    profile,
		quarantine: q,
		scanner:    scanner,
		validator:  validator,
		normalizer: normalizer,
		disk:       disk,
		store:      store,
		post:       post,
		tempDir:    tempDir,
		gate:       newContentGate(),
	}
}

// Attach runs the full intake sequence for one upload and returns the
// committed record. Any error leaves no trace of the upload behind: the
// staged candidate, the quarantine copy, and the pipeline artifact are all
// removed before the error is returned.
func (o *Orchestrator) Attach(ctx context.Context, owner, collection string, up Upload, opts Options) (*records.Media, error) {
	// Cheap precheck before any bytes touch disk
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(up.Filename), "."))
	if _, ok := o.profile.AllowedTypes[ext]; !ok {
		return nil, &validate.Rejection{
			Reason: validate.ReasonInvalidFile,
			Detail: fmt.Sprintf("extension %q is not allowed", ext),
		}
	}

	candidate, size, err := o.stage(up.Data)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(candidate); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove staged candidate %s: %v", candidate, err)
		}
	}()

	// Concurrent uploads of the same bytes are serialized on the content
	// hash: the first clears the scan for all waiters, and the dedupe check
	// in persist sees the winner's committed record.
	contentHash, err := hashFile(candidate)
	if err != nil {
		return nil, fmt.Errorf("hash upload: %w", err)
	}
	entry := o.gate.acquire(contentHash)
	defer o.gate.release(contentHash, entry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	handle, err := o.copyToQuarantine(candidate)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := o.quarantine.Delete(handle); err != nil {
			logging.Warn("Failed to remove quarantine copy %s: %v", handle.Key, err)
		}
	}()

	if o.scanner != nil && !entry.cleared {
		src := &quarantineSource{store: o.quarantine, handle: handle, label: up.Filename}
		if err := o.scanner.Scan(ctx, src); err != nil {
			return nil, err
		}
		entry.cleared = true
	}

	verdict, err := o.validator.Validate(validate.Candidate{
		Path:         candidate,
		Filename:     up.Filename,
		DeclaredMime: up.DeclaredMime,
		Size:         size,
	})
	if err != nil {
		return nil, err
	}

	artifact, err := o.normalizer.Process(candidate, verdict.Mime)
	if err != nil {
		return nil, err
	}
	defer artifact.Cleanup()

	if err := o.persist(ctx, collection, artifact); err != nil {
		return nil, err
	}

	adder := o.store.AddMedia(owner, artifact).
		Headers(opts.Headers).
		CustomProperties(opts.Properties)
	if opts.SingleFile {
		adder = adder.SingleFile()
	}
	media, err := adder.ToCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}

	metrics.ArtifactsAttached.WithLabelValues(collection).Inc()
	logging.Info("Attached %s as %s/%s (media %d, %dx%d, %d bytes)",
		up.Filename, collection, media.FileName, media.ID, media.Width, media.Height, media.Size)

	if o.post != nil {
		o.post.MediaAttached(media)
	}
	return media, nil
}

// stage copies the upload to a private temp file, enforcing the byte budget
// while copying so an oversized stream is cut off early.
func (o *Orchestrator) stage(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(o.tempDir, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("stage upload: %w", err)
	}
	path := tmp.Name()

	written, err := io.Copy(tmp, io.LimitReader(r, o.profile.MaxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		o.removeStaged(path)
		return "", 0, fmt.Errorf("stage upload: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		o.removeStaged(path)
		return "", 0, fmt.Errorf("stage upload: %w", err)
	}
	if written > o.profile.MaxBytes {
		o.removeStaged(path)
		return "", 0, &validate.Rejection{
			Reason: validate.ReasonInvalidFile,
			Detail: fmt.Sprintf("upload exceeds maximum size %d", o.profile.MaxBytes),
		}
	}
	return path, written, nil
}

func (o *Orchestrator) removeStaged(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to remove staged candidate %s: %v", path, err)
	}
}

func (o *Orchestrator) copyToQuarantine(candidate string) (quarantine.Handle, error) {
	f, err := os.Open(candidate)
	if err != nil {
		return quarantine.Handle{}, fmt.Errorf("%w: open candidate: %v", quarantine.ErrQuarantine, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Warn("failed to close candidate %s: %v", candidate, err)
		}
	}()
	return o.quarantine.PutStream(f)
}

// persist writes the artifact under its content-addressed key. A key that
// already exists with a matching record is a duplicate of previously
// accepted content and the write is skipped.
func (o *Orchestrator) persist(ctx context.Context, collection string, artifact *pipeline.Artifact) error {
	key := artifact.Filename(collection)

	if _, err := o.store.FindByHash(ctx, collection, artifact.Hash); err == nil {
		exists, existsErr := o.disk.Exists(key)
		if existsErr == nil && exists {
			metrics.ArtifactsDeduplicated.Inc()
			logging.Debug("Duplicate content %s already stored as %s, skipping write", artifact.Hash, key)
			return nil
		}
	} else if !errors.Is(err, records.ErrMediaNotFound) {
		return fmt.Errorf("dedupe lookup: %w", err)
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Warn("failed to close artifact %s: %v", artifact.Path, err)
		}
	}()

	if err := o.disk.Write(key, f, storage.VisibilityPublic); err != nil {
		return fmt.Errorf("store artifact %s: %w", key, err)
	}
	return nil
}

// contentGate serializes intake of identical bytes so concurrent duplicate
// uploads scan once and never race on the storage write.
type contentGate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
}

type gateEntry struct {
	mu   sync.Mutex
	refs int

	// cleared is set once these bytes passed a scan; waiters on the same
	// content skip their own.
	cleared bool
}

func newContentGate() *contentGate {
	return &contentGate{entries: make(map[string]*gateEntry)}
}

func (g *contentGate) acquire(key string) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		e = &gateEntry{}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *contentGate) release(key string, e *gateEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Debug("close staged candidate %s: %v", path, err)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// quarantineSource adapts a quarantine handle to the scan coordinator's
// repeatable-read contract.
type quarantineSource struct {
	store  *quarantine.Store
	handle quarantine.Handle
	label  string
}

func (s *quarantineSource) Open() (io.ReadCloser, error) {
	return s.store.Open(s.handle)
}

func (s *quarantineSource) Name() string {
	return s.label
}
