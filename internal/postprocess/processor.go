package postprocess

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"media-intake/internal/jobs"
	"media-intake/internal/logging"
	"media-intake/internal/metrics"
	"media-intake/internal/pipeline"
	"media-intake/internal/records"
	"media-intake/internal/storage"
)

// Processor handles post-processing jobs: once every derived rendition of a
// record is ready, the original and its renditions are re-compressed and
// the savings recorded.
//
// The processor is deliberately tolerant of records that vanished or moved
// since enqueue: those jobs complete without effect instead of retrying
// forever.
type Processor struct {
	store     *records.Store
	disk      storage.Disk
	optimizer *pipeline.Optimizer

	// localRoot is the filesystem root backing disk when disk.Local() is
	// true; local objects are optimized in place through it.
	localRoot string

	now func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(store *records.Store, disk storage.Disk, optimizer *pipeline.Optimizer, localRoot string) *Processor {
	return &Processor{
		store:     store,
		disk:      disk,
		optimizer: optimizer,
		localRoot: localRoot,
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Handle processes one job. Returning nil completes the job, a ReleaseError
// re-delivers it without counting an attempt, and any other error counts a
// failed attempt against the backoff schedule.
func (p *Processor) Handle(ctx context.Context, job *jobs.Job) error {
	payload, ok := job.Payload.(Payload)
	if !ok {
		logging.Error("Post-processing job %s carried unexpected payload %T, dropping", job.ID, job.Payload)
		return nil
	}

	media, err := p.store.FindMedia(ctx, payload.MediaID)
	if errors.Is(err, records.ErrMediaNotFound) {
		logging.Info("Media %d deleted before post-processing, nothing to do", payload.MediaID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load media %d: %w", payload.MediaID, err)
	}
	if media.Collection != payload.Collection {
		logging.Info("Media %d moved from %s to %s since enqueue, skipping post-processing",
			media.ID, payload.Collection, media.Collection)
		return nil
	}

	// Wall-clock budget for the whole wait, with slack for up to two poll
	// intervals of scheduling jitter. Past it the job is abandoned, not
	// failed: renditions that never materialized are an upstream problem.
	elapsed := p.now().Sub(payload.FirstSeen)
	if elapsed > payload.MaxWait+2*payload.CheckInterval {
		metrics.WaitBudgetExceededTotal.Inc()
		logging.Warn("Abandoning post-processing of media %d: waited %v, budget %v",
			media.ID, elapsed.Round(time.Second), payload.MaxWait)
		return nil
	}

	ready, err := p.store.ConversionsReady(ctx, media.ID, payload.Conversions)
	if err != nil {
		return fmt.Errorf("check conversions for media %d: %w", media.ID, err)
	}
	if !ready {
		logging.Debug("Conversions for media %d not ready, releasing for %v", media.ID, payload.CheckInterval)
		return jobs.Release(payload.CheckInterval)
	}

	originalKey := media.ObjectKey()
	exists, err := p.disk.Exists(originalKey)
	if err != nil {
		return fmt.Errorf("check %s: %w", originalKey, err)
	}
	if !exists {
		if p.disk.Local() {
			// A local miss is permanent: nothing will make the file appear.
			logging.Warn("Media %d file %s missing from local disk, skipping post-processing", media.ID, originalKey)
			return nil
		}
		// A remote store may not have caught up with the write yet.
		if elapsed <= payload.MaxWait {
			logging.Debug("Media %d file %s not visible remotely yet, releasing", media.ID, originalKey)
			return jobs.Release(payload.CheckInterval)
		}
		return fmt.Errorf("media %d file %s never became visible", media.ID, originalKey)
	}

	keys := []string{originalKey}
	for _, name := range payload.Conversions {
		keys = append(keys, media.ConversionKey(name))
	}
	for _, key := range keys {
		if err := p.optimizeKey(ctx, media, payload.Collection, key); err != nil {
			return err
		}
	}
	return nil
}

// Failed is the terminal hook after the last attempt.
func (p *Processor) Failed(job *jobs.Job, err error) {
	if payload, ok := job.Payload.(Payload); ok {
		logging.Error("Post-processing of media %d failed permanently: %v", payload.MediaID, err)
		return
	}
	logging.Error("Post-processing job %s failed permanently: %v", job.ID, err)
}

// optimizeKey re-compresses one stored object and records the savings.
// Missing objects and non-transient optimization failures are skipped so
// one bad rendition never blocks the rest; transient failures propagate to
// the retry machinery.
func (p *Processor) optimizeKey(ctx context.Context, media *records.Media, collection, key string) error {
	before, err := p.disk.Size(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logging.Debug("Object %s missing, skipping optimization", key)
			return nil
		}
		if errors.Is(err, storage.ErrTransient) {
			return fmt.Errorf("size %s: %w", key, err)
		}
		logging.Warn("Failed to size %s, skipping optimization: %v", key, err)
		return nil
	}

	var saved int64
	if p.disk.Local() {
		saved, err = p.optimizer.OptimizeFile(filepath.Join(p.localRoot, key))
	} else {
		saved, err = p.optimizer.OptimizeRemote(p.disk, key)
	}
	if err != nil {
		if errors.Is(err, storage.ErrTransient) {
			return fmt.Errorf("optimize %s: %w", key, err)
		}
		logging.Warn("Failed to optimize %s, skipping: %v", key, err)
		return nil
	}
	if saved == 0 {
		return nil
	}

	metrics.OptimizationBytesSaved.WithLabelValues(collection).Add(float64(saved))
	if err := p.store.RecordSavings(ctx, media.ID, key, before, before-saved); err != nil {
		// Savings bookkeeping is best-effort; the optimization itself stuck.
		logging.Warn("Failed to record savings for %s: %v", key, err)
	}
	return nil
}
