package postprocess

import (
	"context"
	"fmt"
	"time"

	"media-intake/internal/config"
	"media-intake/internal/jobs"
	"media-intake/internal/logging"
	"media-intake/internal/records"
)

// Queue is the job queue name for post-processing.
const Queue = "media-postprocess"

// Payload is the post-processing job body. FirstSeen is stamped at enqueue
// time and survives every re-delivery, so the wait budget is measured
// against the original attachment, not the latest attempt.
type Payload struct {
	MediaID       int64
	Collection    string
	Conversions   []string
	FirstSeen     time.Time
	MaxWait       time.Duration
	CheckInterval time.Duration
}

// Enqueuer submits a post-processing job for each newly attached record.
// It satisfies the orchestrator's post-attach hook.
type Enqueuer struct {
	runtime *jobs.Runtime
	store   *records.Store
	cfg     config.PostProcessConfig
	now     func() time.Time
}

// NewEnqueuer creates an Enqueuer over the job runtime. The record store
// backs the idempotency claim that deduplicates enqueues across restarts
// and replicas.
func NewEnqueuer(rt *jobs.Runtime, store *records.Store, cfg config.PostProcessConfig) *Enqueuer {
	return &Enqueuer{
		runtime: rt,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
	}
}

// MediaAttached enqueues a post-processing job for the record. The
// persistent idempotency claim collapses duplicates that the in-process
// uniqueness window cannot see, such as a re-attach after a restart or an
// enqueue from another replica.
func (e *Enqueuer) MediaAttached(m *records.Media) {
	claim := fmt.Sprintf("postprocess:%d:%s", m.ID, m.Collection)
	claimed, err := e.store.ClaimIdempotencyKey(context.Background(), claim, e.cfg.MaxWait())
	if err != nil {
		// Enqueue anyway: a duplicate job is harmless, a lost one is not.
		logging.Warn("Idempotency claim %s failed: %v", claim, err)
	} else if !claimed {
		logging.Debug("Post-processing for media %d already claimed, skipping enqueue", m.ID)
		return
	}

	e.runtime.Enqueue(Queue, fmt.Sprintf("media:%d", m.ID), Payload{
		MediaID:       m.ID,
		Collection:    m.Collection,
		Conversions:   e.cfg.Conversions,
		FirstSeen:     e.now(),
		MaxWait:       e.cfg.MaxWait(),
		CheckInterval: e.cfg.CheckInterval(),
	})
}
