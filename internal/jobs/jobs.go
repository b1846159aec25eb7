package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
)

// DefaultBackoff is the re-delivery schedule applied after failed attempts.
var DefaultBackoff = []time.Duration{
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// Job is one re-deliverable unit of work. FirstSeen survives re-deliveries
// so handlers can enforce wall-clock wait budgets.
type Job struct {
	ID          string
	Queue       string
	Key         string
	Payload     interface{}
	Attempts    int
	MaxAttempts int
	FirstSeen   time.Time
	RunAt       time.Time
}

// Handler processes jobs from one queue. Failed is the terminal hook,
// called once after the final attempt.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
	Failed(job *Job, err error)
}

// ReleaseError asks the runtime to re-deliver the job after a delay without
// counting a failed attempt. Returned by handlers that are waiting on an
// external condition.
type ReleaseError struct {
	Delay time.Duration
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("job released for %v", e.Delay)
}

// Release builds a ReleaseError.
func Release(delay time.Duration) error {
	return &ReleaseError{Delay: delay}
}

// Options configures a registered queue.
type Options struct {
	MaxAttempts int
	Backoff     []time.Duration

	// UniquenessWindow collapses duplicate enqueues of the same key while
	// a prior job for it is still live or recently enqueued.
	UniquenessWindow time.Duration
}

// Runtime is an in-process job runtime with at-least-once delivery,
// delayed re-delivery, and per-key mutual exclusion.
type Runtime struct {
	mu       sync.Mutex
	pending  []*Job
	inflight map[string]bool
	seen     map[string]time.Time
	handlers map[string]Handler
	opts     map[string]Options

	workers int
	poll    time.Duration
	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	now     func() time.Time
}

// New creates a runtime with the given worker pool size.
func New(workers int) *Runtime {
	if workers < 1 {
		workers = 1
	}
	return &Runtime{
		inflight: make(map[string]bool),
		seen:     make(map[string]time.Time),
		handlers: make(map[string]Handler),
		opts:     make(map[string]Options),
		workers:  workers,
		poll:     50 * time.Millisecond,
		quit:     make(chan struct{}),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Runtime) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Register binds a handler to a named queue.
func (r *Runtime) Register(queue string, h Handler, opts Options) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	r.mu.Lock()
	r.handlers[queue] = h
	r.opts[queue] = opts
	r.mu.Unlock()
}

// Enqueue adds a job to a queue. Key identifies the job's subject: it
// drives both single-flight execution and the uniqueness window. Returns
// the job ID and whether a new job was actually enqueued; a duplicate
// within the uniqueness window collapses and returns false.
func (r *Runtime) Enqueue(queue, key string, payload interface{}) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts, ok := r.opts[queue]
	if !ok {
		logging.Error("Enqueue on unregistered queue %q dropped", queue)
		return "", false
	}

	uniqKey := queue + ":" + key
	if opts.UniquenessWindow > 0 {
		if claimed, exists := r.seen[uniqKey]; exists && r.now().Sub(claimed) < opts.UniquenessWindow {
			metrics.JobsDuplicateEnqueues.WithLabelValues(queue).Inc()
			logging.Debug("Collapsed duplicate enqueue for %s", uniqKey)
			return "", false
		}
		r.seen[uniqKey] = r.now()
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Key:         key,
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
		FirstSeen:   r.now(),
		RunAt:       r.now(),
	}
	r.pending = append(r.pending, job)
	logging.Debug("Enqueued job %s on %s (key %s)", job.ID, queue, key)
	return job.ID, true
}

// Start launches the worker pool.
func (r *Runtime) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	logging.Info("Job runtime started with %d workers", r.workers)
}

// Stop drains the worker pool. In-flight jobs finish; pending jobs stay
// queued and are lost with the process, which at-least-once enqueuers must
// tolerate anyway.
func (r *Runtime) Stop() {
	close(r.quit)
	r.wg.Wait()
	logging.Info("Job runtime stopped")
}

func (r *Runtime) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		default:
		}

		job := r.dequeue()
		if job == nil {
			select {
			case <-r.quit:
				return
			case <-time.After(r.poll):
			}
			continue
		}
		r.run(job)
	}
}

// dequeue pops the first due job whose key is not already in flight.
func (r *Runtime) dequeue() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for i, job := range r.pending {
		if job.RunAt.After(now) || r.inflight[job.Key] {
			continue
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		r.inflight[job.Key] = true
		return job
	}
	return nil
}

func (r *Runtime) run(job *Job) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	r.mu.Lock()
	handler := r.handlers[job.Queue]
	opts := r.opts[job.Queue]
	r.mu.Unlock()

	err := handler.Handle(context.Background(), job)

	r.mu.Lock()
	delete(r.inflight, job.Key)

	exhausted := false
	var release *ReleaseError
	switch {
	case err == nil:
		delete(r.seen, job.Queue+":"+job.Key)
		metrics.JobsTotal.WithLabelValues(job.Queue, "completed").Inc()
		logging.Debug("Job %s completed", job.ID)

	case errors.As(err, &release):
		// Re-delivery, not a failed attempt
		job.RunAt = r.now().Add(release.Delay)
		r.pending = append(r.pending, job)
		metrics.JobReleasesTotal.WithLabelValues(job.Queue).Inc()
		logging.Debug("Job %s released for %v", job.ID, release.Delay)

	default:
		job.Attempts++
		if job.Attempts >= job.MaxAttempts {
			delete(r.seen, job.Queue+":"+job.Key)
			metrics.JobsTotal.WithLabelValues(job.Queue, "failed").Inc()
			logging.Warn("Job %s failed after %d attempts: %v", job.ID, job.Attempts, err)
			exhausted = true
			break
		}
		backoff := opts.Backoff[min(job.Attempts-1, len(opts.Backoff)-1)]
		job.RunAt = r.now().Add(backoff)
		r.pending = append(r.pending, job)
		logging.Debug("Job %s attempt %d failed, retrying in %v: %v", job.ID, job.Attempts, backoff, err)
	}
	r.mu.Unlock()

	if exhausted {
		handler.Failed(job, err)
	}
}

// PendingCount returns the number of queued jobs. Used by tests.
func (r *Runtime) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
