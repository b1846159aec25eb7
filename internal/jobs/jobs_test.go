package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedHandler struct {
	mu      sync.Mutex
	script  []error
	handled int
	failed  []error
}

func (h *scriptedHandler) Handle(_ context.Context, _ *Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled++
	if len(h.script) == 0 {
		return nil
	}
	err := h.script[0]
	h.script = h.script[1:]
	return err
}

func (h *scriptedHandler) Failed(_ *Job, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, err)
}

func (h *scriptedHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled, len(h.failed)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestJobCompletes(t *testing.T) {
	r := New(2)
	h := &scriptedHandler{}
	r.Register("q", h, Options{MaxAttempts: 3})
	r.Start()
	defer r.Stop()

	id, ok := r.Enqueue("q", "k1", "payload")
	if !ok || id == "" {
		t.Fatalf("Enqueue = %q, %v", id, ok)
	}

	waitFor(t, func() bool { handled, _ := h.counts(); return handled == 1 }, "job completion")
	if _, failed := h.counts(); failed != 0 {
		t.Error("Failed hook called for a successful job")
	}
}

func TestReleaseDoesNotCountAttempts(t *testing.T) {
	r := New(1)
	h := &scriptedHandler{script: []error{
		Release(5 * time.Millisecond),
		Release(5 * time.Millisecond),
		Release(5 * time.Millisecond),
		nil,
	}}
	// MaxAttempts lower than the release count: releases must not consume
	// attempts or this job could never complete
	r.Register("q", h, Options{MaxAttempts: 2})
	r.Start()
	defer r.Stop()

	r.Enqueue("q", "k", nil)

	waitFor(t, func() bool { handled, _ := h.counts(); return handled == 4 }, "released job completion")
	if _, failed := h.counts(); failed != 0 {
		t.Error("released job reported failed")
	}
}

func TestFailedHookAfterExhaustedAttempts(t *testing.T) {
	boom := errors.New("boom")
	r := New(1)
	h := &scriptedHandler{script: []error{boom, boom, boom}}
	r.Register("q", h, Options{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond}})
	r.Start()
	defer r.Stop()

	r.Enqueue("q", "k", nil)

	waitFor(t, func() bool { _, failed := h.counts(); return failed == 1 }, "terminal failure")
	handled, _ := h.counts()
	if handled != 3 {
		t.Errorf("handled = %d, want 3 attempts", handled)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !errors.Is(h.failed[0], boom) {
		t.Errorf("Failed hook got %v, want the handler error", h.failed[0])
	}
}

func TestUniquenessWindowCollapsesDuplicates(t *testing.T) {
	r := New(1)
	h := &scriptedHandler{}
	r.Register("q", h, Options{MaxAttempts: 1, UniquenessWindow: time.Minute})

	if _, ok := r.Enqueue("q", "media:7", nil); !ok {
		t.Fatal("first enqueue rejected")
	}
	if _, ok := r.Enqueue("q", "media:7", nil); ok {
		t.Fatal("duplicate enqueue not collapsed")
	}
	// A different key is unaffected
	if _, ok := r.Enqueue("q", "media:8", nil); !ok {
		t.Fatal("unrelated enqueue rejected")
	}

	r.Start()
	defer r.Stop()
	waitFor(t, func() bool { handled, _ := h.counts(); return handled == 2 }, "both jobs")

	// Completion releases the uniqueness claim
	waitFor(t, func() bool { _, ok := r.Enqueue("q", "media:7", nil); return ok }, "re-enqueue after completion")
}

type blockingHandler struct {
	release chan struct{}
	started chan string
}

func (h *blockingHandler) Handle(_ context.Context, job *Job) error {
	h.started <- job.ID
	<-h.release
	return nil
}

func (h *blockingHandler) Failed(_ *Job, _ error) {}

func TestPerKeySingleFlight(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{}), started: make(chan string, 4)}
	r := New(2)
	r.Register("q", h, Options{MaxAttempts: 1})
	r.Start()
	defer r.Stop()

	// Two jobs with the same key: the second must wait for the first even
	// with a free worker
	r.Enqueue("q", "same", 1)
	r.Enqueue("q", "same", 2)

	first := <-h.started
	select {
	case second := <-h.started:
		t.Fatalf("second job %s ran while %s was in flight on the same key", second, first)
	case <-time.After(200 * time.Millisecond):
	}

	close(h.release)
	select {
	case <-h.started:
	case <-time.After(3 * time.Second):
		t.Fatal("second job never ran after the first finished")
	}
}

func TestEnqueueOnUnregisteredQueue(t *testing.T) {
	r := New(1)
	if _, ok := r.Enqueue("ghost", "k", nil); ok {
		t.Error("enqueue on unregistered queue should be dropped")
	}
}

func TestFirstSeenSurvivesRedelivery(t *testing.T) {
	r := New(1)

	var mu sync.Mutex
	var seen []time.Time
	h := &funcHandler{fn: func(job *Job) error {
		mu.Lock()
		seen = append(seen, job.FirstSeen)
		mu.Unlock()
		if len(seen) < 3 {
			return Release(time.Millisecond)
		}
		return nil
	}}
	r.Register("q", h, Options{MaxAttempts: 1})
	r.Start()
	defer r.Stop()

	r.Enqueue("q", "k", nil)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(seen) == 3 }, "three deliveries")

	mu.Lock()
	defer mu.Unlock()
	if !seen[0].Equal(seen[1]) || !seen[1].Equal(seen[2]) {
		t.Error("FirstSeen changed across re-deliveries")
	}
}

type funcHandler struct {
	fn func(job *Job) error
}

func (h *funcHandler) Handle(_ context.Context, job *Job) error { return h.fn(job) }
func (h *funcHandler) Failed(_ *Job, _ error)                   {}
