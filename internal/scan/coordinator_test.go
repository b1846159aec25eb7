package scan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

type fakeEngine struct {
	name  string
	clean bool
	err   error
	calls int
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Scan(_ context.Context, r io.Reader, _ EngineContext) (bool, error) {
	e.calls++
	if _, err := io.ReadAll(r); err != nil {
		return false, err
	}
	return e.clean, e.err
}

type bytesSource struct {
	data []byte
}

func (s bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s bytesSource) Name() string { return "test-artifact" }

func newTestCoordinator(engines []Engine, maxFailures int64) (*Coordinator, *MemoryCounter, *Breaker) {
	counter := NewMemoryCounter()
	breaker := NewBreaker(counter, maxFailures, 5*time.Minute)
	return NewCoordinator(engines, breaker, time.Second, false), counter, breaker
}

func TestScanAllClean(t *testing.T) {
	first := &fakeEngine{name: "one", clean: true}
	second := &fakeEngine{name: "two", clean: true}
	c, _, _ := newTestCoordinator([]Engine{first, second}, 3)

	if err := c.Scan(context.Background(), bytesSource{data: []byte("content")}); err != nil {
		t.Fatalf("expected clean scan, got %v", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("engine calls = %d/%d, want 1/1", first.calls, second.calls)
	}
}

func TestScanDetectionIsTerminal(t *testing.T) {
	detector := &fakeEngine{name: "detector", clean: false}
	after := &fakeEngine{name: "after", clean: true}
	c, counter, _ := newTestCoordinator([]Engine{detector, after}, 3)

	err := c.Scan(context.Background(), bytesSource{data: []byte("malware")})
	if !errors.Is(err, ErrMalwareDetected) {
		t.Fatalf("expected ErrMalwareDetected, got %v", err)
	}
	if after.calls != 0 {
		t.Error("engines after a detection should not run")
	}

	// A detection is correct engine behavior and never feeds the breaker
	if n, _ := counter.Get(context.Background(), breakerKey); n != 0 {
		t.Errorf("failure counter = %d after detection, want 0", n)
	}
}

func TestScanEngineErrorIsUnavailable(t *testing.T) {
	broken := &fakeEngine{name: "broken", err: errors.New("daemon unreachable")}
	c, counter, _ := newTestCoordinator([]Engine{broken}, 3)

	err := c.Scan(context.Background(), bytesSource{data: []byte("x")})
	if !errors.Is(err, ErrScanUnavailable) {
		t.Fatalf("expected ErrScanUnavailable, got %v", err)
	}
	if errors.Is(err, ErrMalwareDetected) {
		t.Error("engine error must never look like a detection")
	}
	if n, _ := counter.Get(context.Background(), breakerKey); n != 1 {
		t.Errorf("failure counter = %d, want 1", n)
	}
}

func TestScanNoEnginesFailsClosed(t *testing.T) {
	c, _, _ := newTestCoordinator(nil, 3)

	err := c.Scan(context.Background(), bytesSource{data: []byte("x")})
	if !errors.Is(err, ErrScanUnavailable) {
		t.Fatalf("expected ErrScanUnavailable with no engines, got %v", err)
	}
}

func TestBreakerTripsAfterRepeatedFailures(t *testing.T) {
	broken := &fakeEngine{name: "broken", err: errors.New("boom")}
	c, _, _ := newTestCoordinator([]Engine{broken}, 2)

	for i := 0; i < 2; i++ {
		if err := c.Scan(context.Background(), bytesSource{data: []byte("x")}); !errors.Is(err, ErrScanUnavailable) {
			t.Fatalf("scan %d: expected ErrScanUnavailable, got %v", i, err)
		}
	}

	callsBefore := broken.calls
	err := c.Scan(context.Background(), bytesSource{data: []byte("x")})
	if !errors.Is(err, ErrScanUnavailable) {
		t.Fatalf("expected fail-fast, got %v", err)
	}
	if broken.calls != callsBefore {
		t.Error("open breaker must skip the engines entirely")
	}
}

func TestBreakerDecayClosesAgain(t *testing.T) {
	now := time.Now()
	counter := NewMemoryCounter()
	counter.SetClock(func() time.Time { return now })
	breaker := NewBreaker(counter, 1, time.Minute)

	engine := &fakeEngine{name: "flaky", err: errors.New("boom")}
	c := NewCoordinator([]Engine{engine}, breaker, time.Second, false)

	if err := c.Scan(context.Background(), bytesSource{data: []byte("x")}); !errors.Is(err, ErrScanUnavailable) {
		t.Fatalf("expected failure, got %v", err)
	}
	if !breaker.Open(context.Background()) {
		t.Fatal("breaker should be open after threshold failures")
	}

	now = now.Add(2 * time.Minute)
	if breaker.Open(context.Background()) {
		t.Error("breaker should close after the decay window")
	}
}

func TestCoordinatorPassesFirstChunkOnly(t *testing.T) {
	var seen EngineContext
	engine := &contextEngine{ec: &seen}
	breaker := NewBreaker(NewMemoryCounter(), 3, time.Minute)
	c := NewCoordinator([]Engine{engine}, breaker, time.Second, true)

	if err := c.Scan(context.Background(), bytesSource{data: []byte("x")}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !seen.FirstChunkOnly {
		t.Error("engine did not receive the first-chunk-only flag")
	}
}

type contextEngine struct {
	ec *EngineContext
}

func (e *contextEngine) Name() string { return "capture" }

func (e *contextEngine) Scan(_ context.Context, r io.Reader, ec EngineContext) (bool, error) {
	*e.ec = ec
	_, _ = io.ReadAll(r)
	return true, nil
}

func TestCleanPassResetsBreaker(t *testing.T) {
	engine := &fakeEngine{name: "flaky", clean: true}
	c, counter, breaker := newTestCoordinator([]Engine{engine}, 3)

	breaker.RecordFailure(context.Background())
	breaker.RecordFailure(context.Background())

	if err := c.Scan(context.Background(), bytesSource{data: []byte("x")}); err != nil {
		t.Fatalf("expected clean scan, got %v", err)
	}
	if n, _ := counter.Get(context.Background(), breakerKey); n != 0 {
		t.Errorf("failure counter = %d after clean pass, want 0", n)
	}
}
