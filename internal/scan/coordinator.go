package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
)

// ErrMalwareDetected is returned when an engine confirms a detection. It is
// terminal for the upload and never affects the circuit breaker.
var ErrMalwareDetected = errors.New("malware detected")

// ErrScanUnavailable is returned when scanning cannot run: the breaker is
// open, an engine malfunctioned, or no engine is configured. It is
// distinguishable from a detection so callers never report a skipped scan
// as clean.
var ErrScanUnavailable = errors.New("scanning unavailable")

// Coordinator runs the configured detection engines in sequence against a
// quarantined artifact, guarded by the circuit breaker.
type Coordinator struct {
	engines        []Engine
	breaker        *Breaker
	timeout        time.Duration
	firstChunkOnly bool
}

// NewCoordinator creates a coordinator. The engine list order is the scan
// order. firstChunkOnly limits engines that support it to the head of the
// file.
func NewCoordinator(engines []Engine, breaker *Breaker, timeout time.Duration, firstChunkOnly bool) *Coordinator {
	return &Coordinator{
		engines:        engines,
		breaker:        breaker,
		timeout:        timeout,
		firstChunkOnly: firstChunkOnly,
	}
}

// Scan runs every engine against src. It returns nil when all engines
// report clean, ErrMalwareDetected on a detection, and ErrScanUnavailable
// (wrapped with detail) on any infrastructure failure.
//
// Breaker discipline: engine errors increment the shared failure counter; a
// detection never does; a fully clean pass resets it.
func (c *Coordinator) Scan(ctx context.Context, src Source) error {
	if len(c.engines) == 0 {
		// Fail closed: scanning was requested, so absence of engines is an
		// infrastructure failure, not a pass.
		return fmt.Errorf("no detection engines configured: %w", ErrScanUnavailable)
	}

	if c.breaker.Open(ctx) {
		metrics.ScansSkippedTotal.Inc()
		logging.Warn("Scan skipped for %s: circuit breaker open", src.Name())
		return fmt.Errorf("circuit breaker open: %w", ErrScanUnavailable)
	}

	for _, engine := range c.engines {
		clean, err := c.runEngine(ctx, engine, src)
		if err != nil {
			c.breaker.RecordFailure(ctx)
			metrics.ScansTotal.WithLabelValues(engine.Name(), "error").Inc()
			return fmt.Errorf("engine %s failed: %v: %w", engine.Name(), err, ErrScanUnavailable)
		}
		if !clean {
			metrics.ScansTotal.WithLabelValues(engine.Name(), "infected").Inc()
			logging.Warn("Engine %s detected malware in %s", engine.Name(), src.Name())
			return ErrMalwareDetected
		}
		metrics.ScansTotal.WithLabelValues(engine.Name(), "clean").Inc()
	}

	c.breaker.Reset(ctx)
	logging.Debug("All engines reported %s clean", src.Name())
	return nil
}

func (c *Coordinator) runEngine(ctx context.Context, engine Engine, src Source) (bool, error) {
	rc, err := src.Open()
	if err != nil {
		return false, fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		if err := rc.Close(); err != nil {
			logging.Debug("close scan source: %v", err)
		}
	}()

	scanCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	clean, err := engine.Scan(scanCtx, rc, EngineContext{
		Name:           src.Name(),
		Timeout:        c.timeout,
		FirstChunkOnly: c.firstChunkOnly,
	})
	metrics.ScanDuration.WithLabelValues(engine.Name()).Observe(time.Since(start).Seconds())
	return clean, err
}
