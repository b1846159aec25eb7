package scan

import (
	"context"
	"io"
	"time"
)

// EngineContext carries per-invocation scan parameters.
type EngineContext struct {
	// Name is a label for the artifact being scanned, used in logs.
	Name string

	// Timeout is the engine's time budget for this invocation.
	Timeout time.Duration

	// FirstChunkOnly limits engines that support it to the head of the
	// file.
	FirstChunkOnly bool
}

// Engine is a detection engine. Scan returns true when the content is
// clean, false when a detection fired, and a non-nil error only for
// infrastructure failures (unreachable daemon, timeout, bad config).
// A detection is never an error.
type Engine interface {
	Name() string
	Scan(ctx context.Context, r io.Reader, ec EngineContext) (bool, error)
}

// Source provides repeatable read access to the artifact under scan. Each
// engine gets a fresh reader.
type Source interface {
	Open() (io.ReadCloser, error)
	Name() string
}
