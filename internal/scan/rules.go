package scan

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"media-intake/internal/logging"
)

// RuleEngine matches a fixed set of byte patterns against the content. It
// is a cheap second line of defense behind the antivirus daemon and runs
// entirely in-process.
type RuleEngine struct {
	patterns [][]byte
	window   int
}

// NewRuleEngine creates a rule engine over the given case-insensitive
// patterns. The window bounds how many bytes are inspected when the engine
// context requests first-chunk-only scanning.
func NewRuleEngine(window int, patterns []string) *RuleEngine {
	e := &RuleEngine{window: window}
	for _, p := range patterns {
		if p != "" {
			e.patterns = append(e.patterns, bytes.ToLower([]byte(p)))
		}
	}
	return e
}

// Name returns the engine label.
func (e *RuleEngine) Name() string { return "rules" }

// Scan reads the content (or its first chunk) and reports a detection when
// any rule pattern matches. An engine with no patterns configured errors:
// that is a configuration failure, not a clean result.
func (e *RuleEngine) Scan(ctx context.Context, r io.Reader, ec EngineContext) (bool, error) {
	if len(e.patterns) == 0 {
		return false, fmt.Errorf("rule engine has no patterns configured")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var src io.Reader = r
	if ec.FirstChunkOnly && e.window > 0 {
		src = io.LimitReader(r, int64(e.window))
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return false, fmt.Errorf("read artifact: %w", err)
	}

	lowered := bytes.ToLower(data)
	for _, p := range e.patterns {
		if bytes.Contains(lowered, p) {
			logging.Warn("Rule engine detection in %s: pattern %q", ec.Name, p)
			return false, nil
		}
	}
	return true, nil
}
