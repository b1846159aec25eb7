package workers

import (
	"runtime"
	"testing"
)

func TestCount(t *testing.T) {
	available := runtime.GOMAXPROCS(0)

	if got := Count(1.0, 0); got != available {
		t.Errorf("Count(1.0, 0) = %d, want %d", got, available)
	}
	if got := Count(2.0, 0); got != available*2 {
		t.Errorf("Count(2.0, 0) = %d, want %d", got, available*2)
	}
	if got := Count(1.0, 2); got > 2 {
		t.Errorf("Count with limit 2 = %d", got)
	}
	// Tiny multipliers never produce zero workers
	if got := Count(0.001, 0); got != 1 {
		t.Errorf("Count(0.001, 0) = %d, want 1", got)
	}
}

func TestCountEnvOverride(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "7")
	if got := Count(1.0, 0); got != 7 {
		t.Errorf("Count with override = %d, want 7", got)
	}
	// The limit still applies to the override
	if got := Count(1.0, 3); got != 3 {
		t.Errorf("Count with override and limit = %d, want 3", got)
	}

	t.Setenv("PIPELINE_WORKERS", "not a number")
	if got := Count(1.0, 0); got != runtime.GOMAXPROCS(0) {
		t.Errorf("Count with bad override = %d, want computed value", got)
	}
}

func TestHelpers(t *testing.T) {
	if ForCPU(0) < 1 || ForIO(0) < 1 || ForMixed(0) < 1 {
		t.Error("helper returned fewer than one worker")
	}
	if ForIO(0) < ForCPU(0) {
		t.Error("I/O workers should be at least the CPU worker count")
	}
}
