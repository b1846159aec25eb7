package scan

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRuleEngineDetection(t *testing.T) {
	e := NewRuleEngine(1024, []string{"EVIL-MARKER", "other"})

	clean, err := e.Scan(context.Background(), strings.NewReader("payload with evil-marker inside"), EngineContext{Name: "f"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if clean {
		t.Error("expected detection, got clean")
	}

	clean, err = e.Scan(context.Background(), strings.NewReader("harmless content"), EngineContext{Name: "f"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !clean {
		t.Error("expected clean, got detection")
	}
}

func TestRuleEngineNoPatternsIsError(t *testing.T) {
	e := NewRuleEngine(1024, nil)

	if _, err := e.Scan(context.Background(), strings.NewReader("x"), EngineContext{}); err == nil {
		t.Error("engine with no patterns must error, not pass")
	}
}

func TestRuleEngineFirstChunkOnly(t *testing.T) {
	e := NewRuleEngine(16, []string{"marker"})

	data := append(bytes.Repeat([]byte{'a'}, 32), []byte("marker")...)
	clean, err := e.Scan(context.Background(), bytes.NewReader(data), EngineContext{FirstChunkOnly: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !clean {
		t.Error("pattern beyond the first chunk should not be inspected")
	}
}
