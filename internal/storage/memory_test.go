package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemDiskVisibilityLag(t *testing.T) {
	now := time.Now()
	d := NewMemDisk()
	d.SetClock(func() time.Time { return now })
	d.Lag = 5 * time.Second

	if err := d.Write("k", strings.NewReader("data"), VisibilityPublic); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Freshly written objects are not yet readable, like a lagging object
	// store replica
	if exists, _ := d.Exists("k"); exists {
		t.Error("object visible before the lag elapsed")
	}
	if _, err := d.Size("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Size before lag = %v, want ErrNotFound", err)
	}

	now = now.Add(6 * time.Second)
	if exists, _ := d.Exists("k"); !exists {
		t.Error("object still invisible after the lag elapsed")
	}
	if size, err := d.Size("k"); err != nil || size != 4 {
		t.Errorf("Size after lag = %d, %v; want 4, nil", size, err)
	}
}

func TestMemDiskGenerationTracksOverwrites(t *testing.T) {
	d := NewMemDisk()

	if d.Generation("k") != -1 {
		t.Error("missing key should report generation -1")
	}
	_ = d.Write("k", strings.NewReader("v1"), VisibilityPublic)
	if d.Generation("k") != 0 {
		t.Errorf("generation = %d, want 0", d.Generation("k"))
	}
	_ = d.Write("k", strings.NewReader("v2"), VisibilityPublic)
	if d.Generation("k") != 1 {
		t.Errorf("generation = %d after overwrite, want 1", d.Generation("k"))
	}
}

func TestMemDiskWriteErrInjection(t *testing.T) {
	d := NewMemDisk()
	d.WriteErr = errors.New("upload failed")

	if err := d.Write("k", strings.NewReader("x"), VisibilityPublic); err == nil {
		t.Error("expected injected write error")
	}
	if d.Len() != 0 {
		t.Error("failed write should store nothing")
	}
}
