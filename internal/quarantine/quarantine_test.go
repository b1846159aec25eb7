package quarantine

import (
	"errors"
	"io"
	"strings"
	"testing"

	"media-intake/internal/storage"
)

func TestPutOpenDelete(t *testing.T) {
	disk := storage.NewMemDisk()
	s := New(disk)

	h, err := s.Put([]byte("untrusted bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h.Key == "" {
		t.Fatal("empty handle key")
	}

	// Quarantined artifacts are never world-readable
	vis, err := disk.Visibility(h.Key)
	if err != nil {
		t.Fatalf("Visibility: %v", err)
	}
	if vis != storage.VisibilityPrivate {
		t.Errorf("visibility = %s, want private", vis)
	}

	rc, err := s.Open(h)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(data) != "untrusted bytes" {
		t.Fatalf("read = %q, %v", data, err)
	}

	if err := s.Delete(h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if disk.Len() != 0 {
		t.Error("artifact still on disk after Delete")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(storage.NewMemDisk())

	h, err := s.PutStream(strings.NewReader("x"))
	if err != nil {
		t.Fatalf("PutStream: %v", err)
	}
	if err := s.Delete(h); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := s.Delete(h); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if err := s.Delete(Handle{}); err != nil {
		t.Fatalf("Delete of zero handle: %v", err)
	}
}

func TestPutFailureWrapsQuarantineError(t *testing.T) {
	disk := storage.NewMemDisk()
	disk.WriteErr = errors.New("disk full")
	s := New(disk)

	_, err := s.Put([]byte("x"))
	if !errors.Is(err, ErrQuarantine) {
		t.Fatalf("expected ErrQuarantine, got %v", err)
	}
}

func TestHandlesAreUnique(t *testing.T) {
	s := New(storage.NewMemDisk())

	a, _ := s.Put([]byte("same"))
	b, _ := s.Put([]byte("same"))
	if a.Key == b.Key {
		t.Error("two quarantined artifacts share a key")
	}
}
