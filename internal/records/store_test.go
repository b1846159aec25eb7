package records

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"media-intake/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testArtifact(hash string) *pipeline.Artifact {
	return &pipeline.Artifact{
		Path:   "/tmp/unused",
		Mime:   "image/png",
		Ext:    "png",
		Width:  100,
		Height: 80,
		Size:   2048,
		Hash:   hash,
	}
}

func TestObjectKeys(t *testing.T) {
	s := newTestStore(t)
	artifact := testArtifact("abc123")

	media, err := s.AddMedia("user-1", artifact).ToCollection(context.Background(), "avatars")
	if err != nil {
		t.Fatalf("ToCollection: %v", err)
	}

	// The record's object key is exactly the key the ingest path persisted
	// the artifact under
	if media.ObjectKey() != artifact.Filename("avatars") {
		t.Errorf("ObjectKey = %s, persisted key = %s", media.ObjectKey(), artifact.Filename("avatars"))
	}
	if got, want := media.ConversionKey("thumb"), "conversions/thumb-"+media.FileName; got != want {
		t.Errorf("ConversionKey = %s, want %s", got, want)
	}
}

func TestAddAndFindMedia(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	media, err := s.AddMedia("user-1", testArtifact("abc123")).ToCollection(ctx, "avatars")
	if err != nil {
		t.Fatalf("ToCollection: %v", err)
	}
	if media.ID == 0 {
		t.Fatal("media ID not assigned")
	}
	if media.FileName != "avatars-abc123.png" {
		t.Errorf("default filename = %s, want avatars-abc123.png", media.FileName)
	}

	found, err := s.FindMedia(ctx, media.ID)
	if err != nil {
		t.Fatalf("FindMedia: %v", err)
	}
	if found.Owner != "user-1" || found.Collection != "avatars" || found.Hash != "abc123" {
		t.Errorf("unexpected record: %+v", found)
	}
	if found.Width != 100 || found.Height != 80 || found.Size != 2048 {
		t.Errorf("dimensions/size not persisted: %+v", found)
	}
}

func TestFindMediaNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.FindMedia(context.Background(), 9999); !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("expected ErrMediaNotFound, got %v", err)
	}
}

func TestFindByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.AddMedia("u", testArtifact("deadbeef")).ToCollection(ctx, "photos")
	if err != nil {
		t.Fatalf("ToCollection: %v", err)
	}

	found, err := s.FindByHash(ctx, "photos", "deadbeef")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if found.ID != added.ID {
		t.Errorf("FindByHash returned %d, want %d", found.ID, added.ID)
	}

	// Same hash in a different collection is a different object
	if _, err := s.FindByHash(ctx, "avatars", "deadbeef"); !errors.Is(err, ErrMediaNotFound) {
		t.Errorf("expected ErrMediaNotFound in other collection, got %v", err)
	}
}

func TestSingleFileCollectionReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.AddMedia("u", testArtifact("h1")).SingleFile().ToCollection(ctx, "avatar")
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}
	second, err := s.AddMedia("u", testArtifact("h2")).SingleFile().ToCollection(ctx, "avatar")
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}

	if _, err := s.FindMedia(ctx, first.ID); !errors.Is(err, ErrMediaNotFound) {
		t.Errorf("first record should be gone, got %v", err)
	}
	if _, err := s.FindMedia(ctx, second.ID); err != nil {
		t.Errorf("second record missing: %v", err)
	}
}

func TestConversionsReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	media, err := s.AddMedia("u", testArtifact("h")).ToCollection(ctx, "c")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	ready, err := s.ConversionsReady(ctx, media.ID, []string{"thumb", "preview"})
	if err != nil {
		t.Fatalf("ConversionsReady: %v", err)
	}
	if ready {
		t.Fatal("conversions reported ready before any were marked")
	}

	if err := s.MarkConversionReady(ctx, media.ID, "thumb"); err != nil {
		t.Fatalf("MarkConversionReady: %v", err)
	}
	ready, _ = s.ConversionsReady(ctx, media.ID, []string{"thumb", "preview"})
	if ready {
		t.Fatal("partial set reported ready")
	}

	if err := s.MarkConversionReady(ctx, media.ID, "preview"); err != nil {
		t.Fatalf("MarkConversionReady: %v", err)
	}
	// Marking twice is an upsert, not an error
	if err := s.MarkConversionReady(ctx, media.ID, "preview"); err != nil {
		t.Fatalf("repeated MarkConversionReady: %v", err)
	}
	ready, _ = s.ConversionsReady(ctx, media.ID, []string{"thumb", "preview"})
	if !ready {
		t.Fatal("full set not reported ready")
	}

	// An empty requirement list is trivially ready
	ready, _ = s.ConversionsReady(ctx, media.ID, nil)
	if !ready {
		t.Fatal("empty conversion list should be ready")
	}
}

func TestSavings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	media, err := s.AddMedia("u", testArtifact("h")).ToCollection(ctx, "c")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if total, err := s.TotalSavings(ctx); err != nil || total != 0 {
		t.Fatalf("TotalSavings empty = %d, %v; want 0, nil", total, err)
	}

	if err := s.RecordSavings(ctx, media.ID, "c/f.png", 1000, 600); err != nil {
		t.Fatalf("RecordSavings: %v", err)
	}
	if err := s.RecordSavings(ctx, media.ID, "c/conversions/thumb-f.png", 500, 400); err != nil {
		t.Fatalf("RecordSavings: %v", err)
	}

	total, err := s.TotalSavings(ctx)
	if err != nil {
		t.Fatalf("TotalSavings: %v", err)
	}
	if total != 500 {
		t.Errorf("TotalSavings = %d, want 500", total)
	}
}

func TestClaimIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.ClaimIdempotencyKey(ctx, "job:1", time.Hour)
	if err != nil {
		t.Fatalf("ClaimIdempotencyKey: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	claimed, err = s.ClaimIdempotencyKey(ctx, "job:1", time.Hour)
	if err != nil {
		t.Fatalf("ClaimIdempotencyKey: %v", err)
	}
	if claimed {
		t.Fatal("duplicate claim should fail inside the window")
	}

	// A different key is unaffected
	claimed, _ = s.ClaimIdempotencyKey(ctx, "job:2", time.Hour)
	if !claimed {
		t.Fatal("unrelated key should claim")
	}
}

func TestAdderStoresHeadersAndProperties(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	media, err := s.AddMedia("u", testArtifact("h")).
		Filename("custom-name.png").
		Headers(map[string]string{"Cache-Control": "public"}).
		CustomProperties(map[string]string{"source": "import"}).
		ToCollection(ctx, "c")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if media.FileName != "custom-name.png" {
		t.Errorf("filename override not applied: %s", media.FileName)
	}
}
