package recording

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"recording-synth/internal/timeline"
)

func TestRegistry_IdentifyUpload(t *testing.T) {
	g := NewRegistry(NewInMemoryRepository(), nil)
	salt := time.UnixMilli(1_700_000_000_123)
	head := bytes.Repeat([]byte("x"), PrefixBytes)

	id := g.IdentifyUpload(head, salt)
	if !regexp.MustCompile(`^[0-9a-f]{12}$`).MatchString(string(id)) {
		t.Fatalf("id %q is not 12 hex chars", id)
	}
	if again := g.IdentifyUpload(head, salt); again != id {
		t.Errorf("not deterministic: %s vs %s", again, id)
	}
	if other := g.IdentifyUpload(head, salt.Add(time.Millisecond)); other == id {
		t.Error("salt did not change the identity")
	}
	longer := append(append([]byte(nil), head...), []byte("tail beyond prefix")...)
	if got := g.IdentifyUpload(longer, salt); got != id {
		t.Error("bytes past the prefix changed the identity")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "screen.webm")
	if err := os.WriteFile(path, longer, 0o644); err != nil {
		t.Fatal(err)
	}
	fromFile, err := g.IdentifyFile(path, salt)
	if err != nil {
		t.Fatalf("IdentifyFile: %v", err)
	}
	if fromFile != id {
		t.Errorf("IdentifyFile = %s, want %s", fromFile, id)
	}

	short := filepath.Join(dir, "short.webm")
	os.WriteFile(short, []byte("tiny"), 0o644)
	if got, err := g.IdentifyFile(short, salt); err != nil || got != g.IdentifyUpload([]byte("tiny"), salt) {
		t.Errorf("short file: %s, %v", got, err)
	}
	if _, err := g.IdentifyFile(filepath.Join(dir, "missing"), salt); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRegistry_Finalize_and_Lookup(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := NewRegistry(repo, store)

	for _, id := range []SessionID{"s1", "s2"} {
		newSession(t, repo, id)
		if _, err := repo.ClaimCompletion(ctx, id, Claim{DurationMs: 2000}); err != nil {
			t.Fatalf("ClaimCompletion: %v", err)
		}
	}

	if _, err := g.Lookup(ctx, "nope"); !errors.Is(err, ErrRecordingNotFound) {
		t.Fatalf("Lookup missing: %v", err)
	}

	rec := Recording{
		ID:         "0123456789ab",
		SessionID:  "s1",
		Artifacts:  map[timeline.Channel]string{timeline.ChannelScreen: "screen.webm"},
		DurationMs: 2000,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.Finalize(ctx, rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, err := g.Lookup(ctx, rec.ID)
	if err != nil || got.DurationMs != 2000 {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}

	dup := rec
	dup.SessionID = "s2"
	if err := g.Finalize(ctx, dup); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second Finalize: expected ErrAlreadyFinalized, got %v", err)
	}

	// Delete removes the record and the session directory.
	saved, err := store.Save(ctx, outputKey("s1", "screen.webm"), bytes.NewReader([]byte("v")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(saved); !os.IsNotExist(err) {
		t.Errorf("artifact still present: %v", err)
	}
	if _, err := g.Lookup(ctx, rec.ID); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("Lookup after delete: %v", err)
	}
}
