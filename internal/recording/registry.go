package recording

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

const (
	// PrefixBytes is how much of the screen source feeds the recording identity.
	PrefixBytes = 4096
	idLength    = 12
)

// Registry assigns content-derived identities to recordings and keeps the
// finalized ones. It is safe for concurrent use.
type Registry struct {
	repo  Repository
	store Store
}

// NewRegistry returns a Registry over repo whose artifacts live in store.
func NewRegistry(repo Repository, store Store) *Registry {
	return &Registry{repo: repo, store: store}
}

// IdentifyUpload derives the recording id from the first bytes of the screen
// source and a salt timestamp. It is deterministic for identical inputs.
func (g *Registry) IdentifyUpload(prefix []byte, salt time.Time) RecordingID {
	if len(prefix) > PrefixBytes {
		prefix = prefix[:PrefixBytes]
	}
	h := sha256.New()
	h.Write(prefix)
	h.Write([]byte(strconv.FormatInt(salt.UnixMilli(), 10)))
	return RecordingID(hex.EncodeToString(h.Sum(nil))[:idLength])
}

// IdentifyFile is IdentifyUpload over the head of the file at path.
func (g *Registry) IdentifyFile(path string, salt time.Time) (RecordingID, error) {
	prefix, err := readPrefix(path, PrefixBytes)
	if err != nil {
		return "", err
	}
	return g.IdentifyUpload(prefix, salt), nil
}

// Lookup returns a finalized recording or ErrRecordingNotFound.
func (g *Registry) Lookup(ctx context.Context, id RecordingID) (Recording, error) {
	return g.repo.GetRecording(ctx, id)
}

// Finalize records rec and marks its session completed in one atomic write.
// A recording with the same id yields ErrAlreadyFinalized and writes nothing.
func (g *Registry) Finalize(ctx context.Context, rec Recording) error {
	out := Outcome{
		State:        StateCompleted,
		Artifacts:    rec.Artifacts,
		CaptionsPath: rec.CaptionsPath,
		RecordingID:  rec.ID,
	}
	return g.repo.FinishSession(ctx, rec.SessionID, out, &rec)
}

// Delete removes the recording, its session rows and every artifact the
// session produced.
func (g *Registry) Delete(ctx context.Context, id RecordingID) (Recording, error) {
	rec, err := g.repo.DeleteRecording(ctx, id)
	if err != nil {
		return Recording{}, err
	}
	if err := g.store.RemoveAll(sessionKey(rec.SessionID)); err != nil {
		return rec, fmt.Errorf("remove artifacts of %s: %w", id, err)
	}
	return rec, nil
}

func readPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read prefix: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read prefix: %w", err)
	}
	return buf[:read], nil
}
