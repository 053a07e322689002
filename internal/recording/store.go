package recording

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is the persistence abstraction for uploaded media and produced
// artifacts. Keys are slash-separated paths relative to the store root.
// The Service uses Store for all media bytes; callers of Service do not need
// to know where they live.
type Store interface {
	// Save writes r under key and returns the file path. Partially written
	// data is never visible under key.
	Save(ctx context.Context, key string, r io.Reader) (string, error)
	// Path returns the file path for key, whether or not it exists.
	Path(key string) string
	// RemoveAll deletes key and everything below it.
	RemoveAll(key string) error
}

// FileStore is a Store on the local filesystem.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Save implements Store.Save.
func (s *FileStore) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	dst := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("save %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("save %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("save %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("save %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("save %s: %w", key, err)
	}
	return dst, nil
}

// Path implements Store.Path.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(cleanKey(key)))
}

// RemoveAll implements Store.RemoveAll.
func (s *FileStore) RemoveAll(key string) error {
	if cleanKey(key) == "" {
		return fmt.Errorf("remove: refusing to remove store root")
	}
	return os.RemoveAll(s.Path(key))
}

// cleanKey keeps keys inside the store root.
func cleanKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Keys for session-scoped files. Everything a session produces lives under
// sessionKey so that deleting a recording is one RemoveAll.

func sessionKey(id SessionID) string {
	return "sessions/" + string(id)
}

func segmentKey(id SessionID, ch string, startMs, endMs int64, ext string) string {
	return fmt.Sprintf("%s/segments/%s_%d_%d_%d%s", sessionKey(id), ch, startMs, endMs, time.Now().UnixNano(), ext)
}

func trackKey(id SessionID, ch string, ext string) string {
	return fmt.Sprintf("%s/tracks/%s_%d%s", sessionKey(id), ch, time.Now().UnixNano(), ext)
}

func workKey(id SessionID, ch string) string {
	return fmt.Sprintf("%s/work/%s", sessionKey(id), ch)
}

func outputKey(id SessionID, name string) string {
	return fmt.Sprintf("%s/out/%s", sessionKey(id), name)
}
