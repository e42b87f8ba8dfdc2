package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no blob exists at a path
var ErrNotFound = errors.New("blob not found")

// Store is write-once-read-many file storage keyed by a relative path.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// SegmentPath builds speech_segments/YYYY/MM/DD/HH/speech_segment_<uuidv7>.<ext>.
// UUIDv7 keeps names time ordered within a folder.
func SegmentPath(now time.Time, ext string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate blob name: %w", err)
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	name := "speech_segment_" + id.String()
	if ext != "" {
		name += "." + ext
	}
	return path.Join("speech_segments", now.UTC().Format("2006/01/02/15"), name), nil
}

// LocalStore keeps blobs under a root directory on the local filesystem.
type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to make blob root %q absolute: %w", root, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %q: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the absolute root directory
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) pathFor(name string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob path %q", name)
	}
	return full, nil
}

// Put writes to a temporary file and renames it into place so readers never
// see a partial blob.
func (s *LocalStore) Put(ctx context.Context, name string, r io.Reader) error {
	full, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync blob %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("commit blob %s: %w", name, err)
	}
	return nil
}

func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	full, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	full, err := s.pathFor(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	full, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
