// Package blob stores raw uploaded bytes under opaque locators.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// ErrInvalidLocator is returned for locators this store did not issue.
var ErrInvalidLocator = fmt.Errorf("%w: invalid blob locator", ragerr.ErrValidation)

// Store persists raw file bytes.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}

// Config configures the filesystem blob store.
type Config struct {
	Dir string `koanf:"dir"`
}

// DefaultConfig returns the default blob directory.
func DefaultConfig() Config {
	return Config{Dir: "data/blobs"}
}

// FileStore keeps each blob in its own file, fanned out by the first two
// characters of the locator.
type FileStore struct {
	dir string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(cfg Config) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("blob directory required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FileStore{dir: cfg.Dir}, nil
}

// Put writes data atomically and returns its locator.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	locator := uuid.NewString()
	path := s.path(locator)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating blob shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("creating temp blob: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("committing blob: %w", err)
	}
	return locator, nil
}

// Get reads the blob behind locator.
func (s *FileStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkLocator(locator); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(locator))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ragerr.NotFound("blob", locator)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob; a missing blob is not an error.
func (s *FileStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkLocator(locator); err != nil {
		return err
	}
	if err := os.Remove(s.path(locator)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

func (s *FileStore) path(locator string) string {
	return filepath.Join(s.dir, locator[:2], locator)
}

func checkLocator(locator string) error {
	if _, err := uuid.Parse(locator); err != nil || strings.ContainsAny(locator, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
