// Package local manages the harvest output tree on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the output tree.
type Config struct {
	// BaseDir is the output root every harvested file lives under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store reads and writes files beneath BaseDir. Paths may be relative to the
// root or absolute paths inside it.
type Store struct {
	baseDir string
}

// New creates the root if needed and checks that it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(base, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(base, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: base}, nil
}

// Root returns the absolute output root.
func (s *Store) Root() string {
	return s.baseDir
}

// Abs maps p to an absolute path and rejects anything outside the root.
func (s *Store) Abs(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.baseDir, p)
	}
	full = filepath.Clean(full)
	if full != s.baseDir && !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", p)
	}
	return full, nil
}

// MkdirAll creates directory p and its parents.
func (s *Store) MkdirAll(p string) error {
	full, err := s.Abs(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", full, err)
	}
	return nil
}

// Put atomically replaces the file at p with data. Readers see either the old
// content or the new one, never a prefix.
func (s *Store) Put(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	full, err := s.Abs(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", full, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", full, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", full, err)
	}
	return nil
}

// Get reads the file at p. A missing file is reported with fs.ErrNotExist.
func (s *Store) Get(p string) ([]byte, error) {
	full, err := s.Abs(p)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to the output root by Abs.
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", full, err)
	}
	return data, nil
}

// Exists reports whether p names an existing file or directory.
func (s *Store) Exists(p string) (bool, error) {
	full, err := s.Abs(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", full, err)
	}
}
