package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"replistore/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// incomingDir holds partially received files; it is never listed.
const incomingDir = ".incoming"

var ErrInvalidPath = errors.New("invalid file path")

// LocalStore keeps a node's replicas under a single directory. Names are
// slash-separated paths relative to that directory.
type LocalStore struct {
	root   string
	logger *zap.Logger
}

func NewLocalStore(root string, logger *zap.Logger) (*LocalStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &LocalStore{root: root, logger: logger}, nil
}

func (s *LocalStore) Root() string {
	return s.root
}

// Clear removes everything under the data directory.
func (s *LocalStore) Clear() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return fmt.Errorf("failed to clear %s: %w", entry.Name(), err)
		}
	}
	s.logger.Info("Cleared data directory", zap.String("root", s.root), zap.Int("entries", len(entries)))
	return nil
}

func (s *LocalStore) path(name string) (string, error) {
	if name == "" || strings.Contains(name, "\\") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	if first := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]; first == incomingDir {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(s.root, clean), nil
}

// Upload is a file being received. Nothing is visible under its final name
// until Commit.
type Upload struct {
	file  *os.File
	final string
}

func (u *Upload) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

// Commit moves the received bytes into place, replacing any previous copy.
func (u *Upload) Commit() error {
	if err := u.file.Close(); err != nil {
		os.Remove(u.file.Name())
		return fmt.Errorf("failed to close upload: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(u.final), 0755); err != nil {
		os.Remove(u.file.Name())
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.Rename(u.file.Name(), u.final); err != nil {
		os.Remove(u.file.Name())
		return fmt.Errorf("failed to commit upload: %w", err)
	}
	return nil
}

// Abort discards the received bytes.
func (u *Upload) Abort() {
	u.file.Close()
	os.Remove(u.file.Name())
}

// Create starts receiving name.
func (s *LocalStore) Create(name string) (*Upload, error) {
	final, err := s.path(name)
	if err != nil {
		return nil, err
	}

	staging := filepath.Join(s.root, incomingDir)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	file, err := os.Create(filepath.Join(staging, uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return &Upload{file: file, final: final}, nil
}

// Open returns the stored file and its size.
func (s *LocalStore) Open(name string) (*os.File, int64, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, types.ErrFileNotFound
		}
		return nil, 0, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, types.ErrFileNotFound
	}
	return file, info.Size(), nil
}

// Delete removes name, returning types.ErrFileNotFound when it is absent.
func (s *LocalStore) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.ErrFileNotFound
		}
		return err
	}
	if info.IsDir() {
		return types.ErrFileNotFound
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}

	s.pruneEmptyParents(filepath.Dir(path))
	return nil
}

func (s *LocalStore) pruneEmptyParents(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// List walks the data directory and returns every stored file, sorted.
func (s *LocalStore) List() ([]string, error) {
	var files []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.root && d.Name() == incomingDir && filepath.Dir(path) == s.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
