package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

var (
	ErrLocked      = errors.New("file is checked out")
	ErrNotFound    = errors.New("file not found")
	ErrCopyFailed  = errors.New("failed to back up file")
	ErrInvalidName = errors.New("invalid file name")
)

// Store keeps the files of one chunk server in a node-private directory.
// Each name has its own lock: Write, Read and Delete fail fast with ErrLocked
// while the name is checked out, Create waits for it.
type Store struct {
	dir         string
	backupDir   string
	placeholder string
	locks       *lockTable
}

func NewStore(dir, backupDir, placeholder string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create server directory: %w", err)
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Store{
		dir:         dir,
		backupDir:   backupDir,
		placeholder: placeholder,
		locks:       newLockTable(),
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// Create writes the placeholder content to name, replacing any existing file.
func (s *Store) Create(ctx context.Context, name string) error {
	if !protocol.ValidFileName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	release, err := s.locks.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	if err := os.WriteFile(s.path(name), []byte(s.placeholder), 0644); err != nil {
		return fmt.Errorf("failed to create file %s: %w", name, err)
	}
	return nil
}

// Write copies the current content of name to the backup directory and then
// overwrites it. When the copy fails the original is left untouched.
func (s *Store) Write(name, content string) error {
	if !protocol.ValidFileName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	release, ok := s.locks.tryAcquire(name)
	if !ok {
		return ErrLocked
	}
	defer release()

	original, err := os.ReadFile(s.path(name))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCopyFailed, name, err)
	}
	if err := os.WriteFile(filepath.Join(s.backupDir, name), original, 0644); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCopyFailed, name, err)
	}

	if err := os.WriteFile(s.path(name), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", name, err)
	}
	return nil
}

func (s *Store) Read(name string) (string, error) {
	if !protocol.ValidFileName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	release, ok := s.locks.tryAcquire(name)
	if !ok {
		return "", ErrLocked
	}
	defer release()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read file %s: %w", name, err)
	}
	return string(data), nil
}

func (s *Store) Delete(name string) error {
	if !protocol.ValidFileName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	release, ok := s.locks.tryAcquire(name)
	if !ok {
		return ErrLocked
	}
	defer release()

	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete file %s: %w", name, err)
	}
	return nil
}

// CheckedOut reports whether an operation currently holds name.
func (s *Store) CheckedOut(name string) bool {
	return s.locks.checkedOut(name)
}

// Names lists the stored files in lexical order.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read server directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !protocol.ValidFileName(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}
