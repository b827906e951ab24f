// Package filestore implements storage.Store over a local directory.
package filestore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/storage"
)

// Store keeps one file per key under dir.
type Store struct {
	dir string
}

var _ storage.Store = (*Store)(nil)

// New creates the directory if needed and returns a store rooted there.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: spool.path", errors.ErrMissingConfig), "filestore", "New", "check directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WrapFatal(err, "filestore", "New", "create directory")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", errors.WrapInvalid(fmt.Errorf("invalid key %q", key), "filestore", "path", "resolve key")
	}
	return filepath.Join(s.dir, key), nil
}

// Put writes data to a temporary file in the same directory, syncs it and
// renames it over the target.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "create temp file")
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "filestore", "Put", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "filestore", "Put", "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "close temp file")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "rename into place")
	}
	return nil
}

// Get reads the file for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "filestore", "Get", "read file")
	}
	return data, nil
}

// Delete removes the file for key.
func (s *Store) Delete(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.WrapTransient(err, "filestore", "Delete", "remove file")
	}
	return nil
}

func (s *Store) Close() error { return nil }
