// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config reads and writes the filesystem conversion configuration.
//
// Two files coexist: the pending configuration written by the operator, and the
// previous configuration describing the layout currently on the device. The pending
// file replaces the previous one only after a successful backup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/siderolabs/go-fsconvert/layout"
)

// Store provides access to the pending and previous configuration files.
type Store struct {
	pendingPath  string
	previousPath string
}

// NewStore creates a new Store.
func NewStore(pendingPath, previousPath string) *Store {
	return &Store{
		pendingPath:  pendingPath,
		previousPath: previousPath,
	}
}

// PendingPath returns the path of the pending configuration.
func (s *Store) PendingPath() string {
	return s.pendingPath
}

// PreviousPath returns the path of the previous configuration.
func (s *Store) PreviousPath() string {
	return s.previousPath
}

// Pending reads the pending configuration.
//
// A missing file yields an empty configuration.
func (s *Store) Pending() (*File, error) {
	return readFile(s.pendingPath)
}

// Previous reads the previous configuration.
//
// A missing file yields an empty configuration, so every lookup is NotFound.
func (s *Store) Previous() (*File, error) {
	return readFile(s.previousPath)
}

// ReadOption looks up a key in the previous configuration.
func (s *Store) ReadOption(key Key) (Lookup, error) {
	category, ok := key.Category()
	if !ok {
		return NotFound, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	f, err := s.Previous()
	if err != nil {
		return NotFound, err
	}

	return f.Lookup(key, category), nil
}

// ReadPartitionOption looks up the per-partition key of the given category.
func (s *Store) ReadPartitionOption(name layout.Name, category Category) (Lookup, error) {
	switch category {
	case CategoryFilesystem:
		return s.ReadOption(FilesystemKey(name))
	case CategoryLoop:
		return s.ReadOption(LoopKey(name))
	case CategoryBind:
		return s.ReadOption(KeyBindDataToDBData)
	default:
		return NotFound, fmt.Errorf("unknown category %d", category)
	}
}

// SavePending atomically replaces the pending configuration.
func (s *Store) SavePending(f *File) error {
	var buf bytes.Buffer

	if _, err := f.WriteTo(&buf); err != nil {
		return err
	}

	return writeAtomic(s.pendingPath, buf.Bytes())
}

// Promote atomically copies the pending configuration over the previous one.
//
// After Promote, lookups observe the configuration about to be applied.
func (s *Store) Promote() error {
	data, err := os.ReadFile(s.pendingPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoPendingConfig, s.pendingPath)
		}

		return err
	}

	return writeAtomic(s.previousPath, data)
}

// CheckPending verifies that the pending configuration exists and is valid.
func (s *Store) CheckPending() error {
	if _, err := os.Stat(s.pendingPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoPendingConfig, s.pendingPath)
		}

		return err
	}

	f, err := s.Pending()
	if err != nil {
		return err
	}

	for _, key := range f.Keys() {
		category, ok := key.Category()
		if !ok {
			continue
		}

		if value, _ := f.Get(key); f.Lookup(key, category) == NotFound {
			return fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
		}
	}

	return nil
}

func readFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &File{}, nil
		}

		return nil, err
	}

	defer f.Close() //nolint:errcheck

	return Parse(f)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()

	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err = tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck

		return err
	}

	if err = tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck

		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
