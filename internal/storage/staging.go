package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tis24dev/proxsync/internal/logging"
)

// Staging is the directory of symlinks that rclone mirrors to the remote.
type Staging struct {
	dir    string
	logger *logging.Logger
}

// NewStaging creates a Staging rooted at dir.
func NewStaging(dir string, logger *logging.Logger) *Staging {
	return &Staging{dir: dir, logger: logger}
}

// Dir returns the staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// Clear removes every entry and makes sure the directory exists.
func (s *Staging) Clear() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &StorageError{Location: LocationStaging, Operation: "clear", Path: s.dir, Err: err}
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return &StorageError{Location: LocationStaging, Operation: "clear", Path: s.dir, Err: err}
	}
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return &StorageError{Location: LocationStaging, Operation: "clear", Path: path, Err: err}
		}
	}
	s.logger.Debug("Cleared staging directory %s (%d entries)", s.dir, len(entries))
	return nil
}

// Entries returns the sorted basenames currently staged.
func (s *Staging) Entries() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Location: LocationStaging, Operation: "list", Path: s.dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Link creates (or replaces) staging/name pointing at target.
func (s *Staging) Link(target, name string) error {
	path := filepath.Join(s.dir, name)
	if current, err := os.Readlink(path); err == nil && current == target {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Location: LocationStaging, Operation: "link", Path: path, Err: err}
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &StorageError{Location: LocationStaging, Operation: "link", Path: s.dir, Err: err}
	}
	if err := os.Symlink(target, path); err != nil {
		return &StorageError{Location: LocationStaging, Operation: "link", Path: path, Err: err}
	}
	return nil
}

// RemovePrefix drops staged entries for prefix so only one frontier remains.
func (s *Staging) RemovePrefix(prefix string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Location: LocationStaging, Operation: "unlink", Path: s.dir, Err: err}
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &StorageError{Location: LocationStaging, Operation: "unlink", Path: path, Err: err}
		}
	}
	return nil
}
