// Package storage manages the canonical dump directory, the staging link set
// and the rclone mirror of that link set.
package storage

import (
	"fmt"
	"strings"
)

// Location names the storage area an error refers to.
type Location string

const (
	LocationLocal   Location = "local"
	LocationStaging Location = "staging"
	LocationRemote  Location = "remote"
)

// StorageError represents an error from a storage operation.
type StorageError struct {
	Location  Location
	Operation string // "link", "prune", "move", "sync", ...
	Path      string
	Err       error
	Critical  bool
}

func (e *StorageError) Error() string {
	criticality := "WARNING"
	if e.Critical {
		criticality = "CRITICAL"
	}
	return fmt.Sprintf("%s: %s storage %s operation failed for %s: %v", criticality, e.Location, e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// archiveSuffixes are matched longest-first; vzdump output depends on the
// guest kind and the compressor, pve-host bundles are .tar.zst[.age].
var archiveSuffixes = []string{
	".tar.zst.age",
	".tar.zst",
	".vma.zst",
	".tar.gz",
	".vma.gz",
	".tar.lzo",
	".vma.lzo",
	".tgz",
	".tar",
	".vma",
}

// ArchiveSuffix returns the archive suffix of name, if it is an archive.
func ArchiveSuffix(name string) (string, bool) {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return suffix, true
		}
	}
	return "", false
}

// IsArchive reports whether name is an archive belonging to prefix.
func IsArchive(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	_, ok := ArchiveSuffix(name)
	return ok
}

// CompanionLog returns the log name written next to archive:
// vzdump-lxc-101-2026_01_01-00_00_00.tar.zst -> vzdump-lxc-101-2026_01_01-00_00_00.log
func CompanionLog(archive string) string {
	suffix, ok := ArchiveSuffix(archive)
	if !ok {
		return archive + ".log"
	}
	return strings.TrimSuffix(archive, suffix) + ".log"
}

// NotesFile returns the vzdump notes sidecar of archive.
func NotesFile(archive string) string {
	return archive + ".notes"
}
