package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/pkg/utils"
)

// Local is the canonical backup directory holding flat vzdump/pve-host artifacts.
type Local struct {
	dir    string
	logger *logging.Logger
	dryRun bool
}

// NewLocal creates a Local rooted at dir.
func NewLocal(dir string, logger *logging.Logger, dryRun bool) *Local {
	return &Local{dir: dir, logger: logger, dryRun: dryRun}
}

// Dir returns the canonical directory.
func (l *Local) Dir() string {
	return l.dir
}

// ListArchives returns archive names matching prefix, oldest first.
func (l *Local) ListArchives(prefix string) ([]string, error) {
	return listArchives(l.dir, prefix)
}

func listArchives(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !IsArchive(entry.Name(), prefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// LatestArchive returns the lexicographically greatest archive for prefix in
// dir. Timestamps are embedded zero-padded, so this is also the newest.
func LatestArchive(dir, prefix string) (string, bool, error) {
	names, err := listArchives(dir, prefix)
	if err != nil || len(names) == 0 {
		return "", false, err
	}
	return names[len(names)-1], true, nil
}

// LinkResult describes what LinkLatest put into staging.
type LinkResult struct {
	Prefix  string
	Archive string // empty when no artifact exists
	Log     string // empty when the companion log is missing
}

// LinkLatest points staging at the newest artifact for prefix. Links are
// created in dry-run too: they are harmless and define the would-be sync set.
func (l *Local) LinkLatest(prefix string, staging *Staging) (LinkResult, error) {
	result := LinkResult{Prefix: prefix}

	latest, ok, err := LatestArchive(l.dir, prefix)
	if err != nil {
		return result, &StorageError{Location: LocationLocal, Operation: "list", Path: l.dir, Err: err}
	}
	if !ok {
		l.logger.Skip("No archive found for %s*, nothing to link", prefix)
		return result, nil
	}

	if err := staging.RemovePrefix(prefix); err != nil {
		return result, err
	}
	if err := staging.Link(filepath.Join(l.dir, latest), latest); err != nil {
		return result, err
	}
	result.Archive = latest
	l.logger.Info("Linked %s into staging", latest)

	logName := CompanionLog(latest)
	if !utils.FileExists(filepath.Join(l.dir, logName)) {
		l.logger.Warning("Companion log %s not found, linking archive only", logName)
		return result, nil
	}
	if err := staging.Link(filepath.Join(l.dir, logName), logName); err != nil {
		return result, err
	}
	result.Log = logName
	return result, nil
}

// RetentionSummary reports what Prune removed (or would remove in dry-run).
type RetentionSummary struct {
	Prefix     string
	Total      int
	Kept       int
	Deleted    []string
	OrphanLogs []string
}

// Prune keeps the newest keep archives for prefix and deletes older ones
// together with their log and notes. Logs without an archive are removed
// afterwards, except in dry-run.
func (l *Local) Prune(prefix string, keep int) (RetentionSummary, error) {
	summary := RetentionSummary{Prefix: prefix}
	if keep < 1 {
		return summary, fmt.Errorf("invalid retention %d for %s", keep, prefix)
	}

	archives, err := l.ListArchives(prefix)
	if err != nil {
		return summary, &StorageError{Location: LocationLocal, Operation: "prune", Path: l.dir, Err: err}
	}
	summary.Total = len(archives)

	// newest first
	sort.Sort(sort.Reverse(sort.StringSlice(archives)))
	toDelete := []string{}
	if len(archives) > keep {
		toDelete = archives[keep:]
	}
	summary.Kept = len(archives) - len(toDelete)
	l.logger.Debug("Retention %s → current: %d, limit: %d, to_delete: %d", prefix, len(archives), keep, len(toDelete))

	for _, name := range toDelete {
		if err := l.deleteArtifact(name); err != nil {
			return summary, err
		}
		summary.Deleted = append(summary.Deleted, name)
	}

	if l.dryRun {
		return summary, nil
	}

	orphans, err := l.orphanLogs(prefix)
	if err != nil {
		return summary, err
	}
	for _, logName := range orphans {
		if err := l.remove(logName); err != nil {
			return summary, err
		}
		l.logger.Info("Removed orphaned log %s", logName)
		summary.OrphanLogs = append(summary.OrphanLogs, logName)
	}
	return summary, nil
}

func (l *Local) deleteArtifact(archive string) error {
	if l.dryRun {
		l.logger.DryRun("Would delete old backup %s (and its log/notes)", archive)
		return nil
	}

	if err := l.remove(archive); err != nil {
		return err
	}
	l.logger.Info("Deleted old backup %s", archive)

	for _, sidecar := range []string{CompanionLog(archive), NotesFile(archive)} {
		if !utils.PathExists(filepath.Join(l.dir, sidecar)) {
			continue
		}
		if err := l.remove(sidecar); err != nil {
			return err
		}
		l.logger.Debug("Deleted %s", sidecar)
	}
	return nil
}

// orphanLogs lists prefix*.log files whose archive no longer exists.
func (l *Local) orphanLogs(prefix string) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, &StorageError{Location: LocationLocal, Operation: "prune", Path: l.dir, Err: err}
	}

	owned := map[string]bool{}
	var logs []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || entry.IsDir() {
			continue
		}
		if IsArchive(name, prefix) {
			owned[CompanionLog(name)] = true
			continue
		}
		if strings.HasSuffix(name, ".log") {
			logs = append(logs, name)
		}
	}

	var orphans []string
	for _, name := range logs {
		if !owned[name] {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}

func (l *Local) remove(name string) error {
	path := filepath.Join(l.dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Location: LocationLocal, Operation: "delete", Path: path, Err: err}
	}
	return nil
}

// Adopt moves archive (and its log and notes, when present) from srcDir into
// the canonical directory.
func (l *Local) Adopt(srcDir, archive string) error {
	for _, name := range []string{archive, CompanionLog(archive), NotesFile(archive)} {
		src := filepath.Join(srcDir, name)
		if name != archive && !utils.PathExists(src) {
			continue
		}
		dst := filepath.Join(l.dir, name)
		if l.dryRun {
			l.logger.DryRun("Would move %s to %s", src, dst)
			continue
		}
		if err := utils.MoveFile(src, dst); err != nil {
			return &StorageError{Location: LocationLocal, Operation: "move", Path: src, Err: err, Critical: true}
		}
		l.logger.Info("Moved %s to %s", name, l.dir)
	}
	return nil
}
