// Package backup produces guest dumps (through vzdump) and host configuration bundles.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/pve"
	"github.com/tis24dev/proxsync/internal/storage"
	"github.com/tis24dev/proxsync/internal/types"
	"github.com/tis24dev/proxsync/pkg/utils"
)

// Dumper is the snapshot-backup primitive.
type Dumper interface {
	Vzdump(ctx context.Context, id int, mode, dumpDir string) error
}

// Artifact is one backup unit on disk.
type Artifact struct {
	Prefix  string
	Dir     string
	Archive string // basename, empty in dry-run
	Log     string // basename, empty when vzdump left no log
	Size    int64
}

// Path returns the absolute archive path.
func (a *Artifact) Path() string {
	return filepath.Join(a.Dir, a.Archive)
}

// BackupError reports a failed backup. It always aborts the run.
type BackupError struct {
	Target string
	Code   types.ExitCode
	Err    error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup of %s failed: %v", e.Target, e.Err)
}

func (e *BackupError) Unwrap() error {
	return e.Err
}

// ExecutorConfig holds the executor settings.
type ExecutorConfig struct {
	DryRun          bool
	VzdumpMode      string
	HostConfigPaths []string
	WorkDir         string
}

// Executor runs backups for guests and the host configuration.
type Executor struct {
	dumper   Dumper
	archiver *Archiver
	logger   *logging.Logger
	cfg      ExecutorConfig
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(dumper Dumper, archiver *Archiver, logger *logging.Logger, cfg ExecutorConfig) *Executor {
	if cfg.VzdumpMode == "" {
		cfg.VzdumpMode = "snapshot"
	}
	return &Executor{
		dumper:   dumper,
		archiver: archiver,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// BackupGuest dumps g into dumpDir and returns the new artifact.
func (e *Executor) BackupGuest(ctx context.Context, g types.Guest, dumpDir string) (*Artifact, error) {
	art := &Artifact{Prefix: g.Prefix(), Dir: dumpDir}

	if e.cfg.DryRun {
		e.logger.DryRun("Would run: %s", pve.FormatCommand("vzdump", pve.VzdumpArgs(g.ID, e.cfg.VzdumpMode, dumpDir)...))
		return art, nil
	}

	e.logger.Step("Backing up %s into %s", g, dumpDir)
	start := e.now()
	if err := e.dumper.Vzdump(ctx, g.ID, e.cfg.VzdumpMode, dumpDir); err != nil {
		return nil, &BackupError{Target: g.String(), Code: types.ExitBackupError, Err: err}
	}

	latest, ok, err := storage.LatestArchive(dumpDir, art.Prefix)
	if err != nil {
		return nil, &BackupError{Target: g.String(), Code: types.ExitBackupError, Err: err}
	}
	if !ok {
		return nil, &BackupError{Target: g.String(), Code: types.ExitBackupError,
			Err: fmt.Errorf("vzdump succeeded but no %s* archive appeared in %s", art.Prefix, dumpDir)}
	}
	e.fill(art, latest)
	e.logger.Info("Backup of %s completed: %s (%s) in %s", g, art.Archive, utils.FormatBytes(art.Size), e.now().Sub(start).Round(time.Second))
	return art, nil
}

// BackupHostConfig copies the configured host paths that exist right now into
// a work area, archives it into destDir and removes the work area.
func (e *Executor) BackupHostConfig(ctx context.Context, destDir string) (*Artifact, error) {
	stamp := e.now().Format(types.ArtifactTimeFormat)
	base := types.HostConfigPrefix + stamp
	art := &Artifact{Prefix: types.HostConfigPrefix, Dir: destDir}
	archivePath := filepath.Join(destDir, base+e.archiver.Extension())

	var present, absent []string
	for _, p := range e.cfg.HostConfigPaths {
		if utils.PathExists(p) {
			present = append(present, p)
		} else {
			absent = append(absent, p)
		}
	}
	for _, p := range absent {
		e.logger.Debug("Host config path %s not present, skipping", p)
	}

	if e.cfg.DryRun {
		e.logger.DryRun("Would archive %d host paths into %s", len(present), archivePath)
		return art, nil
	}

	e.logger.Step("Backing up host configuration (%d paths)", len(present))
	fail := func(err error) (*Artifact, error) {
		return nil, &BackupError{Target: "host configuration", Code: types.ExitArchiveError, Err: err}
	}

	if err := os.MkdirAll(e.cfg.WorkDir, 0o700); err != nil {
		return fail(fmt.Errorf("create work dir: %w", err))
	}
	workDir, err := os.MkdirTemp(e.cfg.WorkDir, base+"-")
	if err != nil {
		return fail(fmt.Errorf("create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.logger.Warning("Failed to remove work dir %s: %v", workDir, err)
		}
	}()

	for _, p := range present {
		if err := utils.CopyTree(p, filepath.Join(workDir, p)); err != nil {
			return fail(fmt.Errorf("copy %s: %w", p, err))
		}
		e.logger.Debug("Collected %s", p)
	}

	if err := e.archiver.CreateArchive(ctx, workDir, archivePath); err != nil {
		return fail(err)
	}
	if err := writeHostLog(filepath.Join(destDir, base+".log"), stamp, present, absent); err != nil {
		return fail(err)
	}

	e.fill(art, filepath.Base(archivePath))
	e.logger.Info("Host configuration archived: %s (%s)", art.Archive, utils.FormatBytes(art.Size))
	return art, nil
}

func (e *Executor) fill(art *Artifact, archive string) {
	art.Archive = archive
	if size, err := utils.GetFileSize(art.Path()); err == nil {
		art.Size = size
	}
	if logName := storage.CompanionLog(archive); utils.FileExists(filepath.Join(art.Dir, logName)) {
		art.Log = logName
	}
}

func writeHostLog(path, stamp string, present, absent []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "pve-host backup %s\n", stamp)
	for _, p := range present {
		fmt.Fprintf(&b, "collected: %s\n", p)
	}
	for _, p := range absent {
		fmt.Fprintf(&b, "missing: %s\n", p)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("write host config log: %w", err)
	}
	return nil
}
