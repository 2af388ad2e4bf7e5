// Package orchestrator drives a backup run: guests are stopped, backed up and
// restarted in dependency order, retention is applied per target, and the
// staging link set is mirrored to the remote and verified.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/retry"

	"github.com/tis24dev/proxsync/internal/backup"
	"github.com/tis24dev/proxsync/internal/cli"
	"github.com/tis24dev/proxsync/internal/guest"
	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/metrics"
	"github.com/tis24dev/proxsync/internal/notify"
	"github.com/tis24dev/proxsync/internal/storage"
	"github.com/tis24dev/proxsync/internal/types"
)

// RunError represents a fatal run error with the phase it happened in and
// the exit code it maps to.
type RunError struct {
	Phase string // "preflight", "staging", "host-config", "storage-host", "guests", "sync", "verify"
	Err   error
	Code  types.ExitCode
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ExitCodeFor maps an error returned by Run (or any component) to an exit code.
func ExitCodeFor(err error) types.ExitCode {
	if err == nil {
		return types.ExitSuccess
	}
	var runErr *RunError
	if errors.As(err, &runErr) && runErr.Code != types.ExitSuccess {
		if runErr.Code == types.ExitStorageError && errors.Is(err, os.ErrPermission) {
			return types.ExitPermissionError
		}
		return runErr.Code
	}
	return classify(err)
}

func classify(err error) types.ExitCode {
	var (
		guestErr  *guest.GuestError
		backupErr *backup.BackupError
		verifyErr *storage.VerificationError
		storErr   *storage.StorageError
	)
	switch {
	case errors.As(err, &verifyErr):
		return types.ExitVerificationError
	case errors.As(err, &guestErr):
		return types.ExitGuestError
	case errors.As(err, &backupErr):
		return backupErr.Code
	case errors.As(err, &storErr):
		if storErr.Location == storage.LocationRemote {
			return types.ExitNetworkError
		}
		if errors.Is(err, os.ErrPermission) {
			return types.ExitPermissionError
		}
		return types.ExitStorageError
	default:
		return types.ExitGenericError
	}
}

// requiredBinaries are checked before anything is touched.
var requiredBinaries = []string{"pct", "qm", "pvesh", "vzdump", "rclone"}

// Orchestrator runs one backup cycle.
type Orchestrator struct {
	deps   Deps
	logger *logging.Logger

	result  *RunResult
	done    map[int]bool        // ids that produced an artifact this run
	stopped map[int]types.Guest // guests this run stopped and has not restarted yet
	order   []int
	staging *storage.Staging
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	deps.setDefaults()
	return &Orchestrator{deps: deps, logger: deps.Logger}
}

// Run executes a full cycle for targets. The returned result is always
// non-nil; err is a *RunError when the run failed.
func (o *Orchestrator) Run(ctx context.Context, targets cli.TargetSet) (*RunResult, error) {
	cfg := o.deps.Config
	o.result = newRunResult(uuid.NewString(), o.deps.DryRun, targets.String(), o.deps.Now())
	o.done = make(map[int]bool)
	o.stopped = make(map[int]types.Guest)
	o.order = nil

	mode := "LIVE"
	if o.deps.DryRun {
		mode = "DRY-RUN"
	}
	o.logger.Phase("proxsync run %s started (%s) targets=%s", o.result.RunID, mode, o.result.Targets)

	err := o.run(ctx, targets)
	if o.deps.Checks != nil {
		if rerr := o.deps.Checks.ReleaseLock(); rerr != nil {
			o.logger.Warning("%v", rerr)
		}
	}

	o.result.EndTime = o.deps.Now()
	o.result.ExitCode = ExitCodeFor(err)
	if err != nil {
		o.result.Error = err.Error()
		var runErr *RunError
		if errors.As(err, &runErr) {
			o.result.Phase = runErr.Phase
		}
		o.logger.Error("Run aborted: %v", err)
		o.reportLeftStopped()
	}

	o.result.LogSummary(o.logger)
	if path, werr := o.result.WriteReport(cfg.LogPath); werr != nil {
		o.logger.Warning("Failed to write run report: %v", werr)
	} else {
		o.logger.Debug("Run report written to %s", path)
	}
	o.exportMetrics()
	o.sendNotifications(ctx)

	return o.result, err
}

func (o *Orchestrator) run(ctx context.Context, targets cli.TargetSet) error {
	cfg := o.deps.Config

	if err := o.preflight(ctx); err != nil {
		return err
	}

	plan, err := BuildGuestPlan(cfg.DependentGuests, cfg.IndependentGuests, o.deps.Kinds)
	if err != nil {
		return &RunError{Phase: "preflight", Err: err, Code: types.ExitConfigError}
	}
	var storageHost *types.Guest
	if cfg.StorageHostID > 0 {
		g, err := resolveGuest(cfg.StorageHostID, types.RoleStorageHost, o.deps.Kinds)
		if err != nil {
			return &RunError{Phase: "preflight", Err: err, Code: types.ExitConfigError}
		}
		storageHost = &g
	}
	o.warnUnmanaged(targets)

	cleanup, err := o.prepareStaging()
	if err != nil {
		return &RunError{Phase: "staging", Err: err, Code: types.ExitStorageError}
	}
	defer cleanup()

	if err := o.hostConfigPhase(ctx, targets); err != nil {
		return err
	}

	if storageHost != nil {
		if err := o.storageHostPhase(ctx, targets, *storageHost, plan); err != nil {
			return err
		}
	}

	if err := o.guestPhase(ctx, targets, plan); err != nil {
		return err
	}

	return o.syncPhase(ctx)
}

func (o *Orchestrator) preflight(ctx context.Context) error {
	var missing []string
	for _, bin := range requiredBinaries {
		if _, err := o.deps.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		if !o.deps.DryRun {
			return &RunError{
				Phase: "preflight",
				Err:   fmt.Errorf("required commands not found: %s", strings.Join(missing, ", ")),
				Code:  types.ExitEnvironmentError,
			}
		}
		o.logger.Warning("Required commands not found: %s (ignored in dry-run)", strings.Join(missing, ", "))
	}

	if o.deps.Checks == nil {
		return nil
	}
	results, err := o.deps.Checks.RunAllChecks(ctx)
	for _, r := range results {
		o.logger.Debug("Check %s: %s", r.Name, r.Message)
	}
	if err != nil {
		return &RunError{Phase: "preflight", Err: err, Code: types.ExitEnvironmentError}
	}
	return nil
}

func (o *Orchestrator) warnUnmanaged(targets cli.TargetSet) {
	for _, id := range targets.IDs() {
		if !o.deps.Config.IsManaged(id) {
			o.logger.Skip("Guest %d is not configured as storage host, dependent or independent; ignoring", id)
		}
	}
}

func (o *Orchestrator) hostConfigPhase(ctx context.Context, targets cli.TargetSet) error {
	out := o.result.hostOutcome()
	if targets.HostConfig() {
		o.logger.Phase("Host configuration backup")
		art, err := o.deps.Backups.BackupHostConfig(ctx, o.deps.Local.Dir())
		if err != nil {
			return &RunError{Phase: "host-config", Err: err, Code: classify(err)}
		}
		out.Archive, out.Size = art.Archive, art.Size
	}
	if err := o.linkAndPrune(out); err != nil {
		return &RunError{Phase: "host-config", Err: err, Code: types.ExitStorageError}
	}
	return nil
}

// storageHostPhase backs up the guest that exports the backup share. While
// it is down the canonical directory is unreachable, so the dump is written
// to the scratch directory and moved once the share is mounted again.
func (o *Orchestrator) storageHostPhase(ctx context.Context, targets cli.TargetSet, host types.Guest, plan []types.Guest) error {
	cfg := o.deps.Config
	out := o.result.guestOutcome(host)
	fail := func(err error) error {
		return &RunError{Phase: "storage-host", Err: err, Code: classify(err)}
	}

	if !targets.Includes(host.ID) {
		started, err := o.deps.Guests.EnsureRunning(ctx, host)
		if err != nil {
			return fail(err)
		}
		if started {
			out.Started = true
			if err := o.waitForMount(ctx); err != nil {
				return &RunError{Phase: "storage-host", Err: err, Code: types.ExitStorageError}
			}
		}
		if err := o.linkAndPrune(out); err != nil {
			return fail(err)
		}
		return nil
	}

	o.logger.Phase("Storage host %s", host)

	for _, g := range plan {
		if g.Role != types.RoleDependent {
			continue
		}
		stopped, err := o.deps.Guests.StopIfRunning(ctx, g)
		if stopped {
			o.markStopped(g)
			o.result.guestOutcome(g).Stopped = true
		}
		if err != nil {
			return fail(err)
		}
	}

	stopped, err := o.deps.Guests.StopIfRunning(ctx, host)
	if stopped {
		o.markStopped(host)
		out.Stopped = true
	}
	if err != nil {
		return fail(err)
	}

	if !o.deps.DryRun {
		if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
			return &RunError{Phase: "storage-host", Err: fmt.Errorf("create scratch dir: %w", err), Code: types.ExitStorageError}
		}
	}
	art, err := o.deps.Backups.BackupGuest(ctx, host, cfg.ScratchDir)
	if err != nil {
		return fail(err)
	}

	if err := o.deps.Guests.Start(ctx, host); err != nil {
		return fail(err)
	}
	o.markStarted(host)
	out.Started = true

	if err := o.waitForMount(ctx); err != nil {
		return &RunError{Phase: "storage-host", Err: err, Code: types.ExitStorageError}
	}

	if o.deps.DryRun {
		o.logger.DryRun("Would move the new %s* artifact from %s to %s", host.Prefix(), cfg.ScratchDir, o.deps.Local.Dir())
	} else {
		if err := o.deps.Local.Adopt(cfg.ScratchDir, art.Archive); err != nil {
			return fail(err)
		}
		out.Archive, out.Size = art.Archive, art.Size
	}
	o.markBackedUp(host.ID)

	if err := o.linkAndPrune(out); err != nil {
		return fail(err)
	}
	return nil
}

func (o *Orchestrator) waitForMount(ctx context.Context) error {
	cfg := o.deps.Config
	if o.deps.DryRun {
		o.logger.DryRun("Would wait for %s to be mounted (up to %d checks every %s)", cfg.MountPoint, cfg.MountWaitAttempts, cfg.MountWaitInterval)
		return nil
	}

	o.logger.Step("Waiting for %s to come back", cfg.MountPoint)
	err := retry.Call(retry.CallArgs{
		Func: o.deps.Mount.Ready,
		NotifyFunc: func(err error, attempt int) {
			o.logger.Info("Storage not ready (attempt %d/%d): %v", attempt, cfg.MountWaitAttempts, err)
		},
		Attempts: cfg.MountWaitAttempts,
		Delay:    cfg.MountWaitInterval,
		Clock:    o.deps.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		o.logger.Info("%s is mounted and readable", cfg.MountPoint)
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		return fmt.Errorf("storage at %s did not come back after %d attempts: %w", cfg.MountPoint, cfg.MountWaitAttempts, retry.LastError(err))
	}
	return fmt.Errorf("waiting for %s: %w", cfg.MountPoint, err)
}

// guestPhase walks the plan: back up what was selected, make sure every
// guest is running, then refresh links and retention for all of them.
func (o *Orchestrator) guestPhase(ctx context.Context, targets cli.TargetSet, plan []types.Guest) error {
	o.logger.Phase("Guests (%d planned)", len(plan))
	fail := func(err error) error {
		return &RunError{Phase: "guests", Err: err, Code: classify(err)}
	}

	for _, g := range plan {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		out := o.result.guestOutcome(g)

		if targets.Includes(g.ID) && !o.backedUp(g.ID) {
			art, err := o.deps.Backups.BackupGuest(ctx, g, o.deps.Local.Dir())
			if err != nil {
				return fail(err)
			}
			o.markBackedUp(g.ID)
			out.Archive, out.Size = art.Archive, art.Size
		}

		started, err := o.deps.Guests.EnsureRunning(ctx, g)
		if err != nil {
			return fail(err)
		}
		if started {
			out.Started = true
		}
		o.markStarted(g)

		if err := o.linkAndPrune(out); err != nil {
			return fail(err)
		}
	}
	return nil
}

// prepareStaging clears the staging directory. A dry-run stages into a
// throwaway directory instead, so whatever a failed run left behind survives.
func (o *Orchestrator) prepareStaging() (func(), error) {
	if !o.deps.DryRun {
		o.staging = o.deps.Staging
		o.logger.Phase("Preparing staging directory %s", o.staging.Dir())
		return func() {}, o.staging.Clear()
	}

	dir, err := os.MkdirTemp("", "proxsync-staging-")
	if err != nil {
		return func() {}, fmt.Errorf("create dry-run staging directory: %w", err)
	}
	o.staging = storage.NewStaging(dir, o.logger)
	o.logger.DryRun("Staging into %s, %s is left untouched", dir, o.deps.Staging.Dir())
	return func() {
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Debug("Failed to remove dry-run staging %s: %v", dir, err)
		}
	}, nil
}

func (o *Orchestrator) syncPhase(ctx context.Context) error {
	remote := o.deps.Remote
	staging := o.staging

	entries, err := staging.Entries()
	if err != nil {
		return &RunError{Phase: "sync", Err: err, Code: types.ExitStorageError}
	}
	o.result.Staged = entries

	o.logger.Phase("Sync %d staged file(s) to %s", len(entries), remote.Remote())
	if err := remote.Cleanup(ctx); err != nil {
		return &RunError{Phase: "sync", Err: err, Code: types.ExitNetworkError}
	}
	if err := remote.Sync(ctx, staging.Dir()); err != nil {
		return &RunError{Phase: "sync", Err: err, Code: types.ExitNetworkError}
	}
	o.result.Synced = !o.deps.DryRun

	o.logger.Phase("Verify remote")
	if err := remote.Verify(ctx, entries); err != nil {
		var verifyErr *storage.VerificationError
		if errors.As(err, &verifyErr) {
			o.result.RemoteMissing = verifyErr.Missing
			o.logger.Error("Staging directory %s left in place for inspection", staging.Dir())
			return &RunError{Phase: "verify", Err: err, Code: types.ExitVerificationError}
		}
		return &RunError{Phase: "verify", Err: err, Code: types.ExitNetworkError}
	}
	o.result.Verified = !o.deps.DryRun

	if o.deps.DryRun {
		return nil
	}
	if err := staging.Clear(); err != nil {
		return &RunError{Phase: "staging", Err: err, Code: types.ExitStorageError}
	}
	o.logger.Info("Staging directory cleared")
	return nil
}

func (o *Orchestrator) linkAndPrune(out *TargetOutcome) error {
	linked, err := o.deps.Local.LinkLatest(out.Prefix, o.staging)
	if err != nil {
		return err
	}
	out.Linked = linked.Archive

	summary, err := o.deps.Local.Prune(out.Prefix, o.deps.Config.RetentionKeep)
	if err != nil {
		return err
	}
	out.Pruned = len(summary.Deleted)
	out.Orphans = len(summary.OrphanLogs)
	return nil
}

func (o *Orchestrator) markStopped(g types.Guest) {
	if o.deps.DryRun {
		return
	}
	if _, ok := o.stopped[g.ID]; !ok {
		o.order = append(o.order, g.ID)
	}
	o.stopped[g.ID] = g
}

func (o *Orchestrator) markStarted(g types.Guest) {
	delete(o.stopped, g.ID)
}

func (o *Orchestrator) backedUp(id int) bool {
	return o.done[id]
}

func (o *Orchestrator) markBackedUp(id int) {
	o.done[id] = true
}

// reportLeftStopped logs guests this run shut down and did not start again.
// No restart is attempted.
func (o *Orchestrator) reportLeftStopped() {
	var names []string
	for _, id := range o.order {
		if g, ok := o.stopped[id]; ok {
			names = append(names, g.String())
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)
	o.result.LeftStopped = names
	o.logger.Critical("Guests possibly left stopped after the failure: %s", strings.Join(names, ", "))
}

func (o *Orchestrator) exportMetrics() {
	if o.deps.Metrics == nil {
		return
	}
	hostname, _ := os.Hostname()
	m := &metrics.RunMetrics{
		Hostname:        hostname,
		Version:         o.deps.Version,
		DryRun:          o.result.DryRun,
		StartTime:       o.result.StartTime,
		EndTime:         o.result.EndTime,
		Duration:        o.result.Duration(),
		ExitCode:        o.result.ExitCode.Int(),
		ErrorCount:      int(o.logger.ErrorCount()),
		WarningCount:    int(o.logger.WarningCount()),
		GuestsBackedUp:  o.result.BackedUp(),
		ArtifactsPruned: o.result.Pruned(),
		RemoteMissing:   len(o.result.RemoteMissing),
		BytesWritten:    o.result.BytesWritten(),
	}
	if err := o.deps.Metrics.Export(m); err != nil {
		o.logger.Warning("Failed to export metrics: %v", err)
	}
}

// notifyTimeout bounds delivery after the run, which may have been cancelled.
const notifyTimeout = 2 * time.Minute

func (o *Orchestrator) sendNotifications(ctx context.Context) {
	if !o.deps.Notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	report, err := o.result.JSON()
	if err != nil {
		o.logger.Debug("Run report unavailable for notifications: %v", err)
	}
	hostname, _ := os.Hostname()
	data := &notify.Data{
		Status:        notify.StatusFor(o.result.ExitCode, o.logger.WarningCount()),
		ExitCode:      o.result.ExitCode.Int(),
		ExitStatus:    o.result.ExitCode.String(),
		RunID:         o.result.RunID,
		Hostname:      hostname,
		Version:       o.deps.Version,
		DryRun:        o.result.DryRun,
		Selection:     o.result.Targets,
		Date:          o.result.StartTime,
		Duration:      o.result.Duration(),
		BackedUp:      o.result.BackedUp(),
		Pruned:        o.result.Pruned(),
		BytesWritten:  o.result.BytesWritten(),
		Synced:        o.result.Synced,
		Verified:      o.result.Verified,
		RemoteMissing: o.result.RemoteMissing,
		LeftStopped:   o.result.LeftStopped,
		FailedPhase:   o.result.Phase,
		Error:         o.result.Error,
		ErrorCount:    o.logger.ErrorCount(),
		WarningCount:  o.logger.WarningCount(),
		LogFile:       o.logger.GetLogFilePath(),
		Report:        report,
	}
	for _, out := range o.result.Outcomes {
		data.Outcomes = append(data.Outcomes, notify.Outcome{Name: out.Name, Role: out.Role, Action: out.Action()})
	}
	o.deps.Notifier.Notify(ctx, data)
}
