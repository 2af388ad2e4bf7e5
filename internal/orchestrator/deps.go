package orchestrator

import (
	"context"
	"os/exec"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/tis24dev/proxsync/internal/backup"
	"github.com/tis24dev/proxsync/internal/checks"
	"github.com/tis24dev/proxsync/internal/config"
	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/metrics"
	"github.com/tis24dev/proxsync/internal/notify"
	"github.com/tis24dev/proxsync/internal/storage"
	"github.com/tis24dev/proxsync/internal/types"
)

// Lifecycle is the guest lifecycle controller.
type Lifecycle interface {
	Start(ctx context.Context, g types.Guest) error
	StopIfRunning(ctx context.Context, g types.Guest) (bool, error)
	EnsureRunning(ctx context.Context, g types.Guest) (bool, error)
}

// KindDetector resolves container vs VM for a guest id.
type KindDetector interface {
	DetectKind(id int) (types.GuestKind, error)
}

// Backups produces artifacts.
type Backups interface {
	BackupGuest(ctx context.Context, g types.Guest, dumpDir string) (*backup.Artifact, error)
	BackupHostConfig(ctx context.Context, destDir string) (*backup.Artifact, error)
}

// Remote mirrors the staging directory.
type Remote interface {
	Remote() string
	Cleanup(ctx context.Context) error
	Sync(ctx context.Context, stagingDir string) error
	Verify(ctx context.Context, expected []string) error
}

// MountChecker reports whether the canonical directory is reachable.
type MountChecker interface {
	Ready() error
}

// Preflight validates the host before a run and owns the run lock.
type Preflight interface {
	RunAllChecks(ctx context.Context) ([]checks.CheckResult, error)
	ReleaseLock() error
}

// Deps groups the orchestrator collaborators. Checks, Metrics, Notifier,
// Clock, LookPath and Now are optional.
type Deps struct {
	Config  *config.Config
	Logger  *logging.Logger
	DryRun  bool
	Version string

	Guests   Lifecycle
	Kinds    KindDetector
	Backups  Backups
	Local    *storage.Local
	Staging  *storage.Staging
	Remote   Remote
	Mount    MountChecker
	Checks   Preflight
	Metrics  *metrics.PrometheusExporter
	Notifier *notify.Dispatcher

	Clock    retry.Clock
	LookPath func(string) (string, error)
	Now      func() time.Time
}

func (d *Deps) setDefaults() {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.LookPath == nil {
		d.LookPath = exec.LookPath
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}
