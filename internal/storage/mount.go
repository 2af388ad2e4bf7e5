package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/moby/sys/mountinfo"

	"github.com/tis24dev/proxsync/internal/safefs"
)

// MountProbe checks that the storage host's share is back: the mount point
// is mounted and the canonical directory can be listed within Timeout.
type MountProbe struct {
	MountPoint string
	Dir        string
	Timeout    time.Duration

	mounted func(string) (bool, error)
	readDir func(string) ([]os.DirEntry, error)
}

// NewMountProbe creates a probe for mountPoint and the directory below it.
// A hung listing counts as not ready after timeout.
func NewMountProbe(mountPoint, dir string, timeout time.Duration) *MountProbe {
	p := &MountProbe{
		MountPoint: mountPoint,
		Dir:        dir,
		Timeout:    timeout,
		mounted:    mountinfo.Mounted,
	}
	p.readDir = func(path string) ([]os.DirEntry, error) {
		return safefs.ReadDir(context.Background(), path, p.Timeout)
	}
	return p
}

// Ready returns nil when both checks pass.
func (p *MountProbe) Ready() error {
	ok, err := p.mounted(p.MountPoint)
	if err != nil {
		return fmt.Errorf("check mount %s: %w", p.MountPoint, err)
	}
	if !ok {
		return fmt.Errorf("%s is not mounted", p.MountPoint)
	}
	if _, err := p.readDir(p.Dir); err != nil {
		return fmt.Errorf("list %s: %w", p.Dir, err)
	}
	return nil
}
