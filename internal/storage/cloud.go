package storage

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/pve"
)

// CloudOptions configures the rclone mirror.
type CloudOptions struct {
	Remote          string   // rclone destination, e.g. "b2:pve-backups/node1"
	BandwidthLimit  string   // --bwlimit value, empty disables the cap
	HardDeleteFlags []string // backend flags that skip the remote trash
	ExtraFlags      []string // RCLONE_FLAGS
	DryRun          bool
}

// Cloud mirrors the staging directory to the remote with rclone.
type Cloud struct {
	opts        CloudOptions
	logger      *logging.Logger
	execCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewCloud creates a Cloud.
func NewCloud(opts CloudOptions, logger *logging.Logger) *Cloud {
	return &Cloud{
		opts:        opts,
		logger:      logger,
		execCommand: defaultExecCommand,
	}
}

// Remote returns the configured destination.
func (c *Cloud) Remote() string {
	return c.opts.Remote
}

func (c *Cloud) buildRcloneArgs(subcommand string) []string {
	args := []string{subcommand}
	return append(args, c.opts.ExtraFlags...)
}

func (c *Cloud) run(ctx context.Context, args []string) ([]byte, error) {
	c.logger.Debug("Running: %s", pve.FormatCommand("rclone", args...))
	return c.execCommand(ctx, "rclone", args...)
}

// Cleanup empties the remote trash. Skipped in dry-run.
func (c *Cloud) Cleanup(ctx context.Context) error {
	if c.opts.DryRun {
		c.logger.DryRun("Would run rclone cleanup on %s", c.opts.Remote)
		return nil
	}
	args := append(c.buildRcloneArgs("cleanup"), c.opts.Remote)
	if out, err := c.run(ctx, args); err != nil {
		return &StorageError{
			Location:  LocationRemote,
			Operation: "cleanup",
			Path:      c.opts.Remote,
			Err:       fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
		}
	}
	return nil
}

// SyncArgs builds the mirror command line for stagingDir.
func (c *Cloud) SyncArgs(stagingDir string) []string {
	args := c.buildRcloneArgs("sync")
	args = append(args, stagingDir, c.opts.Remote,
		"--copy-links",    // upload what the staged symlinks point to
		"--size-only",     // symlinks carry no reliable mtime
		"--delete-during", // free remote space before new uploads
	)
	args = append(args, c.opts.HardDeleteFlags...)
	if c.opts.BandwidthLimit != "" {
		args = append(args, "--bwlimit", c.opts.BandwidthLimit)
	}
	if c.opts.DryRun {
		args = append(args, "--dry-run")
	}
	return args
}

// Sync mirrors stagingDir to the remote. In dry-run rclone only simulates.
func (c *Cloud) Sync(ctx context.Context, stagingDir string) error {
	c.logger.Step("Syncing %s to %s", stagingDir, c.opts.Remote)
	out, err := c.run(ctx, c.SyncArgs(stagingDir))
	if err != nil {
		return &StorageError{
			Location:  LocationRemote,
			Operation: "sync",
			Path:      c.opts.Remote,
			Err:       fmt.Errorf("%w: %s", err, tail(string(out), 5)),
			Critical:  true,
		}
	}
	if c.opts.DryRun {
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				c.logger.DryRun("rclone: %s", line)
			}
		}
	}
	return nil
}

// ListRemote returns the file names at the remote destination.
func (c *Cloud) ListRemote(ctx context.Context) (map[string]struct{}, error) {
	args := append(c.buildRcloneArgs("lsf"), c.opts.Remote, "--files-only")
	out, err := c.run(ctx, args)
	if err != nil {
		return nil, &StorageError{
			Location:  LocationRemote,
			Operation: "list",
			Path:      c.opts.Remote,
			Err:       fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
			Critical:  true,
		}
	}
	names := map[string]struct{}{}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names[line] = struct{}{}
		}
	}
	return names, nil
}

// VerificationError lists staged files that are absent on the remote.
type VerificationError struct {
	Remote  string
	Missing []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%d file(s) missing on %s: %s", len(e.Missing), e.Remote, strings.Join(e.Missing, ", "))
}

// Verify compares expected basenames with the remote listing. A non-nil
// *VerificationError carries the missing names.
func (c *Cloud) Verify(ctx context.Context, expected []string) error {
	if c.opts.DryRun {
		c.logger.DryRun("Skipping remote verification, nothing was transferred")
		return nil
	}

	remote, err := c.ListRemote(ctx)
	if err != nil {
		return err
	}

	var missing []string
	for _, name := range expected {
		if _, ok := remote[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		c.logger.Info("Remote verification passed: %d/%d files present on %s", len(expected), len(expected), c.opts.Remote)
		return nil
	}

	sort.Strings(missing)
	for _, name := range missing {
		c.logger.Error("Missing on remote: %s", name)
	}
	return &VerificationError{Remote: c.opts.Remote, Missing: missing}
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

func defaultExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}
