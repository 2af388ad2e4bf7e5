package checks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/proxsync/internal/config"
	"github.com/tis24dev/proxsync/internal/environment"
	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/safefs"
)

var (
	osStat     = os.Stat
	osRemove   = os.Remove
	osOpenFile = os.OpenFile
	osMkdirAll = os.MkdirAll
	syncFile   = func(f *os.File) error { return f.Sync() }
	freeSpace  = safefs.FreeSpace

	// processAlive reports whether pid still exists. EPERM means it exists
	// but belongs to someone else.
	processAlive = func(pid int) bool {
		err := syscall.Kill(pid, 0)
		return err == nil || errors.Is(err, syscall.EPERM)
	}
)

// Checker performs the pre-run validation checks and owns the run lock.
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
	detect func(context.Context) *environment.Info
	held   bool
}

// CheckerConfig holds configuration for the pre-run checks
type CheckerConfig struct {
	// RequirePVE fails the run when the host is not a Proxmox VE node.
	RequirePVE bool
	LogPath    string
	StagingDir string
	WorkDir    string
	// ScratchDir receives the storage host dump; empty skips its checks.
	ScratchDir       string
	MinScratchFreeGB float64
	LockFilePath     string
	MaxLockAge       time.Duration
	FSTimeout        time.Duration
	DryRun           bool
}

// NewCheckerConfig derives the checker settings from the run configuration.
func NewCheckerConfig(cfg *config.Config, dryRun bool) *CheckerConfig {
	cc := &CheckerConfig{
		RequirePVE:       true,
		LogPath:          cfg.LogPath,
		StagingDir:       cfg.StagingDir,
		WorkDir:          cfg.WorkDir,
		MinScratchFreeGB: cfg.MinScratchFreeGB,
		LockFilePath:     cfg.LockFile,
		MaxLockAge:       cfg.MaxLockAge,
		FSTimeout:        cfg.FSTimeout,
		DryRun:           dryRun,
	}
	if cfg.StorageHostID > 0 {
		cc.ScratchDir = cfg.ScratchDir
	}
	return cc
}

// Validate checks if the checker configuration is valid
func (c *CheckerConfig) Validate() error {
	if c.LogPath == "" {
		return fmt.Errorf("log path cannot be empty")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging directory cannot be empty")
	}
	if c.LockFilePath == "" {
		return fmt.Errorf("lock file path cannot be empty")
	}
	if c.MinScratchFreeGB < 0 {
		return fmt.Errorf("scratch minimum free space cannot be negative")
	}
	if c.MaxLockAge <= 0 {
		return fmt.Errorf("max lock age must be positive")
	}
	return nil
}

// CheckResult holds the result of a validation check
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
}

// NewChecker creates a new pre-run checker
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{
		logger: logger,
		config: config,
		detect: environment.NewDetector().Detect,
	}
}

// RunAllChecks runs the checks in order and stops at the first failure.
// The lock is taken last so a failed check never leaves one behind.
func (c *Checker) RunAllChecks(ctx context.Context) ([]CheckResult, error) {
	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checker configuration: %w", err)
	}
	c.logger.Debug("Running pre-run validation checks")

	steps := []func(context.Context) CheckResult{
		c.CheckHost,
		c.CheckDirectories,
		c.CheckDiskSpace,
		func(context.Context) CheckResult { return c.CheckLockFile() },
	}

	var results []CheckResult
	for _, step := range steps {
		result := step(ctx)
		results = append(results, result)
		if !result.Passed {
			return results, fmt.Errorf("%s check failed: %s", strings.ToLower(result.Name), result.Message)
		}
	}

	c.logger.Debug("All pre-run checks passed")
	return results, nil
}

// CheckHost verifies proxsync runs on a Proxmox VE node and not inside a
// container. Dry-runs only warn.
func (c *Checker) CheckHost(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Host"}
	if !c.config.RequirePVE {
		result.Passed = true
		result.Message = "Host check disabled"
		return result
	}

	info := c.detect(ctx)
	var problem string
	switch {
	case !info.PVE:
		problem = "this host is not a Proxmox VE node"
	case info.Container != "":
		problem = fmt.Sprintf("running inside a %s container; guests can only be managed from the node", info.Container)
	}

	if problem == "" {
		result.Passed = true
		result.Message = info.String()
		c.logger.Info("Host: %s", result.Message)
		return result
	}
	if c.config.DryRun {
		c.logger.Warning("%s (ignored in dry-run)", problem)
		result.Passed = true
		result.Message = problem
		return result
	}
	result.Error = errors.New(problem)
	result.Message = problem
	c.logger.Error("%s", problem)
	return result
}

// CheckDirectories creates the local working directories when missing.
func (c *Checker) CheckDirectories(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Directories"}

	seen := make(map[string]bool)
	var dirs []string
	addDir := func(path string) {
		if path == "" {
			return
		}
		cleaned := filepath.Clean(path)
		if cleaned == "." || cleaned == "/" || seen[cleaned] {
			return
		}
		seen[cleaned] = true
		dirs = append(dirs, cleaned)
	}

	addDir(c.config.LogPath)
	addDir(c.config.StagingDir)
	addDir(c.config.WorkDir)
	addDir(c.config.ScratchDir)
	addDir(filepath.Dir(c.config.LockFilePath))

	for _, dir := range dirs {
		info, err := safefs.Stat(ctx, dir, c.config.FSTimeout)
		if err == nil {
			if !info.IsDir() {
				result.Error = fmt.Errorf("required path is not a directory: %s", dir)
				result.Message = result.Error.Error()
				c.logger.Error("%s", result.Message)
				return result
			}
			continue
		}

		if !errors.Is(err, os.ErrNotExist) {
			result.Error = fmt.Errorf("failed to stat directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}

		if c.config.DryRun {
			c.logger.DryRun("Would create directory: %s", dir)
			continue
		}

		if err := osMkdirAll(dir, 0o755); err != nil {
			result.Error = fmt.Errorf("failed to create directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}
		c.logger.Info("Created missing directory: %s", dir)
	}

	result.Passed = true
	result.Message = "All required directories exist"
	return result
}

// CheckDiskSpace verifies the scratch directory can hold the storage host dump.
func (c *Checker) CheckDiskSpace(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Disk Space"}

	if c.config.ScratchDir == "" || c.config.MinScratchFreeGB <= 0 {
		result.Passed = true
		result.Message = "Scratch space check disabled"
		return result
	}

	// In dry-run the scratch directory may not exist yet.
	path := existingAncestor(c.config.ScratchDir)
	free, err := freeSpace(ctx, path, c.config.FSTimeout)
	if err != nil {
		result.Error = fmt.Errorf("failed to read free space on %s: %w", path, err)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	required := uint64(c.config.MinScratchFreeGB * (1 << 30))
	if free < required {
		result.Error = fmt.Errorf("insufficient space in %s: %s free, %s required",
			c.config.ScratchDir, humanize.IBytes(free), humanize.IBytes(required))
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("%s free in %s", humanize.IBytes(free), c.config.ScratchDir)
	c.logger.Debug("%s", result.Message)
	return result
}

func existingAncestor(path string) string {
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, err := osStat(p); err == nil || p == filepath.Dir(p) {
			return p
		}
	}
}

// CheckLockFile takes the run lock. An existing lock is stale when its
// owner process is gone or it is older than MaxLockAge.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{Name: "Lock File"}
	lockPath := c.config.LockFilePath

	if info, err := osStat(lockPath); err == nil {
		age := time.Since(info.ModTime())
		pid, _ := readLockPID(lockPath)
		switch {
		case pid > 0 && !processAlive(pid):
			c.logger.Warning("Removing stale lock file %s (pid %d is gone)", lockPath, pid)
		case age > c.config.MaxLockAge:
			c.logger.Warning("Removing stale lock file %s (age: %v)", lockPath, age.Round(time.Second))
		default:
			result.Message = fmt.Sprintf("Another run is in progress (pid %d, lock age: %v)", pid, age.Round(time.Second))
			c.logger.Error("%s", result.Message)
			return result
		}
		if c.config.DryRun {
			c.logger.DryRun("Would remove stale lock file: %s", lockPath)
		} else if err := osRemove(lockPath); err != nil && !os.IsNotExist(err) {
			result.Error = fmt.Errorf("failed to remove stale lock: %w", err)
			result.Message = result.Error.Error()
			return result
		}
	}

	if c.config.DryRun {
		c.logger.DryRun("Would create lock file: %s", lockPath)
		result.Passed = true
		result.Message = "Lock file not taken in dry-run"
		return result
	}

	f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			result.Message = "Another run acquired the lock"
			c.logger.Error("%s", result.Message)
			return result
		}
		result.Error = fmt.Errorf("failed to create lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	defer f.Close()
	c.held = true

	hostname, _ := os.Hostname()
	content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", os.Getpid(), hostname, time.Now().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		result.Error = fmt.Errorf("failed to write lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	if err := syncFile(f); err != nil {
		c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
	}

	result.Passed = true
	result.Message = "Lock file acquired successfully"
	c.logger.Debug("%s", result.Message)
	return result
}

func readLockPID(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if value, ok := strings.CutPrefix(scanner.Text(), "pid="); ok {
			return strconv.Atoi(strings.TrimSpace(value))
		}
	}
	return 0, scanner.Err()
}

// ReleaseLock removes the lock file if this checker created it.
func (c *Checker) ReleaseLock() error {
	if !c.held {
		return nil
	}
	if err := osRemove(c.config.LockFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	c.held = false
	c.logger.Debug("Lock file released: %s", c.config.LockFilePath)
	return nil
}
