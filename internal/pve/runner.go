package pve

import (
	"context"
	"os/exec"

	"github.com/kballard/go-shellquote"

	"github.com/tis24dev/proxsync/internal/logging"
)

// CommandRunner executes system commands and returns their combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands through os/exec, logging each invocation at DEBUG.
type OSRunner struct {
	Logger *logging.Logger
}

// Run executes name with args.
func (r OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Logger != nil {
		r.Logger.Debug("exec: %s", FormatCommand(name, args...))
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FormatCommand renders a command line the way a shell user would type it.
func FormatCommand(name string, args ...string) string {
	return shellquote.Join(append([]string{name}, args...)...)
}
