// Package notify reports the outcome of a run to webhook and Gotify endpoints.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/types"
)

// Status represents the overall status of a run
type Status int

const (
	StatusSuccess Status = iota
	StatusWarning
	StatusFailure
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// StatusFor maps an exit code and the warning count to a status.
func StatusFor(exitCode types.ExitCode, warnings int64) Status {
	switch {
	case exitCode != types.ExitSuccess:
		return StatusFailure
	case warnings > 0:
		return StatusWarning
	default:
		return StatusSuccess
	}
}

// Emoji returns the marker used in titles.
func (s Status) Emoji() string {
	switch s {
	case StatusSuccess:
		return "✅"
	case StatusWarning:
		return "⚠️"
	case StatusFailure:
		return "❌"
	default:
		return "❓"
	}
}

// Outcome is one line of the per-target summary.
type Outcome struct {
	Name   string
	Role   string
	Action string
}

// Data contains everything a notification may show.
type Data struct {
	Status     Status
	ExitCode   int
	ExitStatus string
	RunID      string
	Hostname   string
	Version    string
	DryRun     bool
	Selection  string // targets as given on the command line
	Date       time.Time
	Duration   time.Duration

	BackedUp      int
	Pruned        int
	BytesWritten  int64
	Synced        bool
	Verified      bool
	RemoteMissing []string
	LeftStopped   []string
	FailedPhase   string
	Error         string

	ErrorCount   int64
	WarningCount int64
	LogFile      string

	Outcomes []Outcome
	Report   []byte // JSON run report
}

// Notifier delivers one notification.
type Notifier interface {
	Name() string
	Send(ctx context.Context, data *Data) error
}

// Policy selects which runs are reported.
type Policy string

const (
	PolicyAlways  Policy = "always"
	PolicyFailure Policy = "failure" // anything but a clean success
	PolicyNever   Policy = "never"
)

// Result records one delivery attempt.
type Result struct {
	Notifier string
	Err      error
	Duration time.Duration
}

// Dispatcher sends a notification to every configured notifier. Delivery
// failures are logged and never change the run outcome.
type Dispatcher struct {
	policy    Policy
	logger    *logging.Logger
	notifiers []Notifier
}

// NewDispatcher creates a dispatcher for the given notifiers.
func NewDispatcher(policy Policy, logger *logging.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{policy: policy, logger: logger, notifiers: notifiers}
}

// Enabled reports whether any notification can be sent.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.policy != PolicyNever && len(d.notifiers) > 0
}

// Notify delivers data according to the policy.
func (d *Dispatcher) Notify(ctx context.Context, data *Data) []Result {
	if !d.Enabled() {
		return nil
	}
	if d.policy == PolicyFailure && data.Status == StatusSuccess {
		d.logger.Debug("Run succeeded; notifications only sent on failure")
		return nil
	}

	results := make([]Result, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		start := time.Now()
		err := n.Send(ctx, data)
		results = append(results, Result{Notifier: n.Name(), Err: err, Duration: time.Since(start)})
		if err != nil {
			d.logger.Warning("%s notification failed: %v", n.Name(), err)
			continue
		}
		d.logger.Info("%s notification sent", n.Name())
	}
	return results
}

// FormatDuration formats a duration as e.g. "2h 15m 30s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
