package notify

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// BuildTitle returns the one-line title shared by all notifiers.
func BuildTitle(data *Data) string {
	mode := ""
	if data.DryRun {
		mode = " (dry-run)"
	}
	return fmt.Sprintf("%s proxsync%s on %s - %s", data.Status.Emoji(), mode, data.Hostname, data.Date.Format("2006-01-02 15:04"))
}

// BuildPlainText returns a plain text body.
func BuildPlainText(data *Data) string {
	var body strings.Builder

	fmt.Fprintf(&body, "Status: %s (exit %d, %s)\n", strings.ToUpper(data.Status.String()), data.ExitCode, data.ExitStatus)
	fmt.Fprintf(&body, "Targets: %s\n", data.Selection)
	fmt.Fprintf(&body, "Duration: %s\n", FormatDuration(data.Duration))
	if data.Error != "" {
		fmt.Fprintf(&body, "Failed in %s: %s\n", data.FailedPhase, data.Error)
	}
	body.WriteString("\n")

	fmt.Fprintf(&body, "Backed up: %d guest(s), %s written\n", data.BackedUp, humanize.IBytes(uint64(data.BytesWritten)))
	fmt.Fprintf(&body, "Pruned: %d archive(s)\n", data.Pruned)
	fmt.Fprintf(&body, "Remote: synced=%s verified=%s\n", yesNo(data.Synced), yesNo(data.Verified))
	if len(data.RemoteMissing) > 0 {
		fmt.Fprintf(&body, "Missing on remote: %s\n", strings.Join(data.RemoteMissing, ", "))
	}
	if len(data.LeftStopped) > 0 {
		fmt.Fprintf(&body, "Possibly left stopped: %s\n", strings.Join(data.LeftStopped, ", "))
	}

	if len(data.Outcomes) > 0 {
		body.WriteString("\n")
		for _, o := range data.Outcomes {
			fmt.Fprintf(&body, "  %-14s %s\n", o.Name, o.Action)
		}
	}

	body.WriteString("\n")
	fmt.Fprintf(&body, "Errors: %d, Warnings: %d\n", data.ErrorCount, data.WarningCount)
	if data.LogFile != "" {
		fmt.Fprintf(&body, "Log: %s\n", data.LogFile)
	}
	fmt.Fprintf(&body, "Run %s, proxsync %s\n", data.RunID, data.Version)
	return body.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
