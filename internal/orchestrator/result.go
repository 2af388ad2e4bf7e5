package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/types"
	"github.com/tis24dev/proxsync/pkg/utils"
)

// ReportFileName is written into LOG_PATH after every run.
const ReportFileName = "proxsync-last-run.json"

// TargetOutcome records what happened to one target during a run.
type TargetOutcome struct {
	Name    string
	Prefix  string
	Role    string
	Kind    string
	Archive string // new archive written this run
	Size    int64
	Linked  string // archive placed into staging
	Pruned  int
	Orphans int
	Stopped bool
	Started bool
}

// Action summarises the outcome for the summary table.
func (t *TargetOutcome) Action() string {
	var parts []string
	if t.Stopped {
		parts = append(parts, "stopped")
	}
	if t.Archive != "" {
		parts = append(parts, "backed up "+utils.FormatBytes(t.Size))
	}
	if t.Started {
		parts = append(parts, "started")
	}
	if t.Linked != "" {
		parts = append(parts, "linked")
	}
	if t.Pruned > 0 {
		parts = append(parts, fmt.Sprintf("pruned %d", t.Pruned))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

// RunResult is the outcome of Orchestrator.Run.
type RunResult struct {
	RunID     string
	DryRun    bool
	Targets   string
	StartTime time.Time
	EndTime   time.Time
	ExitCode  types.ExitCode
	Error     string
	Phase     string // phase that failed, empty on success

	Outcomes      []*TargetOutcome
	Staged        []string
	RemoteMissing []string
	LeftStopped   []string
	Synced        bool
	Verified      bool

	byPrefix map[string]*TargetOutcome
}

func newRunResult(runID string, dryRun bool, targets string, start time.Time) *RunResult {
	return &RunResult{
		RunID:     runID,
		DryRun:    dryRun,
		Targets:   targets,
		StartTime: start,
		byPrefix:  make(map[string]*TargetOutcome),
	}
}

// outcome returns the entry for prefix, creating it on first use.
func (r *RunResult) outcome(prefix, name string, role, kind string) *TargetOutcome {
	if o, ok := r.byPrefix[prefix]; ok {
		return o
	}
	o := &TargetOutcome{Name: name, Prefix: prefix, Role: role, Kind: kind}
	r.byPrefix[prefix] = o
	r.Outcomes = append(r.Outcomes, o)
	return o
}

func (r *RunResult) guestOutcome(g types.Guest) *TargetOutcome {
	return r.outcome(g.Prefix(), g.String(), g.Role.String(), g.Kind.String())
}

func (r *RunResult) hostOutcome() *TargetOutcome {
	return r.outcome(types.HostConfigPrefix, "pve", "host config", "host")
}

// BackedUp counts guests (not the host bundle) with a new archive.
func (r *RunResult) BackedUp() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Archive != "" && o.Prefix != types.HostConfigPrefix {
			n++
		}
	}
	return n
}

// Pruned counts the archives deleted by retention.
func (r *RunResult) Pruned() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.Pruned
	}
	return n
}

// BytesWritten sums the size of the new archives.
func (r *RunResult) BytesWritten() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.Size
	}
	return n
}

// Duration returns the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// JSON renders the run report.
func (r *RunResult) JSON() ([]byte, error) {
	doc := []byte(`{}`)
	set := func(path string, value interface{}) error {
		var err error
		doc, err = sjson.SetBytes(doc, path, value)
		return err
	}

	fields := []struct {
		path  string
		value interface{}
	}{
		{"run_id", r.RunID},
		{"dry_run", r.DryRun},
		{"targets", r.Targets},
		{"start_time", r.StartTime.Format(time.RFC3339)},
		{"end_time", r.EndTime.Format(time.RFC3339)},
		{"duration_seconds", r.Duration().Seconds()},
		{"exit_code", r.ExitCode.Int()},
		{"exit_status", r.ExitCode.String()},
		{"synced", r.Synced},
		{"verified", r.Verified},
		{"staged", nonNil(r.Staged)},
		{"remote_missing", nonNil(r.RemoteMissing)},
		{"left_stopped", nonNil(r.LeftStopped)},
	}
	for _, f := range fields {
		if err := set(f.path, f.value); err != nil {
			return nil, fmt.Errorf("render %s: %w", f.path, err)
		}
	}
	if r.Error != "" {
		if err := set("error.phase", r.Phase); err != nil {
			return nil, err
		}
		if err := set("error.message", r.Error); err != nil {
			return nil, err
		}
	}

	if err := set("outcomes", []interface{}{}); err != nil {
		return nil, err
	}
	for _, o := range r.Outcomes {
		entry := []byte(`{}`)
		for _, f := range []struct {
			key   string
			value interface{}
		}{
			{"name", o.Name},
			{"prefix", o.Prefix},
			{"role", o.Role},
			{"kind", o.Kind},
			{"archive", o.Archive},
			{"size_bytes", o.Size},
			{"linked", o.Linked},
			{"pruned", o.Pruned},
			{"orphan_logs", o.Orphans},
			{"stopped", o.Stopped},
			{"started", o.Started},
		} {
			var err error
			if entry, err = sjson.SetBytes(entry, f.key, f.value); err != nil {
				return nil, fmt.Errorf("render outcome %s: %w", f.key, err)
			}
		}
		var err error
		if doc, err = sjson.SetRawBytes(doc, "outcomes.-1", entry); err != nil {
			return nil, fmt.Errorf("render outcome %s: %w", o.Name, err)
		}
	}
	return doc, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// WriteReport stores the JSON report in dir/ReportFileName.
func (r *RunResult) WriteReport(dir string) (string, error) {
	data, err := r.JSON()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	path := filepath.Join(dir, ReportFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o640); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// LogSummary prints one line per target.
func (r *RunResult) LogSummary(logger *logging.Logger) {
	title := cases.Title(language.English)
	logger.Phase("Run summary (%s)", r.RunID)
	logger.Info("%-14s %-13s %-6s %s", "TARGET", "ROLE", "KIND", "ACTION")
	for _, o := range r.Outcomes {
		logger.Info("%-14s %-13s %-6s %s", o.Name, title.String(o.Role), o.Kind, o.Action())
	}
	if len(r.Staged) > 0 {
		logger.Info("Staged for sync: %d file(s)", len(r.Staged))
	}
	if len(r.LeftStopped) > 0 {
		logger.Warning("Guests possibly left stopped: %s", strings.Join(r.LeftStopped, ", "))
	}
	logger.Info("Finished in %s with exit code %d (%s)", r.Duration().Round(time.Second), r.ExitCode.Int(), r.ExitCode)
}
