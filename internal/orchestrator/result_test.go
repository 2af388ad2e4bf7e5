package orchestrator

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/types"
)

func sampleResult() *RunResult {
	start := time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC)
	r := newRunResult("run-1", false, "pve,101", start)
	host := r.hostOutcome()
	host.Archive, host.Size, host.Linked = "pve-host-2026_10_17-03_00_00.tar.zst", 2048, "pve-host-2026_10_17-03_00_00.tar.zst"

	g := r.guestOutcome(types.Guest{ID: 101, Kind: types.GuestContainer, Role: types.RoleDependent})
	g.Stopped, g.Started = true, true
	g.Archive, g.Size, g.Linked, g.Pruned = "vzdump-lxc-101-2026_10_17-03_00_00.tar.zst", 5<<20, "vzdump-lxc-101-2026_10_17-03_00_00.tar.zst", 2

	r.EndTime = start.Add(90 * time.Second)
	r.Staged = []string{"a", "b"}
	return r
}

func TestRunResultCounters(t *testing.T) {
	r := sampleResult()
	if r.BackedUp() != 1 {
		t.Errorf("BackedUp = %d", r.BackedUp())
	}
	if r.Pruned() != 2 {
		t.Errorf("Pruned = %d", r.Pruned())
	}
	if r.BytesWritten() != 2048+5<<20 {
		t.Errorf("BytesWritten = %d", r.BytesWritten())
	}
	if r.Duration() != 90*time.Second {
		t.Errorf("Duration = %s", r.Duration())
	}
	if got := r.guestOutcome(types.Guest{ID: 101, Kind: types.GuestContainer}); got != r.Outcomes[1] {
		t.Error("outcome not reused for the same prefix")
	}
}

func TestTargetOutcomeAction(t *testing.T) {
	tests := []struct {
		out  TargetOutcome
		want string
	}{
		{TargetOutcome{}, "-"},
		{TargetOutcome{Linked: "x"}, "linked"},
		{TargetOutcome{Stopped: true, Archive: "x", Size: 2048, Started: true, Linked: "x", Pruned: 1}, "stopped, backed up 2.0 KiB, started, linked, pruned 1"},
	}
	for _, tt := range tests {
		if got := tt.out.Action(); got != tt.want {
			t.Errorf("Action() = %q, want %q", got, tt.want)
		}
	}
}

func TestRunResultJSON(t *testing.T) {
	r := sampleResult()
	r.ExitCode = types.ExitVerificationError
	r.Error, r.Phase = "verify phase failed", "verify"
	r.RemoteMissing = []string{"b"}

	data, err := r.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if !gjson.ValidBytes(data) {
		t.Fatalf("invalid JSON: %s", data)
	}
	checks := map[string]string{
		"run_id":             "run-1",
		"targets":            "pve,101",
		"exit_code":          "8",
		"duration_seconds":   "90",
		"error.phase":        "verify",
		"remote_missing.0":   "b",
		"staged.#":           "2",
		"left_stopped.#":     "0",
		"outcomes.#":         "2",
		"outcomes.0.prefix":  "pve-host-",
		"outcomes.1.name":    "lxc 101",
		"outcomes.1.role":    "dependent",
		"outcomes.1.pruned":  "2",
		"outcomes.1.stopped": "true",
		"outcomes.1.archive": "vzdump-lxc-101-2026_10_17-03_00_00.tar.zst",
	}
	for path, want := range checks {
		if got := gjson.GetBytes(data, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestRunResultJSONWithoutError(t *testing.T) {
	data, err := sampleResult().JSON()
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(data, "error").Exists() {
		t.Errorf("error object present on success: %s", data)
	}
}

func TestWriteReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	path, err := sampleResult().WriteReport(dir)
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if path != filepath.Join(dir, ReportFileName) {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(data, "run_id").String() != "run-1" {
		t.Errorf("report content: %s", data)
	}
}

func TestLogSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	r := sampleResult()
	r.LeftStopped = []string{"lxc 101"}
	r.LogSummary(logger)

	out := buf.String()
	for _, want := range []string{"Host Config", "Dependent", "lxc 101", "pruned 2", "Guests possibly left stopped: lxc 101", "exit code 0 (success)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
