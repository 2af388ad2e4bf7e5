package notify

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/types"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	return logger
}

func testData() *Data {
	return &Data{
		Status:       StatusFailure,
		ExitCode:     8,
		ExitStatus:   "verification error",
		RunID:        "5f0c6c1e-3a57-4a53-9a43-0d0a2f6f1b7e",
		Hostname:     "pve1",
		Version:      "1.2.0",
		Selection:    "100,101,pve",
		Date:         time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC),
		Duration:     14*time.Minute + 3*time.Second,
		BackedUp:     2,
		Pruned:       1,
		BytesWritten: 3 << 30,
		Synced:       true,
		FailedPhase:  "verify",
		Error:        "1 file(s) missing on remote",
		RemoteMissing: []string{
			"vzdump-lxc-101-2026_10_17-03_00_00.tar.zst",
		},
		WarningCount: 1,
		LogFile:      "/var/log/proxsync/proxsync-pve1-20261017-030000.log",
		Outcomes: []Outcome{
			{Name: "pve", Role: "host config", Action: "backed up 48.0 KiB, linked"},
			{Name: "lxc 101", Role: "dependent", Action: "stopped, backed up 3.0 GiB, started, linked, pruned 1"},
		},
		Report: []byte(`{"run_id":"5f0c6c1e-3a57-4a53-9a43-0d0a2f6f1b7e","exit_code":8}`),
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code     types.ExitCode
		warnings int64
		want     Status
	}{
		{types.ExitSuccess, 0, StatusSuccess},
		{types.ExitSuccess, 2, StatusWarning},
		{types.ExitGenericError, 0, StatusFailure},
		{types.ExitVerificationError, 0, StatusFailure},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.code, tt.warnings); got != tt.want {
			t.Errorf("StatusFor(%d, %d) = %s, want %s", tt.code, tt.warnings, got, tt.want)
		}
	}
}

type fakeNotifier struct {
	name string
	err  error
	sent int
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(context.Context, *Data) error {
	f.sent++
	return f.err
}

func TestDispatcherPolicy(t *testing.T) {
	tests := []struct {
		policy Policy
		status Status
		want   int
	}{
		{PolicyAlways, StatusSuccess, 1},
		{PolicyAlways, StatusFailure, 1},
		{PolicyFailure, StatusSuccess, 0},
		{PolicyFailure, StatusWarning, 1},
		{PolicyFailure, StatusFailure, 1},
		{PolicyNever, StatusFailure, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy)+"/"+tt.status.String(), func(t *testing.T) {
			n := &fakeNotifier{name: "fake"}
			d := NewDispatcher(tt.policy, newTestLogger(), n)
			data := testData()
			data.Status = tt.status

			d.Notify(context.Background(), data)
			if n.sent != tt.want {
				t.Fatalf("sent = %d, want %d", n.sent, tt.want)
			}
		})
	}
}

func TestDispatcherContinuesAfterFailure(t *testing.T) {
	failing := &fakeNotifier{name: "Webhook", err: errors.New("HTTP 502")}
	ok := &fakeNotifier{name: "Gotify"}
	d := NewDispatcher(PolicyAlways, newTestLogger(), failing, ok)

	results := d.Notify(context.Background(), testData())
	if len(results) != 2 || results[0].Err == nil || results[1].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if ok.sent != 1 {
		t.Fatal("second notifier not called")
	}
}

func TestDispatcherDisabled(t *testing.T) {
	var nilDispatcher *Dispatcher
	if nilDispatcher.Enabled() {
		t.Fatal("nil dispatcher enabled")
	}
	if NewDispatcher(PolicyAlways, newTestLogger()).Enabled() {
		t.Fatal("dispatcher without notifiers enabled")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		500 * time.Millisecond:                    "< 1s",
		42 * time.Second:                          "42s",
		14*time.Minute + 3*time.Second:            "14m 3s",
		2*time.Hour + 15*time.Minute + 30*time.Second: "2h 15m 30s",
	}
	for d, want := range tests {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestBuildPlainText(t *testing.T) {
	body := BuildPlainText(testData())
	for _, want := range []string{
		"Status: FAILURE (exit 8, verification error)",
		"Failed in verify: 1 file(s) missing on remote",
		"Backed up: 2 guest(s), 3.0 GiB written",
		"Missing on remote: vzdump-lxc-101-2026_10_17-03_00_00.tar.zst",
		"lxc 101        stopped, backed up 3.0 GiB, started, linked, pruned 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if title := BuildTitle(testData()); title != "❌ proxsync on pve1 - 2026-10-17 03:00" {
		t.Errorf("title = %q", title)
	}
}
