package metrics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tis24dev/proxsync/internal/logging"
)

const textfileName = "proxsync.prom"

// RunMetrics represents the subset of run statistics exported as Prometheus metrics.
type RunMetrics struct {
	Hostname string
	Version  string
	DryRun   bool

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	ExitCode        int
	ErrorCount      int
	WarningCount    int
	GuestsBackedUp  int
	ArtifactsPruned int
	RemoteMissing   int
	BytesWritten    int64
}

// PrometheusExporter writes run metrics in Prometheus textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Path returns the textfile written by Export.
func (pe *PrometheusExporter) Path() string {
	return filepath.Join(pe.textfileDir, textfileName)
}

// Export writes the given metrics snapshot to proxsync.prom in textfileDir.
// The last-success timestamp survives failed runs: it is carried over from
// the previous file unless this run exited 0.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}

	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}

	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	finalPath := pe.Path()
	tmpPath := finalPath + ".tmp"

	lastSuccess := previousLastSuccess(finalPath)
	if m.ExitCode == 0 && !m.DryRun {
		end := m.EndTime
		if end.IsZero() {
			end = m.StartTime.Add(m.Duration)
		}
		lastSuccess = float64(end.Unix())
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file %s: %w", tmpPath, err)
	}
	defer f.Close()

	writeMetric := func(name, help, value string) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s gauge\n", name)
		fmt.Fprintf(f, "%s %s\n", name, value)
	}

	dryRun := 0
	if m.DryRun {
		dryRun = 1
	}

	writeMetric("proxsync_start_time_seconds", "Unix timestamp of run start", fmt.Sprintf("%.0f", float64(m.StartTime.Unix())))
	writeMetric("proxsync_run_duration_seconds", "Duration of last run in seconds", fmt.Sprintf("%.2f", m.Duration.Seconds()))
	writeMetric("proxsync_exit_code", "Exit code of last run", strconv.Itoa(m.ExitCode))
	writeMetric("proxsync_dry_run", "1 when the last run was a dry-run", strconv.Itoa(dryRun))
	writeMetric("proxsync_errors_total", "Errors logged during last run", strconv.Itoa(m.ErrorCount))
	writeMetric("proxsync_warnings_total", "Warnings logged during last run", strconv.Itoa(m.WarningCount))
	writeMetric("proxsync_guests_backed_up", "Guests backed up during last run", strconv.Itoa(m.GuestsBackedUp))
	writeMetric("proxsync_artifacts_pruned", "Artifacts deleted by retention during last run", strconv.Itoa(m.ArtifactsPruned))
	writeMetric("proxsync_remote_missing_files", "Staged files missing on the remote after last sync", strconv.Itoa(m.RemoteMissing))
	writeMetric("proxsync_bytes_written", "Bytes of new archives written during last run", strconv.FormatInt(m.BytesWritten, 10))
	writeMetric("proxsync_last_success_timestamp", "Unix timestamp of the last successful run", fmt.Sprintf("%.0f", lastSuccess))

	fmt.Fprintf(f, "# HELP proxsync_info Static information about this proxsync instance\n")
	fmt.Fprintf(f, "# TYPE proxsync_info gauge\n")
	fmt.Fprintf(f, "proxsync_info{hostname=%q,version=%q} 1\n", m.Hostname, m.Version)

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync metrics file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename metrics file to %s: %w", finalPath, err)
	}

	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}

	return nil
}

func previousLastSuccess(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || fields[0] != "proxsync_last_success_timestamp" {
			continue
		}
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			return v
		}
	}
	return 0
}
