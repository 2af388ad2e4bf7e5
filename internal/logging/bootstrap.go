package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tis24dev/proxsync/internal/types"
)

type bootstrapEntry struct {
	level   types.LogLevel
	message string
}

// BootstrapLogger collects messages emitted before the configuration (and
// therefore the session log file) is available, and replays them into the
// main logger once it exists.
type BootstrapLogger struct {
	mu      sync.Mutex
	entries []bootstrapEntry
	flushed bool
	stdout  io.Writer
	stderr  io.Writer
}

// NewBootstrapLogger creates a bootstrap logger printing to stdout/stderr.
func NewBootstrapLogger() *BootstrapLogger {
	return &BootstrapLogger{stdout: os.Stdout, stderr: os.Stderr}
}

// Debug records a message without printing it.
func (b *BootstrapLogger) Debug(format string, args ...interface{}) {
	b.record(types.LogLevelDebug, fmt.Sprintf(format, args...))
}

// Info prints and records an informational message.
func (b *BootstrapLogger) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(b.stdout, msg)
	b.record(types.LogLevelInfo, msg)
}

// Warning prints a warning on stderr and records it.
func (b *BootstrapLogger) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(b.stderr, msg)
	b.record(types.LogLevelWarning, msg)
}

// Error prints an error on stderr and records it.
func (b *BootstrapLogger) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(b.stderr, msg)
	b.record(types.LogLevelError, msg)
}

func (b *BootstrapLogger) record(level types.LogLevel, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return
	}
	b.entries = append(b.entries, bootstrapEntry{level: level, message: message})
}

// Flush replays the recorded entries into logger (only the first time).
// Entries were already shown on the console, so they only go to the log file.
func (b *BootstrapLogger) Flush(logger *Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed || logger == nil {
		return
	}
	level := logger.GetLevel()
	for _, entry := range b.entries {
		if entry.level > level {
			continue
		}
		logger.AppendRaw(fmt.Sprintf("%-8s %s", entry.level.String(), entry.message))
	}
	b.flushed = true
	b.entries = nil
}
