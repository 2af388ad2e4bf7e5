package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tis24dev/proxsync/internal/types"
)

const (
	colorReset    = "\033[0m"
	colorCyan     = "\033[36m"
	colorGreen    = "\033[32m"
	colorYellow   = "\033[33m"
	colorRed      = "\033[31m"
	colorBoldRed  = "\033[1;31m"
	colorBlue     = "\033[34m"
	colorMagenta  = "\033[35m"
	colorDarkGray = "\033[90m"
)

var levelColors = map[types.LogLevel]string{
	types.LogLevelDebug:    colorCyan,
	types.LogLevelInfo:     colorGreen,
	types.LogLevelWarning:  colorYellow,
	types.LogLevelError:    colorRed,
	types.LogLevelCritical: colorBoldRed,
}

// Logger writes leveled, timestamped lines to stdout and, optionally, to a log file.
type Logger struct {
	mu           sync.Mutex
	level        types.LogLevel
	useColor     bool
	output       io.Writer
	timeFormat   string
	now          func() time.Time
	logFile      *os.File
	warningCount int64
	errorCount   int64
}

// New creates a new logger.
func New(level types.LogLevel, useColor bool) *Logger {
	return &Logger{
		level:      level,
		useColor:   useColor,
		output:     os.Stdout,
		timeFormat: "2006-01-02 15:04:05",
		now:        time.Now,
	}
}

// StdoutIsTerminal reports whether stdout is attached to a terminal.
// It is used to pick the default for USE_COLOR.
func StdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// SetOutput sets the logger output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.output = os.Stdout
		return
	}
	l.output = w
}

// OpenLogFile opens a log file and mirrors every following line into it.
func (l *Logger) OpenLogFile(logPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.logFile.Close()
	}

	// O_SYNC: a run that dies mid-way must still leave a complete log behind.
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l.logFile = file
	return nil
}

// CloseLogFile closes the log file.
func (l *Logger) CloseLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}

	err := l.logFile.Close()
	l.logFile = nil
	return err
}

// GetLogFilePath returns the path of the currently open log file (or "" if none).
func (l *Logger) GetLogFilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return ""
	}
	return l.logFile.Name()
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() types.LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) write(level types.LogLevel, label, color, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	switch level {
	case types.LogLevelWarning:
		l.warningCount++
	case types.LogLevelError, types.LogLevelCritical:
		l.errorCount++
	}

	timestamp := l.now().Format(l.timeFormat)
	if label == "" {
		label = level.String()
	}
	message := fmt.Sprintf(format, args...)

	if l.useColor {
		if color == "" {
			color = levelColors[level]
		}
		fmt.Fprintf(l.output, "[%s] %s%-8s%s %s\n", timestamp, color, label, colorReset, message)
	} else {
		fmt.Fprintf(l.output, "[%s] %-8s %s\n", timestamp, label, message)
	}

	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "[%s] %-8s %s\n", timestamp, label, message)
	}
}

// WarningCount returns how many warnings were logged so far.
func (l *Logger) WarningCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warningCount
}

// HasWarnings returns true if at least one warning was logged.
func (l *Logger) HasWarnings() bool {
	return l.WarningCount() > 0
}

// ErrorCount returns how many error and critical messages were logged so far.
func (l *Logger) ErrorCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorCount
}

// HasErrors returns true if at least one error or critical message was logged.
func (l *Logger) HasErrors() bool {
	return l.ErrorCount() > 0
}

// Debug writes a debug log.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(types.LogLevelDebug, "", "", format, args...)
}

// Info writes an informational log
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "", "", format, args...)
}

// Phase marks the beginning of a run phase (storage host, guests, sync, ...).
func (l *Logger) Phase(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(types.LogLevelInfo, "PHASE", colorBlue, format, args...)
}

// Step writes an informational log with STEP label (to highlight sequential activities)
func (l *Logger) Step(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(types.LogLevelInfo, "STEP", colorBlue, format, args...)
}

// Skip writes an informational log with SKIP label (for disabled/ignored elements)
func (l *Logger) Skip(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(types.LogLevelInfo, "SKIP", colorMagenta, format, args...)
}

// DryRun logs an action that was not performed because the run is simulated.
func (l *Logger) DryRun(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(types.LogLevelInfo, "DRY-RUN", colorDarkGray, format, args...)
}

// Warning writes a warning log.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(types.LogLevelWarning, "", "", format, args...)
}

// Error writes an error log.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(types.LogLevelError, "", "", format, args...)
}

// Critical writes a critical log.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.write(types.LogLevelCritical, "", "", format, args...)
}

// AppendRaw writes a line to the log file only. The bootstrap logger uses it
// to persist early console output without printing it twice.
func (l *Logger) AppendRaw(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return
	}
	fmt.Fprintf(l.logFile, "[%s] %-8s %s\n", l.now().Format(l.timeFormat), types.LogLevelInfo.String(), message)
}
