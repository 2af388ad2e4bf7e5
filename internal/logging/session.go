package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/proxsync/internal/types"
)

// StartSessionLogger creates a logger that mirrors its output into
// <dir>/proxsync-<host>-<timestamp>.log. The returned cleanup closes the file.
func StartSessionLogger(dir string, level types.LogLevel, useColor bool) (*Logger, string, func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("create log directory: %w", err)
	}

	logName := fmt.Sprintf("proxsync-%s-%s.log", detectHostname(), time.Now().Format("20060102-150405"))
	logPath := filepath.Join(dir, logName)

	logger := New(level, useColor)
	if err := logger.OpenLogFile(logPath); err != nil {
		return nil, "", nil, err
	}

	cleanup := func() {
		_ = logger.CloseLogFile()
	}
	return logger, logPath, cleanup, nil
}

// sanitizeName lowercases s and replaces anything outside [a-z0-9] with single dashes.
func sanitizeName(s, fallback string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
	for strings.Contains(mapped, "--") {
		mapped = strings.ReplaceAll(mapped, "--", "-")
	}
	mapped = strings.Trim(mapped, "-")
	if mapped == "" {
		return fallback
	}
	return mapped
}

func detectHostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "host"
	}
	return sanitizeName(host, "host")
}
