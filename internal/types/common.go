package types

import "fmt"

// GuestKind distinguishes Proxmox containers from virtual machines.
type GuestKind string

const (
	// GuestContainer - LXC container managed with pct
	GuestContainer GuestKind = "lxc"

	// GuestVM - QEMU virtual machine managed with qm
	GuestVM GuestKind = "qemu"
)

// String returns the string representation of the guest kind.
func (k GuestKind) String() string {
	return string(k)
}

// CLI returns the Proxmox command used to drive guests of this kind.
func (k GuestKind) CLI() string {
	if k == GuestVM {
		return "qm"
	}
	return "pct"
}

// ConfigDir returns the directory under /etc/pve holding this kind's configs.
func (k GuestKind) ConfigDir() string {
	if k == GuestVM {
		return "qemu-server"
	}
	return "lxc"
}

// ArtifactPrefix returns the filename prefix vzdump uses for the given guest id.
func (k GuestKind) ArtifactPrefix(id int) string {
	return fmt.Sprintf("vzdump-%s-%d-", k, id)
}

// GuestState is the runtime state reported by a status query.
type GuestState int

const (
	// StateStopped - guest is not running (also used when the state is unknown)
	StateStopped GuestState = iota

	// StateRunning - guest is running
	StateRunning
)

// String returns the string representation of the guest state.
func (s GuestState) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// GuestRole describes where a guest sits in the shutdown ordering.
type GuestRole string

const (
	// RoleStorageHost - the guest exporting the backup share to the node
	RoleStorageHost GuestRole = "storage host"

	// RoleDependent - guests that mount the share and must stop before the storage host
	RoleDependent GuestRole = "dependent"

	// RoleIndependent - guests without ordering constraints
	RoleIndependent GuestRole = "independent"
)

// String returns the string representation of the role.
func (r GuestRole) String() string {
	return string(r)
}

// Guest identifies one managed container or VM.
type Guest struct {
	ID   int
	Kind GuestKind
	Role GuestRole
}

// Prefix returns the artifact filename prefix for the guest.
func (g Guest) Prefix() string {
	return g.Kind.ArtifactPrefix(g.ID)
}

// String returns a short description such as "lxc 101".
func (g Guest) String() string {
	return fmt.Sprintf("%s %d", g.Kind, g.ID)
}

// HostConfigPrefix is the artifact prefix used for Proxmox host configuration bundles.
const HostConfigPrefix = "pve-host-"

// ArtifactTimeFormat is the timestamp layout embedded in artifact names.
// Zero-padded fields keep lexical order identical to creation order.
const ArtifactTimeFormat = "2006_01_02-15_04_05"

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps a textual level (debug, info, warning, error, critical, none)
// or its numeric value to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch s {
	case "debug", "DEBUG", "5":
		return LogLevelDebug, true
	case "info", "INFO", "4", "":
		return LogLevelInfo, true
	case "warning", "warn", "WARNING", "3":
		return LogLevelWarning, true
	case "error", "ERROR", "2":
		return LogLevelError, true
	case "critical", "CRITICAL", "1":
		return LogLevelCritical, true
	case "none", "NONE", "0":
		return LogLevelNone, true
	}
	return LogLevelInfo, false
}
