// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Run completed and the remote mirror was verified.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration error.
	ExitConfigError ExitCode = 2

	// ExitEnvironmentError - Missing Proxmox tooling or unsupported host.
	ExitEnvironmentError ExitCode = 3

	// ExitBackupError - vzdump or host-config archival failed.
	ExitBackupError ExitCode = 4

	// ExitStorageError - Local storage failure (mount never came back, move failed).
	ExitStorageError ExitCode = 5

	// ExitNetworkError - Remote sync failure.
	ExitNetworkError ExitCode = 6

	// ExitPermissionError - Permission error.
	ExitPermissionError ExitCode = 7

	// ExitVerificationError - Files missing on the remote after sync.
	ExitVerificationError ExitCode = 8

	// ExitArchiveError - Error while creating the host-config archive.
	ExitArchiveError ExitCode = 10

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13

	// ExitGuestError - A guest shutdown or start request failed.
	ExitGuestError ExitCode = 15

	// ExitUsageError - Invalid command line (also returned by --help).
	ExitUsageError ExitCode = 64
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitEnvironmentError:
		return "environment error"
	case ExitBackupError:
		return "backup error"
	case ExitStorageError:
		return "storage error"
	case ExitNetworkError:
		return "network error"
	case ExitPermissionError:
		return "permission error"
	case ExitVerificationError:
		return "verification error"
	case ExitArchiveError:
		return "archive error"
	case ExitPanicError:
		return "panic error"
	case ExitGuestError:
		return "guest lifecycle error"
	case ExitUsageError:
		return "usage error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}
