package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/tis24dev/proxsync/internal/config"
	"github.com/tis24dev/proxsync/internal/types"
	"github.com/tis24dev/proxsync/internal/version"
)

// ErrNoTargets is returned when the positional target list is missing or empty.
var ErrNoTargets = errors.New("no targets given")

// Args holds the parsed command-line arguments
type Args struct {
	Targets        TargetSet
	ConfigPath     string
	ConfigExplicit bool
	LogLevel       types.LogLevel
	LogLevelSet    bool // --log-level was given; otherwise the configured level applies
	DryRun         bool
	ShowVersion    bool
	ShowHelp       bool
}

// Parse parses os.Args.
func Parse() (*Args, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses argv (without the program name). Help and version requests
// are reported through Args and never produce an error; missing targets do.
func ParseArgs(argv []string) (*Args, error) {
	args := &Args{}
	var logLevel string
	fs := newFlagSet(args, &logLevel)

	if err := fs.Parse(argv); err != nil {
		return args, err
	}
	if args.ShowHelp || args.ShowVersion {
		return args, nil
	}

	args.ConfigExplicit = fs.Changed("config")
	if fs.Changed("log-level") {
		level, ok := types.ParseLogLevel(strings.ToLower(logLevel))
		if !ok {
			return args, fmt.Errorf("invalid --log-level %q", logLevel)
		}
		args.LogLevel = level
		args.LogLevelSet = true
	}

	switch fs.NArg() {
	case 0:
		return args, ErrNoTargets
	case 1:
	default:
		return args, fmt.Errorf("expected a single comma-separated target list, got %d arguments", fs.NArg())
	}

	targets, err := ParseTargets(fs.Arg(0))
	if err != nil {
		return args, err
	}
	args.Targets = targets
	return args, nil
}

func newFlagSet(args *Args, logLevel *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("proxsync", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.BoolVarP(&args.DryRun, "dry-run", "n", false, "Log every action without touching guests, backups or the remote")
	fs.StringVarP(&args.ConfigPath, "config", "c", config.DefaultConfigPath, "Path to configuration file")
	fs.StringVarP(logLevel, "log-level", "l", "", "Log level (debug|info|warning|error|critical|none)")
	fs.BoolVarP(&args.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&args.ShowHelp, "help", "h", false, "Show help message")
	return fs
}

// PrintHelp writes the usage text.
func PrintHelp(w io.Writer) {
	argv0 := filepath.Base(os.Args[0])
	var unused string
	fs := newFlagSet(&Args{}, &unused)

	fmt.Fprintf(w, "Usage: %s [options] <targets>\n\n", argv0)
	fmt.Fprintln(w, "Back up Proxmox guests and host configuration, then mirror the newest")
	fmt.Fprintln(w, "artifact of every target to the configured rclone remote.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Targets (comma-separated):")
	fmt.Fprintln(w, "  <id>   guest id (container or VM)")
	fmt.Fprintln(w, "  pve    host configuration bundle")
	fmt.Fprintln(w, "  all    every configured guest plus the host configuration")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s all\n", argv0)
	fmt.Fprintf(w, "  %s pve,100,101\n", argv0)
	fmt.Fprintf(w, "  %s --dry-run -c /etc/proxsync/proxsync.env 105\n", argv0)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintln(w, version.Banner())
}
