package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/tis24dev/proxsync/internal/cli"
	"github.com/tis24dev/proxsync/internal/config"
	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/orchestrator"
	"github.com/tis24dev/proxsync/internal/types"
	"github.com/tis24dev/proxsync/internal/version"
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	bootstrap := logging.NewBootstrapLogger()

	defer func() {
		if r := recover(); r != nil {
			bootstrap.Error("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			exitCode = types.ExitPanicError.Int()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			bootstrap.Warning("Received signal %v, stopping after the current step...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	args, err := cli.Parse()
	if code, done := handleArgs(args, err, os.Stdout, os.Stderr); done {
		return code
	}

	bootstrap.Info("%s", version.Banner())
	if args.DryRun {
		bootstrap.Info("Dry-run mode: no guest, backup or remote state will be changed")
	}

	cfg, err := config.LoadConfig(args.ConfigPath, args.ConfigExplicit)
	if err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}
	if err := cfg.Validate(); err != nil {
		bootstrap.Error("ERROR: invalid configuration %s:\n%v", cfg.ConfigPath, err)
		return types.ExitConfigError.Int()
	}
	bootstrap.Debug("Configuration loaded from %s", cfg.ConfigPath)

	level := effectiveLogLevel(cfg, args)

	logger, logPath, closeLog, err := logging.StartSessionLogger(cfg.LogPath, level, cfg.UseColor)
	if err != nil {
		bootstrap.Warning("WARNING: session log disabled: %v", err)
		logger = logging.New(level, cfg.UseColor)
		closeLog = func() {}
	}
	defer closeLog()
	bootstrap.Flush(logger)
	if logPath != "" {
		logger.Info("Log file: %s", logPath)
	}

	deps, err := buildDeps(cfg, logger, args.DryRun)
	if err != nil {
		logger.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}

	_, err = orchestrator.New(deps).Run(ctx, args.Targets)
	return orchestrator.ExitCodeFor(err).Int()
}

// handleArgs deals with help, version and usage errors. done reports whether
// the process should exit with code right away.
func handleArgs(args *cli.Args, err error, stdout, stderr io.Writer) (code int, done bool) {
	switch {
	case err != nil:
		if !errors.Is(err, cli.ErrNoTargets) {
			fmt.Fprintf(stderr, "Error: %v\n\n", err)
		}
		cli.PrintHelp(stderr)
		return types.ExitUsageError.Int(), true
	case args.ShowHelp:
		cli.PrintHelp(stdout)
		return types.ExitUsageError.Int(), true
	case args.ShowVersion:
		cli.PrintVersion(stdout)
		return types.ExitSuccess.Int(), true
	case args.Targets.Empty():
		cli.PrintHelp(stderr)
		return types.ExitUsageError.Int(), true
	}
	return types.ExitSuccess.Int(), false
}

// effectiveLogLevel lets --log-level, including "none", override DEBUG_LEVEL.
func effectiveLogLevel(cfg *config.Config, args *cli.Args) types.LogLevel {
	if args.LogLevelSet {
		return args.LogLevel
	}
	return cfg.DebugLevel
}
