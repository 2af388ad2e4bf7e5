package main

import (
	"fmt"

	"github.com/tis24dev/proxsync/internal/backup"
	"github.com/tis24dev/proxsync/internal/checks"
	"github.com/tis24dev/proxsync/internal/config"
	"github.com/tis24dev/proxsync/internal/guest"
	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/metrics"
	"github.com/tis24dev/proxsync/internal/notify"
	"github.com/tis24dev/proxsync/internal/orchestrator"
	"github.com/tis24dev/proxsync/internal/pve"
	"github.com/tis24dev/proxsync/internal/storage"
	"github.com/tis24dev/proxsync/internal/version"
)

// buildDeps wires the production components from cfg.
func buildDeps(cfg *config.Config, logger *logging.Logger, dryRun bool) (orchestrator.Deps, error) {
	client := pve.NewClient(pve.OSRunner{Logger: logger}, logger, pve.Options{
		Node:           cfg.PVENode,
		ConfigRoot:     cfg.PVEConfigRoot,
		VMGuests:       cfg.VMGuests,
		VMStatusSource: cfg.VMStatusSource,
		QMPSocketDir:   cfg.QMPSocketDir,
	})

	archiverCfg := backup.ArchiverConfig{
		CompressionLevel: cfg.CompressionLevel,
		EncryptArchive:   cfg.EncryptHostConfig,
	}
	if cfg.EncryptHostConfig {
		recipients, err := backup.LoadRecipients(cfg.AgeRecipients, cfg.AgeRecipientFile)
		if err != nil {
			return orchestrator.Deps{}, fmt.Errorf("host config encryption: %w", err)
		}
		archiverCfg.AgeRecipients = recipients
	}

	executor := backup.NewExecutor(client, backup.NewArchiver(logger, archiverCfg), logger, backup.ExecutorConfig{
		DryRun:          dryRun,
		VzdumpMode:      cfg.VzdumpMode,
		HostConfigPaths: cfg.HostConfigPaths,
		WorkDir:         cfg.WorkDir,
	})

	deps := orchestrator.Deps{
		Config:  cfg,
		Logger:  logger,
		DryRun:  dryRun,
		Version: version.String(),
		Guests: guest.NewController(client, logger, guest.Options{
			DryRun:       dryRun,
			PollInterval: cfg.StopPollInterval,
		}),
		Kinds:   client,
		Backups: executor,
		Local:   storage.NewLocal(cfg.BackupDir, logger, dryRun),
		Staging: storage.NewStaging(cfg.StagingDir, logger),
		Remote: storage.NewCloud(storage.CloudOptions{
			Remote:          cfg.RcloneRemote,
			BandwidthLimit:  cfg.RcloneBandwidthLimit,
			HardDeleteFlags: cfg.RcloneHardDeleteFlags,
			ExtraFlags:      cfg.RcloneFlags,
			DryRun:          dryRun,
		}, logger),
		Mount:  storage.NewMountProbe(cfg.MountPoint, cfg.BackupDir, cfg.FSTimeout),
		Checks: checks.NewChecker(logger, checks.NewCheckerConfig(cfg, dryRun)),
	}
	if cfg.MetricsEnabled {
		deps.Metrics = metrics.NewPrometheusExporter(cfg.MetricsPath, logger)
	}

	notifiers, err := buildNotifiers(cfg, logger)
	if err != nil {
		return orchestrator.Deps{}, err
	}
	deps.Notifier = notify.NewDispatcher(notify.Policy(cfg.NotifyOn), logger, notifiers...)
	return deps, nil
}

func buildNotifiers(cfg *config.Config, logger *logging.Logger) ([]notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:        cfg.WebhookURL,
			Format:     cfg.WebhookFormat,
			Method:     cfg.WebhookMethod,
			Headers:    cfg.WebhookHeaders,
			AuthType:   cfg.WebhookAuth,
			Token:      cfg.WebhookToken,
			User:       cfg.WebhookUser,
			Password:   cfg.WebhookPassword,
			Secret:     cfg.WebhookSecret,
			Timeout:    cfg.WebhookTimeout,
			MaxRetries: cfg.WebhookRetries,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		notifiers = append(notifiers, webhook)
	}
	if cfg.GotifyURL != "" {
		gotify, err := notify.NewGotifyNotifier(notify.GotifyConfig{
			ServerURL:       cfg.GotifyURL,
			Token:           cfg.GotifyToken,
			PrioritySuccess: cfg.GotifyPriority[0],
			PriorityWarning: cfg.GotifyPriority[1],
			PriorityFailure: cfg.GotifyPriority[2],
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("gotify notifier: %w", err)
		}
		notifiers = append(notifiers, gotify)
	}
	return notifiers, nil
}
