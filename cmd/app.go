package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"backupd/internal/adapter"
	"backupd/internal/adapter/mysqladp"
	"backupd/internal/adapter/postgresadp"
	"backupd/internal/config"
	"backupd/internal/logging"
	"backupd/internal/pipeline"
	"backupd/internal/storage"
	"backupd/internal/vault"
)

// app holds the wired component graph shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *adapter.Registry
	jobs     *config.JobStore
	cfgStore *config.Store
	store    pipeline.Store
	keys     pipeline.KeySource
	notifier pipeline.Notifier
	runner   *pipeline.Runner
	restore  *pipeline.RestoreService
}

// noVault stands in when no application secret is configured.
type noVault struct{}

func (noVault) Open(string) ([]byte, error) {
	return nil, errors.New("no application secret configured; set BACKUPD_APP_SECRET or app_secret in the config file")
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:   logLevel(cfg.Log.Level),
		Format:  cfg.Log.Format,
		LogFile: firstNonEmpty(logFile, cfg.Log.File),
	})
	if err != nil {
		return nil, err
	}

	registry := adapter.NewRegistry()
	registry.RegisterDatabase("mysql", mysqladp.New())
	registry.RegisterDatabase("postgres", postgresadp.New())
	for id, target := range cfg.Storage {
		s, err := storage.New(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("storage target %q: %w", id, err)
		}
		registry.RegisterStorage(id, s)
	}

	var keys pipeline.KeySource = noVault{}
	if cfg.AppSecret != "" {
		v, err := vault.New(cfg.VaultPath, cfg.AppSecret)
		if err != nil {
			return nil, err
		}
		keys = v
	}

	jobs, err := config.NewJobStore(cfg.JobsFile)
	if err != nil {
		return nil, err
	}
	cfgStore := config.NewStore(cfg, jobs)

	store, err := pipeline.NewFileStore(cfg.ExecutionsDir())
	if err != nil {
		return nil, err
	}

	notifier := pipeline.MultiNotifier{pipeline.NewLogNotifier(logger)}
	if cfg.Notify.Webhook != nil {
		notifier = append(notifier, pipeline.NewWebhookNotifier(logger, *cfg.Notify.Webhook))
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		jobs:     jobs,
		cfgStore: cfgStore,
		store:    store,
		keys:     keys,
		notifier: notifier,
		runner:   pipeline.NewRunner(store, cfgStore, registry, keys, notifier, logger, ""),
		restore:  pipeline.NewRestoreService(store, cfgStore, registry, keys, notifier, logger, ""),
	}, nil
}

// openVault returns the vault, prompting for the application secret on
// the terminal when none is configured.
func (a *app) openVault() (*vault.Vault, error) {
	secret := a.cfg.AppSecret
	if secret == "" {
		fmt.Fprint(os.Stderr, "Application secret: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read application secret: %w", err)
		}
		secret = string(raw)
	}
	return vault.New(a.cfg.VaultPath, secret)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
