package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"backupd/internal/scheduler"
)

const probeAttempts = 3

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `serve starts the long-lived scheduler: it probes the configured
adapters, evaluates job schedules every 30 seconds, and bounds
concurrent executions by scheduler.max_concurrent. Job definitions are
hot-reloaded when the jobs file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := newApp(ctx)
		if err != nil {
			return err
		}

		app.probeAdapters(ctx)

		sched := scheduler.New(app.jobs, app.runner, app.cfg.Scheduler.MaxConcurrent, app.logger)
		// Restores triggered while serving share the scheduler's
		// concurrency ceiling.
		app.restore.Submit = func(task func()) {
			if err := sched.Pool().Submit(task); err != nil {
				app.logger.Errorf("failed to enqueue restore: %v", err)
			}
		}

		go func() {
			if err := sched.Watch(ctx, app.cfg.JobsFile); err != nil {
				app.logger.Warnf("jobs file watch unavailable: %v", err)
			}
		}()

		sched.Run(ctx)
		return nil
	},
}

// probeAdapters verifies every configured adapter at startup. Probe
// failures are logged, not fatal: a temporarily unreachable backend
// must not keep the whole scheduler down. Transient connection errors
// get a short fixed retry.
func (a *app) probeAdapters(ctx context.Context) {
	for _, id := range a.registry.StorageIDs() {
		store, err := a.registry.Storage(id)
		if err != nil {
			continue
		}
		started := time.Now()
		err = retryProbe(ctx, func() error { return store.Test(ctx) })
		a.logger.LogAdapterTest("storage", id, err == nil, time.Since(started), err)
	}

	for id := range a.cfg.Sources {
		kind, dbCfg, err := a.cfgStore.DatabaseSource(id)
		if err != nil {
			continue
		}
		db, err := a.registry.Database(kind)
		if err != nil {
			a.logger.Warnf("source %s references unknown database kind %s", id, kind)
			continue
		}
		started := time.Now()
		err = retryProbe(ctx, func() error {
			_, err := db.Test(ctx, *dbCfg)
			return err
		})
		a.logger.LogAdapterTest("database", id, err == nil, time.Since(started), err)
	}
}

func retryProbe(ctx context.Context, probe func() error) error {
	var err error
	for attempt := 0; attempt < probeAttempts; attempt++ {
		if err = probe(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(2 * time.Second):
		}
	}
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
