// Package scheduler triggers backup executions on cron schedules,
// bounding system-wide concurrency with a worker pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"backupd/internal/logging"
	"backupd/internal/pipeline"
)

// TickInterval is how often schedules are evaluated.
const TickInterval = 30 * time.Second

// JobRunner executes one backup run. *pipeline.Runner satisfies it.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) string
}

// JobProvider serves the current job definitions, and reloads them
// from their backing file when asked.
type JobProvider interface {
	Jobs() ([]*pipeline.Job, error)
	Reload() error
}

// Scheduler is the long-lived trigger loop.
type Scheduler struct {
	jobs   JobProvider
	runner JobRunner
	pool   *Pool
	logger *logging.Logger
	parser cron.Parser

	mu       sync.Mutex
	lastEval time.Time
}

// New creates a scheduler with the given concurrency ceiling.
func New(jobs JobProvider, runner JobRunner, ceiling int, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Scheduler{
		jobs:   jobs,
		runner: runner,
		pool:   NewPool(ceiling),
		logger: logger,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Pool exposes the worker pool so other triggers (manual runs,
// restores) share the same concurrency ceiling.
func (s *Scheduler) Pool() *Pool {
	return s.pool
}

// ValidateSchedule checks a cron expression without scheduling it.
func (s *Scheduler) ValidateSchedule(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// Run evaluates schedules until ctx is cancelled, then drains the
// worker pool. In-flight executions are not cancelled; only process
// termination stops a run.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.lastEval = time.Now()
	s.mu.Unlock()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight executions")
			s.pool.Close()
			return
		case now := <-ticker.C:
			s.evaluate(ctx, now)
		}
	}
}

// evaluate enqueues every enabled job whose schedule fired since the
// previous evaluation.
func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	prev := s.lastEval
	s.lastEval = now
	s.mu.Unlock()

	jobs, err := s.jobs.Jobs()
	if err != nil {
		s.logger.Errorf("failed to load jobs: %v", err)
		return
	}

	due := 0
	for _, job := range jobs {
		if !job.Enabled || job.Schedule == "" {
			continue
		}
		schedule, err := s.parser.Parse(job.Schedule)
		if err != nil {
			s.logger.Warnf("job %s has an invalid schedule %q: %v", job.ID, job.Schedule, err)
			continue
		}
		if next := schedule.Next(prev); !next.After(now) {
			due++
			s.enqueue(ctx, job.ID)
		}
	}
	s.logger.LogScheduleTick(due, s.pool.QueueDepth())
}

// TriggerNow enqueues a manual run of jobID through the same queue as
// scheduled runs.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID string) error {
	return s.pool.Submit(func() {
		s.runner.RunJob(ctx, jobID)
	})
}

func (s *Scheduler) enqueue(ctx context.Context, jobID string) {
	if err := s.pool.Submit(func() {
		s.runner.RunJob(ctx, jobID)
	}); err != nil {
		s.logger.Errorf("failed to enqueue job %s: %v", jobID, err)
	}
}

// Watch hot-reloads job definitions whenever their backing file
// changes. It blocks until ctx is cancelled.
func (s *Scheduler) Watch(ctx context.Context, jobsFile string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(jobsFile); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.jobs.Reload(); err != nil {
				s.logger.Errorf("failed to reload jobs after change: %v", err)
				continue
			}
			s.logger.Infof("job definitions reloaded from %s", jobsFile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnf("jobs file watcher error: %v", err)
		}
	}
}
