package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupd/internal/pipeline"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
	// block holds each run until released, for concurrency tests.
	block chan struct{}

	running    int32
	maxRunning int32
}

func (r *recordingRunner) RunJob(ctx context.Context, jobID string) string {
	running := atomic.AddInt32(&r.running, 1)
	for {
		max := atomic.LoadInt32(&r.maxRunning)
		if running <= max || atomic.CompareAndSwapInt32(&r.maxRunning, max, running) {
			break
		}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.runs = append(r.runs, jobID)
	r.mu.Unlock()
	atomic.AddInt32(&r.running, -1)
	return "exec-" + jobID
}

func (r *recordingRunner) ranJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

type staticJobs struct {
	mu      sync.Mutex
	jobs    []*pipeline.Job
	reloads int
}

func (s *staticJobs) Jobs() ([]*pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pipeline.Job(nil), s.jobs...), nil
}

func (s *staticJobs) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolHonorsCeilingAndDropsNothing(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{})}
	pool := NewPool(2)

	const total = 6
	for i := 0; i < total; i++ {
		require.NoError(t, pool.Submit(func() {
			runner.RunJob(context.Background(), "job")
		}))
	}

	// Two workers pick up tasks; the other four wait in the queue.
	waitFor(t, func() bool { return atomic.LoadInt32(&runner.running) == 2 })
	assert.Equal(t, 4, pool.QueueDepth())

	close(runner.block)
	pool.Close()

	assert.Len(t, runner.ranJobs(), total, "no queued run may be dropped")
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.maxRunning), int32(2),
		"ceiling must never be exceeded")
}

func TestPoolRejectsSubmitAfterClose(t *testing.T) {
	pool := NewPool(1)
	pool.Close()
	err := pool.Submit(func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_ERROR")
}

func TestEvaluateEnqueuesDueJobs(t *testing.T) {
	runner := &recordingRunner{}
	jobs := &staticJobs{jobs: []*pipeline.Job{
		{ID: "every-minute", Schedule: "* * * * *", Enabled: true},
		{ID: "midnight-only", Schedule: "0 0 * * *", Enabled: true},
		{ID: "disabled", Schedule: "* * * * *", Enabled: false},
		{ID: "bad-schedule", Schedule: "not cron", Enabled: true},
	}}
	s := New(jobs, runner, 2, nil)
	defer s.pool.Close()

	base := time.Date(2026, 3, 10, 14, 30, 5, 0, time.UTC)
	s.mu.Lock()
	s.lastEval = base
	s.mu.Unlock()

	// 61 seconds later a minute boundary has passed: only the
	// every-minute job is due.
	s.evaluate(context.Background(), base.Add(61*time.Second))

	waitFor(t, func() bool { return len(runner.ranJobs()) == 1 })
	assert.Equal(t, []string{"every-minute"}, runner.ranJobs())
}

func TestEvaluateSkipsWhenNotDue(t *testing.T) {
	runner := &recordingRunner{}
	jobs := &staticJobs{jobs: []*pipeline.Job{
		{ID: "every-minute", Schedule: "* * * * *", Enabled: true},
	}}
	s := New(jobs, runner, 1, nil)
	defer s.pool.Close()

	base := time.Date(2026, 3, 10, 14, 30, 5, 0, time.UTC)
	s.mu.Lock()
	s.lastEval = base
	s.mu.Unlock()

	// 10 seconds later no minute boundary has passed.
	s.evaluate(context.Background(), base.Add(10*time.Second))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, runner.ranJobs())
}

func TestTriggerNowSharesQueue(t *testing.T) {
	runner := &recordingRunner{}
	jobs := &staticJobs{}
	s := New(jobs, runner, 1, nil)
	defer s.pool.Close()

	require.NoError(t, s.TriggerNow(context.Background(), "manual-job"))
	waitFor(t, func() bool { return len(runner.ranJobs()) == 1 })
	assert.Equal(t, []string{"manual-job"}, runner.ranJobs())
}

func TestValidateSchedule(t *testing.T) {
	s := New(&staticJobs{}, &recordingRunner{}, 1, nil)
	defer s.pool.Close()

	assert.NoError(t, s.ValidateSchedule("0 3 * * *"))
	assert.NoError(t, s.ValidateSchedule("*/5 * * * *"))
	assert.Error(t, s.ValidateSchedule("not cron"))
	assert.Error(t, s.ValidateSchedule("0 3 * *"))
}
