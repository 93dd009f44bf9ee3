package pipeline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"backupd/internal/adapter"
)

// tracker records one execution's progress and log through the store,
// throttling progress writes to at most one per second. Errors always
// flush immediately.
type tracker struct {
	store Store
	id    string

	mu           sync.Mutex
	lastProgress time.Time
}

func newTracker(store Store, id string) *tracker {
	return &tracker{store: store, id: id}
}

// setJob backfills the job name once the job has been resolved.
func (t *tracker) setJob(job *Job) {
	t.update(func(exec *Execution) error {
		exec.JobName = job.Name
		return nil
	})
}

// start marks a stage transition, moving a pending execution to
// running on the first stage.
func (t *tracker) start(stage string) {
	t.update(func(exec *Execution) error {
		if exec.Status == StatusPending {
			exec.Status = StatusRunning
		}
		exec.Progress = Progress{Stage: stage, Percent: exec.Progress.Percent}
		exec.Log = append(exec.Log, LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     LogInfo,
			Category:  "stage",
			Message:   fmt.Sprintf("stage %s started", stage),
			Stage:     stage,
		})
		return nil
	})
}

// progress records percent within a stage, throttled to one store
// write per second. The 100% mark always flushes.
func (t *tracker) progress(stage string, percent float64) {
	t.mu.Lock()
	now := time.Now()
	if percent < 100 && now.Sub(t.lastProgress) < time.Second {
		t.mu.Unlock()
		return
	}
	t.lastProgress = now
	t.mu.Unlock()

	t.update(func(exec *Execution) error {
		exec.Progress = Progress{Stage: stage, Percent: percent}
		return nil
	})
}

// progressFunc adapts the tracker to the adapter.ProgressFunc shape.
func (t *tracker) progressFunc(stage string) adapter.ProgressFunc {
	return func(transferred, total int64) {
		if total <= 0 {
			return
		}
		t.progress(stage, float64(transferred)/float64(total)*100)
	}
}

// progressReader wraps r so that bytes consumed drive stage progress.
func (t *tracker) progressReader(r io.Reader, total int64, stage string) io.Reader {
	return &trackedReader{r: r, total: total, stage: stage, t: t}
}

type trackedReader struct {
	r     io.Reader
	total int64
	read  int64
	stage string
	t     *tracker
}

func (tr *trackedReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 && tr.total > 0 {
		tr.read += int64(n)
		tr.t.progress(tr.stage, float64(tr.read)/float64(tr.total)*100)
	}
	return n, err
}

// logf appends a log entry.
func (t *tracker) logf(level LogLevel, stage, format string, args ...interface{}) {
	t.log(level, "pipeline", stage, fmt.Sprintf(format, args...), "")
}

func (t *tracker) log(level LogLevel, category, stage, message, details string) {
	t.update(func(exec *Execution) error {
		exec.Log = append(exec.Log, LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Category:  category,
			Message:   message,
			Stage:     stage,
			Details:   details,
		})
		return nil
	})
}

// adapterLog adapts the tracker to the adapter.LogFunc shape.
func (t *tracker) adapterLog(stage string) adapter.LogFunc {
	return func(level, message string) {
		lvl := LogInfo
		switch level {
		case "error":
			lvl = LogError
		case "warning":
			lvl = LogWarning
		case "success":
			lvl = LogSuccess
		}
		t.log(lvl, "adapter", stage, message, "")
	}
}

// fail flushes the error immediately and moves the execution to its
// terminal failed state.
func (t *tracker) fail(stage string, err error) {
	now := time.Now().UTC()
	t.update(func(exec *Execution) error {
		exec.Log = append(exec.Log, LogEntry{
			Timestamp: now,
			Level:     LogError,
			Category:  "pipeline",
			Message:   err.Error(),
			Stage:     stage,
		})
		if exec.Status == StatusPending || exec.Status == StatusRunning {
			exec.Status = StatusFailed
		}
		exec.Error = err.Error()
		exec.EndedAt = &now
		return nil
	})
}

// succeed moves the execution to its terminal successful state.
func (t *tracker) succeed(remotePath string, size int64) {
	now := time.Now().UTC()
	t.update(func(exec *Execution) error {
		exec.Status = StatusSuccess
		exec.RemotePath = remotePath
		exec.Size = size
		exec.EndedAt = &now
		exec.Progress = Progress{Stage: StageDone, Percent: 100}
		exec.Log = append(exec.Log, LogEntry{
			Timestamp: now,
			Level:     LogSuccess,
			Category:  "pipeline",
			Message:   "execution completed",
			Stage:     StageDone,
		})
		return nil
	})
}

func (t *tracker) update(fn func(*Execution) error) {
	// Store failures must never abort a run mid-flight; the run itself
	// is the source of truth and the store is best-effort durable.
	_ = t.store.Update(t.id, fn)
}
