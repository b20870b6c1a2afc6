package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger routes the scheduler's own messages to slog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs jobs on their cron specs. A run that is still going when its next
// tick arrives causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewScheduler creates a scheduler. Jobs receive a context that is cancelled by Stop.
func NewScheduler(ctx context.Context, shutdownTimeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
		),
		ctx:     ctx,
		cancel:  cancel,
		timeout: shutdownTimeout,
	}
}

// Add schedules a job. Jobs with an empty spec are left to an external scheduler.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		slog.Info("job has no schedule, skipping", "job", job.Name)
		return nil
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { _ = RunOnce(s.ctx, job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	slog.Info("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling new runs and waits for running jobs, up to the shutdown
// timeout, before cancelling them.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(s.timeout):
		slog.Warn("jobs still running at shutdown, cancelling")
	}
	s.cancel()
}

// Entries returns the number of scheduled jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
