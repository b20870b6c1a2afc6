// Package jobs runs the periodic background work: draining the delivery queues,
// re-arming failed deliveries, expiring invitations and purging old notifications.
//
// Jobs run in-process on a cron schedule, or once from the CLI (server run-job) when
// an external scheduler owns the cadence.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/safego"
	"github.com/conpanion/conpanion/internal/telemetry"
)

// Job names
const (
	ProcessEmailQueue        = "process-email-queue"
	ProcessPushQueue         = "process-push-queue"
	RetryFailedNotifications = "retry-failed-notifications"
	InvitationCleanup        = "invitation-cleanup"
	NotificationRetention    = "notification-retention"
)

// Job is a named unit of periodic work
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// InvitationCleaner expires pending invitations past their deadline
type InvitationCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// NotificationPurger deletes notifications older than the retention period
type NotificationPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Deps are the services the jobs act on
type Deps struct {
	Queue         QueueStore
	Trigger       Trigger
	Invitations   InvitationCleaner
	Notifications NotificationPurger
}

// Build returns every job with its configured schedule
func Build(deps Deps, jobsCfg config.JobsConfig, notifCfg config.NotificationsConfig) []Job {
	drainer := NewQueueDrainer(deps.Queue, deps.Trigger, notifCfg.BatchSize)
	retrier := NewRetrier(deps.Queue, notifCfg)

	return []Job{
		{Name: ProcessEmailQueue, Spec: jobsCfg.EmailQueueSpec, Run: func(ctx context.Context) error {
			_, err := drainer.Drain(ctx, models.ChannelEmail)
			return err
		}},
		{Name: ProcessPushQueue, Spec: jobsCfg.PushQueueSpec, Run: func(ctx context.Context) error {
			_, err := drainer.Drain(ctx, models.ChannelPush)
			return err
		}},
		{Name: RetryFailedNotifications, Spec: jobsCfg.RetrySpec, Run: retrier.Run},
		{Name: InvitationCleanup, Spec: jobsCfg.InvitationSpec, Run: func(ctx context.Context) error {
			n, err := deps.Invitations.CleanupExpired(ctx)
			if err == nil && n > 0 {
				slog.Info("expired pending invitations", "count", n)
			}
			return err
		}},
		{Name: NotificationRetention, Spec: jobsCfg.RetentionSpec, Run: func(ctx context.Context) error {
			n, err := deps.Notifications.PurgeExpired(ctx)
			if err == nil && n > 0 {
				slog.Info("purged old notifications", "count", n)
			}
			return err
		}},
	}
}

// Find returns the job with the given name
func Find(jobs []Job, name string) (Job, error) {
	for _, j := range jobs {
		if j.Name == name {
			return j, nil
		}
	}
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	sort.Strings(names)
	return Job{}, fmt.Errorf("unknown job %q (available: %v)", name, names)
}

// RunOnce executes a job and records its outcome. A panic is reported as an error.
func RunOnce(ctx context.Context, job Job) error {
	start := time.Now()
	var err error
	if perr := safego.Run("job:"+job.Name, func() { err = job.Run(ctx) }); perr != nil {
		err = perr
	}
	elapsed := time.Since(start)
	telemetry.JobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if err != nil {
		telemetry.JobRunsTotal.WithLabelValues(job.Name, "failure").Inc()
		slog.Error("job failed", "job", job.Name, "duration", elapsed, "error", err)
		return err
	}
	telemetry.JobRunsTotal.WithLabelValues(job.Name, "success").Inc()
	telemetry.JobLastSuccess.WithLabelValues(job.Name).SetToCurrentTime()
	slog.Debug("job finished", "job", job.Name, "duration", elapsed)
	return nil
}
