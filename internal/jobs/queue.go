package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/telemetry"
)

// QueueStore is the part of the queue repository the drain and retry jobs use
type QueueStore interface {
	Claim(ctx context.Context, channel models.Channel, limit int) ([]uuid.UUID, error)
	MarkFailed(ctx context.Context, channel models.Channel, ids []uuid.UUID, message string) (int64, error)
	FailStale(ctx context.Context, channel models.Channel, cutoff time.Time) (int64, error)
	Rearm(ctx context.Context, channel models.Channel, maxRetries int, backoff time.Duration, since, now time.Time) (int64, error)
}

// Trigger invokes the external function for a channel
type Trigger interface {
	Trigger(ctx context.Context, ch models.Channel) error
}

// QueueDrainer claims due queue rows and hands them to the delivery function.
type QueueDrainer struct {
	queue     QueueStore
	trigger   Trigger
	batchSize int
}

func NewQueueDrainer(queue QueueStore, trigger Trigger, batchSize int) *QueueDrainer {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &QueueDrainer{queue: queue, trigger: trigger, batchSize: batchSize}
}

// Drain claims up to one batch for the channel and triggers its function once. When the
// call fails the claimed rows are marked failed so the retry job can pick them up.
func (d *QueueDrainer) Drain(ctx context.Context, ch models.Channel) (int, error) {
	ids, err := d.queue.Claim(ctx, ch, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	telemetry.DeliveryClaimedTotal.WithLabelValues(string(ch)).Add(float64(len(ids)))
	slog.Info("claimed queue rows", "channel", ch, "count", len(ids))

	if err := d.trigger.Trigger(ctx, ch); err != nil {
		n, markErr := d.queue.MarkFailed(ctx, ch, ids, err.Error())
		if markErr != nil {
			slog.Error("failed to mark claimed rows failed", "channel", ch, "error", markErr)
		} else {
			slog.Warn("delivery trigger failed, claimed rows marked failed", "channel", ch, "rows", n, "error", err)
		}
		return len(ids), fmt.Errorf("%s delivery: %w", ch, err)
	}
	return len(ids), nil
}

// Retrier recovers stuck rows and re-arms failed rows that still have retries left
type Retrier struct {
	queue QueueStore
	cfg   config.NotificationsConfig
	now   func() time.Time
}

func NewRetrier(queue QueueStore, cfg config.NotificationsConfig) *Retrier {
	return &Retrier{queue: queue, cfg: cfg, now: time.Now}
}

type retryPolicy struct {
	channel    models.Channel
	maxRetries int
	backoff    time.Duration
	lookback   time.Duration
}

func (r *Retrier) policies() []retryPolicy {
	return []retryPolicy{
		{models.ChannelEmail, r.cfg.EmailMaxRetries, r.cfg.EmailRetryBackoff, r.cfg.EmailRetryLookback},
		{models.ChannelPush, r.cfg.PushMaxRetries, r.cfg.PushRetryBackoff, r.cfg.PushRetryLookback},
	}
}

// Run fails rows stuck in processing past the stale threshold, then re-arms failed rows
func (r *Retrier) Run(ctx context.Context) error {
	now := r.now()
	for _, p := range r.policies() {
		if r.cfg.StaleAfter > 0 {
			stale, err := r.queue.FailStale(ctx, p.channel, now.Add(-r.cfg.StaleAfter))
			if err != nil {
				return err
			}
			if stale > 0 {
				slog.Warn("stale deliveries timed out", "channel", p.channel, "rows", stale)
			}
		}

		n, err := r.queue.Rearm(ctx, p.channel, p.maxRetries, p.backoff, now.Add(-p.lookback), now)
		if err != nil {
			return err
		}
		if n > 0 {
			telemetry.DeliveryRearmedTotal.WithLabelValues(string(p.channel)).Add(float64(n))
			slog.Info("re-armed failed deliveries", "channel", p.channel, "rows", n)
		}
	}
	return nil
}
