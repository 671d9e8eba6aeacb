package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/metrics"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
)

// Republisher sends a stored intent to the channel again.
type Republisher interface {
	Publish(ctx context.Context, rec model.OutboxRecord) error
}

// Reaper re-publishes intents whose first publish was lost and reports
// records that were claimed but never settled.
type Reaper struct {
	outbox repository.OutboxRepository
	pub    Republisher
	cfg    config.ReaperConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewReaper(outbox repository.OutboxRepository, pub Republisher, cfg config.ReaperConfig, log *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Reaper{outbox: outbox, pub: pub, cfg: cfg, log: log, now: time.Now}
}

func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", zap.Duration("interval", r.cfg.Interval))
	tick := time.NewTicker(r.cfg.Interval)
	defer tick.Stop()

	for {
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("reaper sweep", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// Sweep runs one pass.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.now().UTC()

	stale, err := r.outbox.ListStale(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.MaxAttempts, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, rec := range stale {
		log := r.log.With(zap.String("request_id", rec.RequestID), zap.Int("attempt", rec.PublishAttempts+1))
		if err := r.pub.Publish(ctx, rec); err != nil {
			log.Warn("republish intent", zap.Error(err))
			continue
		}
		if err := r.outbox.BumpPublish(ctx, rec.RequestID); err != nil {
			log.Warn("bump publish attempts", zap.Error(err))
		}
		metrics.OutboxTotal.WithLabelValues("republished", rec.MethodName.String()).Inc()
		if rec.PublishAttempts+1 >= r.cfg.MaxAttempts {
			log.Warn("intent reached its last publish attempt")
		}
	}

	if r.cfg.StuckAfter > 0 {
		stuck, err := r.outbox.ListStuck(ctx, now.Add(-r.cfg.StuckAfter), r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, rec := range stuck {
			r.log.Warn("intent claimed but never settled",
				zap.String("request_id", rec.RequestID),
				zap.String("method", rec.MethodName.String()),
				zap.Timep("dispatched_at", rec.DispatchedAt),
			)
		}
	}
	return nil
}
