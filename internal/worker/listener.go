package worker

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/ledger"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
)

// EventSource is the ledger watcher. Follow with catchUp replays history from
// block from before streaming live events.
type EventSource interface {
	Follow(ctx context.Context, from uint64, catchUp bool, h ledger.Handler) error
}

// Reconciler applies one ledger event to the local store.
type Reconciler interface {
	Reconcile(ctx context.Context, ev model.LedgerEvent) error
}

// Listener feeds ledger events to the reconciler. It resumes from the last
// block in the event log, backfills up to the chain head and then follows
// live logs, reconnecting with exponential backoff.
type Listener struct {
	src    EventSource
	rec    Reconciler
	events repository.EventLogRepository
	cfg    config.ListenerConfig
	from   uint64
	log    *zap.Logger
}

func NewListener(src EventSource, rec Reconciler, events repository.EventLogRepository, cfg config.ListenerConfig, fromBlock uint64, log *zap.Logger) *Listener {
	return &Listener{src: src, rec: rec, events: events, cfg: cfg, from: fromBlock, log: log}
}

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if l.cfg.RetryInitial > 0 {
		b.InitialInterval = l.cfg.RetryInitial
	}
	if l.cfg.RetryMax > 0 {
		b.MaxInterval = l.cfg.RetryMax
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// cursor is the block to resume from. The last seen block is read again;
// events already in the log are skipped by the reconciler.
func (l *Listener) cursor(ctx context.Context) (uint64, error) {
	block, ok, err := l.events.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	if !ok || block < l.from {
		return l.from, nil
	}
	return block, nil
}

func (l *Listener) Run(ctx context.Context) error {
	bo := l.newBackOff()

	from, err := l.cursor(ctx)
	for err != nil {
		l.log.Warn("read event cursor", zap.Error(err))
		if !sleep(ctx, bo.NextBackOff()) {
			return nil
		}
		from, err = l.cursor(ctx)
	}
	bo.Reset()
	l.log.Info("event listener started", zap.Uint64("from_block", from))

	progressed := false
	handle := func(ctx context.Context, ev model.LedgerEvent) error {
		from = ev.BlockNumber
		if err := l.rec.Reconcile(ctx, ev); err != nil {
			return err
		}
		progressed = true
		return nil
	}

	catchUp := l.cfg.Backfill
	for {
		err := l.src.Follow(ctx, from, catchUp, handle)
		if ctx.Err() != nil {
			return nil
		}
		// always catch up after a drop, live subscriptions do not replay
		catchUp = true

		if progressed {
			bo.Reset()
			progressed = false
		}
		wait := bo.NextBackOff()
		l.log.Warn("event stream interrupted",
			zap.Uint64("resume_block", from),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}
