package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/channel"
	"github.com/jmehdipour/teatrace/internal/dispatcher"
)

// IntentHandler is the dispatcher as seen by the consume loop.
type IntentHandler interface {
	Ready() bool
	Release()
	Handle(ctx context.Context, body []byte) dispatcher.Result
}

// Dispatch consumes intents one at a time and acks each once it is settled.
// While the ledger breaker is open it stops fetching, so queued intents wait
// instead of failing.
type Dispatch struct {
	Subscriber channel.Subscriber
	Handler    IntentHandler
	Log        *zap.Logger

	// Pause is how long to wait while the breaker is open.
	Pause time.Duration
	// FetchRetry is how long to wait after a failed fetch.
	FetchRetry time.Duration
}

func NewDispatch(sub channel.Subscriber, h IntentHandler, log *zap.Logger) *Dispatch {
	return &Dispatch{
		Subscriber: sub,
		Handler:    h,
		Log:        log,
		Pause:      time.Second,
		FetchRetry: 200 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled or the channel is closed.
func (w *Dispatch) Run(ctx context.Context) error {
	w.Log.Info("dispatch worker started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !w.Handler.Ready() {
			if !sleep(ctx, w.Pause) {
				return nil
			}
			continue
		}

		m, err := w.Subscriber.Fetch(ctx)
		if err != nil {
			w.Handler.Release()
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, channel.ErrClosed) {
				return err
			}
			w.Log.Warn("fetch intent", zap.Error(err))
			if !sleep(ctx, w.FetchRetry) {
				return nil
			}
			continue
		}

		res := w.Handler.Handle(ctx, m.Body())
		w.report(res)

		// ack every outcome; the outbox record carries the state
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := m.Ack(actx); err != nil {
			w.Log.Warn("ack intent", zap.String("request_id", res.RequestID), zap.Error(err))
		}
		cancel()
	}
}

func (w *Dispatch) report(res dispatcher.Result) {
	fields := []zap.Field{
		zap.String("request_id", res.RequestID),
		zap.String("method", res.Method.String()),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.TxHash != "" {
		fields = append(fields, zap.String("tx_hash", res.TxHash))
	}
	switch res.Outcome {
	case dispatcher.CompensationFailed, dispatcher.Poison, dispatcher.Unsettled:
		w.Log.Error("intent settled", append(fields, zap.Error(res.Err))...)
	case dispatcher.Compensated, dispatcher.Orphaned:
		w.Log.Warn("intent settled", append(fields, zap.Error(res.Err))...)
	default:
		w.Log.Debug("intent settled", fields...)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
