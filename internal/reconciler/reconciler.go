// Package reconciler stamps local rows with the ledger transaction that
// confirmed them and keeps the event log.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/metrics"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
)

// ErrMiss is logged when an event matches no local row.
var ErrMiss = errors.New("reconciliation miss")

type Stores struct {
	Users        repository.UsersRepository
	Harvests     repository.HarvestsRepository
	Processing   repository.ProcessingRepository
	Consignments repository.ConsignmentsRepository
	Outbox       repository.OutboxRepository
	Events       repository.EventLogRepository
	// Archive is optional.
	Archive repository.ArchiveRepository
}

type Reconciler struct {
	s   Stores
	log *zap.Logger
}

func New(s Stores, log *zap.Logger) *Reconciler {
	return &Reconciler{s: s, log: log}
}

// Reconcile applies one ledger event. It is safe to call again for the same
// event. An error means the event should be retried.
func (r *Reconciler) Reconcile(ctx context.Context, ev model.LedgerEvent) error {
	log := r.log.With(
		zap.String("event", ev.Name.String()),
		zap.String("tx_hash", ev.TxHash),
		zap.Uint("log_index", ev.LogIndex),
	)

	n, err := r.stamp(ctx, ev)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(ev.Name.String(), "error").Inc()
		return fmt.Errorf("stamp %s: %w", ev.Name, err)
	}
	if n == 0 {
		metrics.ReconcileTotal.WithLabelValues(ev.Name.String(), "miss").Inc()
		log.Warn("no local row for ledger event",
			zap.String("entity_key", ev.Payload.EntityKey()), zap.Error(ErrMiss))
	}

	row, err := model.NewEventLog(ev)
	if err != nil {
		return fmt.Errorf("render event log: %w", err)
	}
	inserted, err := r.s.Events.Append(ctx, row)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(ev.Name.String(), "error").Inc()
		return fmt.Errorf("append event log: %w", err)
	}
	if !inserted {
		metrics.ReconcileTotal.WithLabelValues(ev.Name.String(), "replayed").Inc()
		return nil
	}
	if n > 0 {
		metrics.ReconcileTotal.WithLabelValues(ev.Name.String(), "stamped").Inc()
	}

	r.checkDivergence(ctx, ev, log)

	if r.s.Archive != nil {
		if err := r.s.Archive.Archive(ctx, row); err != nil {
			log.Warn("archive event", zap.Error(err))
		}
	}
	return nil
}

// stamp writes the transaction hash onto the rows the event confirms and
// returns how many matched.
func (r *Reconciler) stamp(ctx context.Context, ev model.LedgerEvent) (int64, error) {
	switch p := ev.Payload.(type) {
	case model.UserRegistered:
		id, err := strconv.ParseInt(p.UserID, 10, 64)
		if err != nil {
			return 0, nil
		}
		return r.s.Users.StampHash(ctx, id, ev.TxHash)
	case model.LeavesHarvested:
		return r.s.Harvests.StampHash(ctx, p.HarvestID, ev.TxHash)
	case model.ProcessingDetailsUpdated:
		return r.s.Processing.StampStage(ctx, p.HarvestID, p.Status, ev.TxHash)
	case model.BatchCreated:
		return r.s.Processing.StampPackets(ctx, p.BatchID, ev.TxHash)
	case model.PacketsCreated:
		return r.s.Processing.StampPackets(ctx, p.BatchID, ev.TxHash)
	case model.ConsignmentCreated:
		return r.s.Consignments.StampHash(ctx, p.ConsignmentID, ev.TxHash)
	case model.ConsignmentUpdated:
		return r.s.Consignments.StampHash(ctx, p.ConsignmentID, ev.TxHash)
	default:
		return 0, fmt.Errorf("unhandled payload %T", ev.Payload)
	}
}

// originOf maps an event to the method that emits it. PacketsCreated rides
// along with BatchCreated and is not checked on its own.
func originOf(name model.EventName) (model.Method, bool) {
	switch name {
	case model.EventUserRegistered:
		return model.MethodRegisterUser, true
	case model.EventLeavesHarvested:
		return model.MethodRecordHarvest, true
	case model.EventProcessingDetailsUpdated:
		return model.MethodRecordProcessing, true
	case model.EventBatchCreated:
		return model.MethodCreateBatch, true
	case model.EventConsignmentCreated:
		return model.MethodCreateConsignment, true
	case model.EventConsignmentUpdated:
		return model.MethodUpdateConsignment, true
	}
	return "", false
}

// checkDivergence warns when the ledger confirms a write the outbox gave up
// on, typically after a local call timeout.
func (r *Reconciler) checkDivergence(ctx context.Context, ev model.LedgerEvent, log *zap.Logger) {
	method, ok := originOf(ev.Name)
	if !ok {
		return
	}
	rec, err := r.s.Outbox.LatestByEntity(ctx, method, ev.Payload.EntityKey())
	if errors.Is(err, repository.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("divergence check", zap.Error(err))
		return
	}
	if rec.Status == model.StatusFailed {
		metrics.ReconcileTotal.WithLabelValues(ev.Name.String(), "divergent").Inc()
		log.Warn("ledger confirmed a request marked failed",
			zap.String("request_id", rec.RequestID),
			zap.String("entity_key", ev.Payload.EntityKey()),
		)
	}
}
