// Package outbox persists business writes together with the ledger intent they
// imply, then hands the intent to the message channel.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/channel"
	"github.com/jmehdipour/teatrace/internal/metrics"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
	"github.com/jmehdipour/teatrace/internal/util"
)

// RegistrarKey is the channel key of intents signed by the admin account.
const RegistrarKey = "registrar"

// PersistenceError means the atomic write failed and nothing was stored.
// The caller may retry the whole submission.
type PersistenceError struct {
	Method model.Method
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Method == "" {
		return "persist request: " + e.Err.Error()
	}
	return fmt.Sprintf("persist %s request: %v", e.Method, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Draft is what a stage function produces: the owner of the request and the
// ledger operation mirroring the rows it inserted.
type Draft struct {
	UserID    int64
	Operation model.Operation
}

// StageFunc inserts the speculative domain rows of one request inside tx.
type StageFunc func(ctx context.Context, tx *sqlx.Tx, requestID string) (Draft, error)

type Writer struct {
	db     *sqlx.DB
	outbox repository.OutboxRepository
	pub    channel.Publisher
	log    *zap.Logger
}

func NewWriter(db *sqlx.DB, outbox repository.OutboxRepository, pub channel.Publisher, log *zap.Logger) *Writer {
	return &Writer{db: db, outbox: outbox, pub: pub, log: log}
}

// Submit runs stage and inserts the outbox record in one transaction, then
// publishes the intent. It returns the request id as soon as the commit
// succeeds; a failed publish is left for the reaper.
func (w *Writer) Submit(ctx context.Context, stage StageFunc) (string, error) {
	requestID := util.NewRequestID()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", &PersistenceError{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	d, err := stage(ctx, tx, requestID)
	if err != nil {
		return "", rejectOrPersist("", err)
	}
	if d.Operation == nil {
		return "", &PersistenceError{Err: errors.New("stage produced no operation")}
	}
	op := d.Operation
	if err := op.Validate(); err != nil {
		return "", err
	}

	payload, err := model.EncodePayload(op)
	if err != nil {
		return "", &PersistenceError{Method: op.Method(), Err: err}
	}
	rec := model.OutboxRecord{
		RequestID:  requestID,
		MethodName: op.Method(),
		Payload:    payload,
		UserID:     d.UserID,
		EntityID:   op.EntityID(),
		Status:     model.StatusSubmitted,
	}
	if err := w.outbox.Insert(ctx, tx, rec); err != nil {
		return "", &PersistenceError{Method: op.Method(), Err: fmt.Errorf("insert outbox: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return "", &PersistenceError{Method: op.Method(), Err: fmt.Errorf("commit: %w", err)}
	}
	metrics.OutboxTotal.WithLabelValues("submitted", op.Method().String()).Inc()

	if err := w.Publish(ctx, rec); err != nil {
		metrics.OutboxTotal.WithLabelValues("publish_failed", op.Method().String()).Inc()
		w.log.Warn("publish intent failed, left for reaper",
			zap.String("request_id", requestID),
			zap.String("method", op.Method().String()),
			zap.Error(err),
		)
	} else {
		metrics.OutboxTotal.WithLabelValues("published", op.Method().String()).Inc()
	}
	return requestID, nil
}

// Publish sends the intent of a stored record to the channel.
func (w *Writer) Publish(ctx context.Context, rec model.OutboxRecord) error {
	body, err := json.Marshal(model.NewIntent(rec))
	if err != nil {
		return err
	}
	return w.pub.Publish(ctx, SignerKey(rec.MethodName, rec.UserID), body)
}

// SignerKey names the account that will sign the intent, so a partitioned
// channel keeps each account's intents in order.
func SignerKey(m model.Method, userID int64) string {
	if m == model.MethodRegisterUser {
		return RegistrarKey
	}
	return strconv.FormatInt(userID, 10)
}

// rejectOrPersist passes caller errors through and wraps the rest.
func rejectOrPersist(m model.Method, err error) error {
	if errors.Is(err, model.ErrInvalidArgument) || errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return &PersistenceError{Method: m, Err: err}
}
