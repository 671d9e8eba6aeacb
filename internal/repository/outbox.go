package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/teatrace/internal/model"
)

// OutboxRepository defines persistence methods for the outbox_requests table.
// Terminal transitions are conditional on status = SUBMITTED, so a record can
// reach COMPLETED or FAILED at most once.
type OutboxRepository interface {
	// Insert writes a SUBMITTED record. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error
	Get(ctx context.Context, requestID string) (*model.OutboxRecord, error)
	// Claim marks an undispatched SUBMITTED record as taken by the caller.
	Claim(ctx context.Context, requestID string) (bool, error)
	MarkCompleted(ctx context.Context, requestID, txHash string) (bool, error)
	MarkFailed(ctx context.Context, requestID, reason string) (bool, error)
	// LatestByEntity returns the newest record of method for entityID.
	LatestByEntity(ctx context.Context, method model.Method, entityID string) (*model.OutboxRecord, error)

	ListStale(ctx context.Context, before time.Time, maxAttempts, limit int) ([]model.OutboxRecord, error)
	BumpPublish(ctx context.Context, requestID string) error
	ListStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]model.OutboxRecord, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const outboxColumns = `request_id, method_name, payload, user_id, entity_id, status, tx_hash,
		error_message, publish_attempts, dispatched_at, created_at, updated_at`

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error {
	const q = `
		INSERT INTO outbox_requests
		    (request_id, method_name, payload, user_id, entity_id, status, publish_attempts, created_at, updated_at)
		VALUES
		    (?,          ?,           ?,       ?,       ?,         'SUBMITTED', 1,          NOW(3),     NOW(3))
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.RequestID, rec.MethodName.String(), []byte(rec.Payload), rec.UserID, rec.EntityID,
		)
		return err
	})
}

func (r *OutboxRepositoryImpl) Get(ctx context.Context, requestID string) (*model.OutboxRecord, error) {
	var rec model.OutboxRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+outboxColumns+` FROM outbox_requests WHERE request_id = ?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *OutboxRepositoryImpl) Claim(ctx context.Context, requestID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_requests
		   SET dispatched_at = NOW(3)
		 WHERE request_id = ? AND status = 'SUBMITTED' AND dispatched_at IS NULL
	`, requestID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *OutboxRepositoryImpl) MarkCompleted(ctx context.Context, requestID, txHash string) (bool, error) {
	return r.finish(ctx, requestID, model.StatusCompleted, &txHash, nil)
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, requestID, reason string) (bool, error) {
	return r.finish(ctx, requestID, model.StatusFailed, nil, &reason)
}

func (r *OutboxRepositoryImpl) finish(ctx context.Context, requestID string, st model.OutboxStatus, txHash, reason *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_requests
		   SET status = ?, tx_hash = ?, error_message = ?, updated_at = NOW(3)
		 WHERE request_id = ? AND status = 'SUBMITTED'
	`, st.String(), txHash, reason, requestID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *OutboxRepositoryImpl) LatestByEntity(ctx context.Context, method model.Method, entityID string) (*model.OutboxRecord, error) {
	var rec model.OutboxRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT `+outboxColumns+`
		  FROM outbox_requests
		 WHERE method_name = ? AND entity_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1
	`, method.String(), entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListStale returns SUBMITTED records nobody claimed, last published before the cutoff.
func (r *OutboxRepositoryImpl) ListStale(ctx context.Context, before time.Time, maxAttempts, limit int) ([]model.OutboxRecord, error) {
	var rows []model.OutboxRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox_requests
		 WHERE status = 'SUBMITTED' AND dispatched_at IS NULL
		   AND updated_at < ? AND publish_attempts < ?
		 ORDER BY created_at
		 LIMIT ?
	`, before, maxAttempts, limit)
	return rows, err
}

func (r *OutboxRepositoryImpl) BumpPublish(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_requests
		   SET publish_attempts = publish_attempts + 1, updated_at = NOW(3)
		 WHERE request_id = ? AND status = 'SUBMITTED' AND dispatched_at IS NULL
	`, requestID)
	return err
}

// ListStuck returns records claimed before the cutoff that never reached a terminal state.
func (r *OutboxRepositoryImpl) ListStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]model.OutboxRecord, error) {
	var rows []model.OutboxRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox_requests
		 WHERE status = 'SUBMITTED' AND dispatched_at IS NOT NULL AND dispatched_at < ?
		 ORDER BY dispatched_at
		 LIMIT ?
	`, claimedBefore, limit)
	return rows, err
}
