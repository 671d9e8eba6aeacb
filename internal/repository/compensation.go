package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// CompensationRepository deletes speculative rows left by a failed ledger
// write. Every delete takes the caller's tx; InTx groups them atomically.
type CompensationRepository interface {
	InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	DeleteUser(ctx context.Context, tx *sqlx.Tx, userID int64) (int64, error)
	DeleteHarvest(ctx context.Context, tx *sqlx.Tx, harvestID string) (int64, error)
	DeleteProcessingByRequest(ctx context.Context, tx *sqlx.Tx, requestID string) (int64, error)
	DeleteBatch(ctx context.Context, tx *sqlx.Tx, batchID string) (int64, error)
	// HarvestOfBatch returns "" when no processing row is linked to the batch.
	HarvestOfBatch(ctx context.Context, tx *sqlx.Tx, batchID string) (string, error)
	DeleteConsignment(ctx context.Context, tx *sqlx.Tx, shipmentID string) (int64, error)
	DeleteReadingsByRequest(ctx context.Context, tx *sqlx.Tx, requestID string) (int64, error)
}

type CompensationRepositoryImpl struct {
	db *sqlx.DB
}

func NewCompensationRepository(db *sqlx.DB) *CompensationRepositoryImpl {
	return &CompensationRepositoryImpl{db: db}
}

var _ CompensationRepository = (*CompensationRepositoryImpl)(nil)

func (r *CompensationRepositoryImpl) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withTx(ctx, r.db, nil, fn)
}

// exec runs the statements in order and sums the affected rows.
func exec(ctx context.Context, tx *sqlx.Tx, arg any, stmts ...string) (int64, error) {
	var total int64
	for _, q := range stmts {
		res, err := tx.ExecContext(ctx, q, arg)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *CompensationRepositoryImpl) DeleteUser(ctx context.Context, tx *sqlx.Tx, userID int64) (int64, error) {
	return exec(ctx, tx, userID,
		`DELETE FROM wallets WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	)
}

func (r *CompensationRepositoryImpl) DeleteHarvest(ctx context.Context, tx *sqlx.Tx, harvestID string) (int64, error) {
	return exec(ctx, tx, harvestID, `DELETE FROM harvests WHERE harvest_id = ?`)
}

func (r *CompensationRepositoryImpl) DeleteProcessingByRequest(ctx context.Context, tx *sqlx.Tx, requestID string) (int64, error) {
	return exec(ctx, tx, requestID, `DELETE FROM processing WHERE request_id = ?`)
}

// DeleteBatch removes the batch's packets and deletes, not unlinks, every
// processing row carrying the batch id. Those rows were written by earlier
// recordProcessing requests and only had batch_id set by LinkBatch, so their
// own COMPLETED outbox records outlive them.
func (r *CompensationRepositoryImpl) DeleteBatch(ctx context.Context, tx *sqlx.Tx, batchID string) (int64, error) {
	return exec(ctx, tx, batchID,
		`DELETE FROM packets WHERE batch_id = ?`,
		`DELETE FROM processing WHERE batch_id = ?`,
	)
}

func (r *CompensationRepositoryImpl) DeleteConsignment(ctx context.Context, tx *sqlx.Tx, shipmentID string) (int64, error) {
	return exec(ctx, tx, shipmentID, `DELETE FROM consignments WHERE shipment_id = ?`)
}

func (r *CompensationRepositoryImpl) DeleteReadingsByRequest(ctx context.Context, tx *sqlx.Tx, requestID string) (int64, error) {
	return exec(ctx, tx, requestID, `DELETE FROM environment_readings WHERE request_id = ?`)
}

func (r *CompensationRepositoryImpl) HarvestOfBatch(ctx context.Context, tx *sqlx.Tx, batchID string) (string, error) {
	var harvestID string
	err := tx.GetContext(ctx, &harvestID, `SELECT harvest_id FROM processing WHERE batch_id = ? LIMIT 1`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return harvestID, err
}
