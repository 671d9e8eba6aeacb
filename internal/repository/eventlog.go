package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/teatrace/internal/model"
)

// EventLogRepository is the append-only audit trail of observed ledger events.
type EventLogRepository interface {
	// Append inserts the row unless (blockchain_hash, log_index) is already
	// present. It reports whether a new row was written.
	Append(ctx context.Context, row model.EventLog) (bool, error)
	// Cursor returns the highest block seen so far.
	Cursor(ctx context.Context) (uint64, bool, error)
	ByEntity(ctx context.Context, entityKey string, names ...model.EventName) ([]model.EventLog, error)
}

type EventLogRepositoryImpl struct {
	db *sqlx.DB
}

func NewEventLogRepository(db *sqlx.DB) *EventLogRepositoryImpl {
	return &EventLogRepositoryImpl{db: db}
}

var _ EventLogRepository = (*EventLogRepositoryImpl)(nil)

func (r *EventLogRepositoryImpl) Append(ctx context.Context, row model.EventLog) (bool, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_logs
		    (event_name, event_details, entity_key, blockchain_hash, log_index, block_number, created_at)
		VALUES
		    (?,          ?,             ?,          ?,               ?,         ?,            NOW(3))
	`, row.EventName.String(), []byte(row.EventDetails), row.EntityKey, row.BlockchainHash, row.LogIndex, row.BlockNumber)
	if isDuplicate(err) {
		return false, nil
	}
	return err == nil, err
}

func (r *EventLogRepositoryImpl) Cursor(ctx context.Context) (uint64, bool, error) {
	var block sql.NullInt64
	if err := r.db.GetContext(ctx, &block, `SELECT MAX(block_number) FROM event_logs`); err != nil {
		return 0, false, err
	}
	if !block.Valid {
		return 0, false, nil
	}
	return uint64(block.Int64), true, nil
}

func (r *EventLogRepositoryImpl) ByEntity(ctx context.Context, entityKey string, names ...model.EventName) ([]model.EventLog, error) {
	q := `
		SELECT id, event_name, event_details, entity_key, blockchain_hash, log_index, block_number, created_at
		  FROM event_logs
		 WHERE entity_key = ?
	`
	args := []any{entityKey}
	if len(names) > 0 {
		q += " AND event_name IN (?)"
		args = append(args, names)
	}
	q += " ORDER BY block_number, log_index"

	query, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, err
	}

	var rows []model.EventLog
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rows, nil
}
