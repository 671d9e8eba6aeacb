package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/teatrace/internal/model"
)

// ArchiveRepository copies reconciled events into ClickHouse for analytics.
type ArchiveRepository interface {
	Archive(ctx context.Context, row model.EventLog) error
	CountByEvent(ctx context.Context, since time.Time) (map[model.EventName]uint64, error)
}

type chArchiveRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewArchiveRepository(ch *sqlx.DB) ArchiveRepository {
	return &chArchiveRepository{ch: ch}
}

// Archive writes a single row. ClickHouse inserts go through a tx-bound
// prepared statement; ReplacingMergeTree collapses replays.
func (r *chArchiveRepository) Archive(ctx context.Context, row model.EventLog) error {
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO teatrace.ledger_events
		    (event_name, entity_key, blockchain_hash, log_index, block_number, event_details, observed_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx,
		row.EventName.String(), row.EntityKey, row.BlockchainHash,
		uint32(row.LogIndex), row.BlockNumber, string(row.EventDetails), time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *chArchiveRepository) CountByEvent(ctx context.Context, since time.Time) (map[model.EventName]uint64, error) {
	var rows []struct {
		Name  string `db:"event_name"`
		Total uint64 `db:"total"`
	}
	if err := r.ch.SelectContext(ctx, &rows, `
		SELECT event_name, count() AS total
		FROM teatrace.ledger_events FINAL
		WHERE observed_at >= ?
		GROUP BY event_name
	`, since); err != nil {
		return nil, err
	}
	out := make(map[model.EventName]uint64, len(rows))
	for _, rw := range rows {
		out[model.EventName(rw.Name)] = rw.Total
	}
	return out, nil
}
