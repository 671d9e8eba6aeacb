package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/teatrace/internal/model"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return sqlx.NewDb(raw, "mysql"), mock
}

var outboxCols = []string{"request_id", "method_name", "payload", "user_id", "entity_id", "status", "tx_hash",
	"error_message", "publish_attempts", "dispatched_at", "created_at", "updated_at"}

func TestOutbox_InsertOpensOwnTx(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_requests")).
		WithArgs("r1", "recordHarvest", []byte(`["h1"]`), int64(4), "h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(), nil, model.OutboxRecord{
		RequestID: "r1", MethodName: model.MethodRecordHarvest, Payload: json.RawMessage(`["h1"]`), UserID: 4, EntityID: "h1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_Claim(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	q := regexp.QuoteMeta("UPDATE outbox_requests") + ".*" + regexp.QuoteMeta("dispatched_at IS NULL")
	mock.ExpectExec(q).WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Claim(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, ok, "second claimer loses")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_TerminalTransitionsAreConditional(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	q := regexp.QuoteMeta("WHERE request_id = ? AND status = 'SUBMITTED'")
	mock.ExpectExec(q).WithArgs("COMPLETED", "0xabc", nil, "r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("FAILED", nil, "reverted", "r1").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkCompleted(context.Background(), "r1", "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkFailed(context.Background(), "r1", "reverted")
	require.NoError(t, err)
	assert.False(t, ok, "already terminal")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_Get(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_requests WHERE request_id = ?")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(outboxCols).
			AddRow("r1", "createBatch", []byte(`["h1","b1","1",["p1"]]`), 3, "b1", "COMPLETED", "0xabc", nil, 1, now, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_requests WHERE request_id = ?")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	rec, err := repo.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	require.NotNil(t, rec.TxHash)
	assert.Equal(t, "0xabc", *rec.TxHash)

	op, err := rec.Operation()
	require.NoError(t, err)
	assert.Equal(t, "b1", op.EntityID())

	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutbox_ListStale(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)
	cutoff := time.Now().Add(-2 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("dispatched_at IS NULL")).
		WithArgs(cutoff, 5, 100).
		WillReturnRows(sqlmock.NewRows(outboxCols).
			AddRow("r9", "recordHarvest", []byte(`[]`), 1, "h9", "SUBMITTED", nil, nil, 1, nil, cutoff, cutoff))

	rows, err := repo.ListStale(context.Background(), cutoff, 5, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].DispatchedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUsers_InsertReturnsID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUsersRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("a@b.c", "FARMER", "Assam", "0x01").
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	id, err := repo.Insert(context.Background(), nil, model.User{Email: "a@b.c", Role: model.RoleFarmer, Location: "Assam", WalletAddress: "0x01"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensation_DeleteBatchInOneTx(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCompensationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM packets WHERE batch_id = ?")).WithArgs("b1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM processing WHERE batch_id = ?")).WithArgs("b1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM harvests WHERE harvest_id = ?")).WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var total int64
	err := repo.InTx(context.Background(), func(tx *sqlx.Tx) error {
		n, err := repo.DeleteBatch(context.Background(), tx, "b1")
		if err != nil {
			return err
		}
		total += n
		n, err = repo.DeleteHarvest(context.Background(), tx, "h1")
		total += n
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensation_HarvestOfBatch(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCompensationRepository(db)
	query := regexp.QuoteMeta("SELECT harvest_id FROM processing WHERE batch_id = ? LIMIT 1")

	mock.ExpectBegin()
	mock.ExpectQuery(query).WithArgs("b1").WillReturnRows(sqlmock.NewRows([]string{"harvest_id"}).AddRow("h1"))
	mock.ExpectQuery(query).WithArgs("b2").WillReturnRows(sqlmock.NewRows([]string{"harvest_id"}))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx *sqlx.Tx) error {
		got, err := repo.HarvestOfBatch(context.Background(), tx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "h1", got)

		got, err = repo.HarvestOfBatch(context.Background(), tx, "b2")
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensation_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCompensationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM wallets")).WithArgs(int64(5)).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := repo.DeleteUser(context.Background(), tx, 5)
		return err
	})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLog_AppendIsIdempotent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventLogRepository(db)
	row := model.EventLog{
		EventName: model.EventBatchCreated, EventDetails: json.RawMessage(`{}`),
		EntityKey: "b1", BlockchainHash: "0xdef", LogIndex: 2, BlockNumber: 10,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_logs")).
		WithArgs("BatchCreated", []byte(`{}`), "b1", "0xdef", uint(2), uint64(10)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_logs")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	inserted, err := repo.Append(context.Background(), row)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Append(context.Background(), row)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLog_Cursor(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventLogRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(block_number) FROM event_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(block_number) FROM event_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(77))

	_, ok, err := repo.Cursor(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	block, ok, err := repo.Cursor(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(77), block)
}

func TestEventLog_ByEntityExpandsNames(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventLogRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE entity_key = ?")+".*"+regexp.QuoteMeta("event_name IN (?, ?)")).
		WithArgs("s1", model.EventConsignmentCreated, model.EventConsignmentUpdated).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_name", "event_details", "entity_key", "blockchain_hash", "log_index", "block_number", "created_at"}).
			AddRow(1, "ConsignmentCreated", []byte(`{"consignmentId":"s1"}`), "s1", "0x1", 0, 5, now))

	rows, err := repo.ByEntity(context.Background(), "s1", model.EventConsignmentCreated, model.EventConsignmentUpdated)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.EventConsignmentCreated, rows[0].EventName)
	require.NoError(t, mock.ExpectationsWereMet())
}
