package outbox

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/keys"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
)

type published struct {
	key  string
	body []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{key: key, body: body})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

// capture matches any value and remembers it.
type capture struct{ v driver.Value }

func (c *capture) Match(v driver.Value) bool {
	c.v = v
	return true
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakePublisher) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	db := sqlx.NewDb(raw, "mysql")

	sealer, err := keys.NewSealer("test-password", "salt")
	require.NoError(t, err)

	pub := &fakePublisher{}
	w := NewWriter(db, repository.NewOutboxRepository(db), pub, zap.NewNop())
	svc := NewService(w, Stores{
		Users:        repository.NewUsersRepository(db),
		Harvests:     repository.NewHarvestsRepository(db),
		Processing:   repository.NewProcessingRepository(db),
		Consignments: repository.NewConsignmentsRepository(db),
	}, sealer)
	return svc, mock, pub
}

var outboxInsert = regexp.QuoteMeta("INSERT INTO outbox_requests")

func harvestStage(ctx context.Context, tx *sqlx.Tx, _ string) (Draft, error) {
	return Draft{UserID: 7, Operation: model.RecordHarvest{
		HarvestID: "h1", HarvestDate: "2024-05-01", Quality: "A", Quantity: "10", Location: "Nuwara Eliya",
	}}, nil
}

func parseIntent(t *testing.T, body []byte) (model.Intent, model.Operation) {
	t.Helper()
	in, op, err := model.ParseIntent(body)
	require.NoError(t, err)
	return in, op
}

func TestSubmit_CommitsThenPublishes(t *testing.T) {
	svc, mock, pub := newService(t)

	reqID := &capture{}
	mock.ExpectBegin()
	mock.ExpectExec(outboxInsert).
		WithArgs(reqID, "recordHarvest", sqlmock.AnyArg(), int64(7), "h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := svc.w.Submit(context.Background(), harvestStage)
	require.NoError(t, err)
	assert.Equal(t, id, reqID.v)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "7", pub.msgs[0].key)
	in, op := parseIntent(t, pub.msgs[0].body)
	assert.Equal(t, id, in.RequestID)
	assert.Equal(t, "h1", in.EntityID)
	assert.Equal(t, "10", op.(model.RecordHarvest).Quantity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_StageFailureIsPersistenceError(t *testing.T) {
	svc, mock, pub := newService(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.w.Submit(context.Background(), func(context.Context, *sqlx.Tx, string) (Draft, error) {
		return Draft{}, errors.New("deadlock")
	})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, pub.msgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_OutboxInsertFailureRollsBack(t *testing.T) {
	svc, mock, pub := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(outboxInsert).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := svc.w.Submit(context.Background(), harvestStage)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.MethodRecordHarvest, pe.Method)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, pub.msgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_InvalidOperationIsNotPersistenceError(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.w.Submit(context.Background(), func(context.Context, *sqlx.Tx, string) (Draft, error) {
		return Draft{UserID: 1, Operation: model.RecordProcessing{HarvestID: "h1", Status: "BOILING"}}, nil
	})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	var pe *PersistenceError
	assert.False(t, errors.As(err, &pe))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_PublishFailureStillReturnsID(t *testing.T) {
	svc, mock, pub := newService(t)
	pub.err = errors.New("broker down")

	mock.ExpectBegin()
	mock.ExpectExec(outboxInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := svc.w.Submit(context.Background(), harvestStage)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterUser_SealsKeyAndUsesRegistrarKey(t *testing.T) {
	svc, mock, pub := newService(t)

	addr, sealed := &capture{}, &capture{}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("farmer@example.com", "FARMER", "Kandy", addr).
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wallets")).
		WithArgs(sqlmock.AnyArg(), int64(12), sqlmock.AnyArg(), sqlmock.AnyArg(), sealed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(outboxInsert).
		WithArgs(sqlmock.AnyArg(), "registerUser", sqlmock.AnyArg(), int64(12), "12").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.RegisterUser(context.Background(), RegisterUserInput{
		Email: "  Farmer@Example.com ", Role: model.RoleFarmer, Location: "Kandy",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, RegistrarKey, pub.msgs[0].key)
	_, op := parseIntent(t, pub.msgs[0].body)
	reg := op.(model.RegisterUser)
	assert.Equal(t, "12", reg.UserID)
	assert.Equal(t, addr.v, reg.AccountAddress)

	// the wallet row holds a sealed key that opens to a key for the same address
	plain, err := svc.sealer.Open(sealed.v.(string))
	require.NoError(t, err)
	k, err := keys.ParseKey(plain)
	require.NoError(t, err)
	assert.Equal(t, reg.AccountAddress, keys.Address(k))
}

func TestRegisterUser_RejectsBadInput(t *testing.T) {
	svc, mock, _ := newService(t)

	_, err := svc.RegisterUser(context.Background(), RegisterUserInput{Email: "nope", Role: model.RoleFarmer})
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = svc.RegisterUser(context.Background(), RegisterUserInput{Email: "a@b.c", Role: "KING"})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHarvest_FormatsLedgerDate(t *testing.T) {
	svc, mock, pub := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harvests")).
		WithArgs(sqlmock.AnyArg(), int64(3), sqlmock.AnyArg(), "BOP", "12.5", "Ella").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(outboxInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.RecordHarvest(context.Background(), 3, RecordHarvestInput{
		HarvestDate: time.Date(2024, 3, 9, 6, 30, 0, 0, time.UTC),
		Quality:     "BOP",
		Quantity:    decimal.RequireFromString("12.5"),
		Location:    "Ella",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	_, op := parseIntent(t, pub.msgs[0].body)
	h := op.(model.RecordHarvest)
	assert.Equal(t, "2024-03-09", h.HarvestDate)
	assert.Len(t, h.HarvestID, 36)
}

func TestRecordHarvest_RejectsNonPositiveQuantity(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.RecordHarvest(context.Background(), 3, RecordHarvestInput{
		HarvestDate: time.Now(), Quantity: decimal.Zero,
	})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRecordProcessing_UnknownHarvest(t *testing.T) {
	svc, mock, pub := newService(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM harvests")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"harvest_id"}))

	_, err := svc.RecordProcessing(context.Background(), 5, "missing", model.ProcessingWithering)
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, pub.msgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func harvestRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"harvest_id", "user_id", "harvest_date", "quality", "quantity",
		"location", "blockchain_hash", "created_at", "updated_at"}).
		AddRow("h1", int64(3), now, "BOP", "10", "Ella", nil, now, now)
}

func TestRecordProcessing_StoresRequestID(t *testing.T) {
	svc, mock, _ := newService(t)

	reqID := &capture{}
	mock.ExpectQuery(regexp.QuoteMeta("FROM harvests")).WithArgs("h1").WillReturnRows(harvestRow())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processing")).
		WithArgs(reqID, "h1", "WITHERING", int64(5)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(outboxInsert).
		WithArgs(sqlmock.AnyArg(), "recordProcessing", sqlmock.AnyArg(), int64(5), "h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := svc.RecordProcessing(context.Background(), 5, "h1", model.ProcessingWithering)
	require.NoError(t, err)
	assert.Equal(t, id, reqID.v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatch_InsertsPacketsAndLinksHarvest(t *testing.T) {
	svc, mock, pub := newService(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM harvests")).WithArgs("h1").WillReturnRows(harvestRow())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO packets")).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE processing")).
		WithArgs(sqlmock.AnyArg(), 3, "h1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(outboxInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.CreateBatch(context.Background(), 5, CreateBatchInput{
		HarvestID: "h1", PacketWeight: decimal.RequireFromString("0.25"), NoOfPackets: 3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	_, op := parseIntent(t, pub.msgs[0].body)
	b := op.(model.CreateBatch)
	assert.True(t, strings.HasPrefix(b.BatchID, "BAT"))
	assert.Equal(t, "3", b.Quantity)
	assert.Len(t, b.PacketIDs, 3)
}

func TestCreateConsignment_OneRowPerBatch(t *testing.T) {
	svc, mock, pub := newService(t)

	dep := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consignments")).
		WithArgs(
			sqlmock.AnyArg(), "B1", int64(9), "ROAD", "TRANSIT", dep, dep.Add(48*time.Hour),
			sqlmock.AnyArg(), "B2", int64(9), "ROAD", "TRANSIT", dep, dep.Add(48*time.Hour),
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(outboxInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.CreateConsignment(context.Background(), 9, CreateConsignmentInput{
		BatchIDs: []string{"B1", "B2"}, Carrier: "ROAD", DepartureDate: dep, ETA: dep.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	_, op := parseIntent(t, pub.msgs[0].body)
	c := op.(model.CreateConsignment)
	assert.Equal(t, "2024-06-03", c.ETA)
	assert.Equal(t, []string{"B1", "B2"}, c.BatchIDs)
}

func TestCreateConsignment_EtaBeforeDeparture(t *testing.T) {
	svc, _, _ := newService(t)

	dep := time.Now()
	_, err := svc.CreateConsignment(context.Background(), 9, CreateConsignmentInput{
		BatchIDs: []string{"B1"}, Carrier: "AIR", DepartureDate: dep, ETA: dep.Add(-time.Hour),
	})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestUpdateConsignment_UnknownShipment(t *testing.T) {
	svc, mock, pub := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE consignments")).
		WithArgs("WAREHOUSE", "SHP1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.UpdateConsignment(context.Background(), 9, "SHP1", UpdateConsignmentInput{
		Temperature: "21", Humidity: "60", Status: model.TrackWarehouse,
	})
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, pub.msgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateConsignment_RecordsReading(t *testing.T) {
	svc, mock, pub := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE consignments")).
		WithArgs("RETAILER", "SHP1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO environment_readings")).
		WithArgs(sqlmock.AnyArg(), "SHP1", "RETAILER", "4", "80").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(outboxInsert).
		WithArgs(sqlmock.AnyArg(), "updateConsignment", sqlmock.AnyArg(), int64(9), "SHP1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.UpdateConsignment(context.Background(), 9, "SHP1", UpdateConsignmentInput{
		Temperature: "4", Humidity: "80", Status: model.TrackRetailer,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, "9", pub.msgs[0].key)
}

func TestPersistenceError_Unwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&PersistenceError{Method: model.MethodCreateBatch, Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "persist createBatch request: boom", err.Error())
}
