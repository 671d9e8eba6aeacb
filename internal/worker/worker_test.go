package worker

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/channel"
	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/dispatcher"
	"github.com/jmehdipour/teatrace/internal/ledger"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
)

// ---- dispatch loop ----

type fakeDelivery struct {
	body  []byte
	acked *int
}

func (d fakeDelivery) Body() []byte { return d.body }

func (d fakeDelivery) Ack(context.Context) error {
	*d.acked++
	return nil
}

type fakeSubscriber struct {
	bodies [][]byte
	acked  int
	fails  int
}

func (s *fakeSubscriber) Fetch(context.Context) (channel.Delivery, error) {
	if s.fails > 0 {
		s.fails--
		return nil, errors.New("rebalance in progress")
	}
	if len(s.bodies) == 0 {
		return nil, channel.ErrClosed
	}
	b := s.bodies[0]
	s.bodies = s.bodies[1:]
	return fakeDelivery{body: b, acked: &s.acked}, nil
}

func (s *fakeSubscriber) Close() error { return nil }

type fakeHandler struct {
	ready    []bool
	released int
	handled  []string
	outcome  dispatcher.Outcome
}

func (h *fakeHandler) Ready() bool {
	if len(h.ready) == 0 {
		return true
	}
	r := h.ready[0]
	h.ready = h.ready[1:]
	return r
}

func (h *fakeHandler) Release() { h.released++ }

func (h *fakeHandler) Handle(_ context.Context, body []byte) dispatcher.Result {
	h.handled = append(h.handled, string(body))
	return dispatcher.Result{RequestID: string(body), Outcome: h.outcome}
}

func newDispatch(sub *fakeSubscriber, h *fakeHandler) *Dispatch {
	w := NewDispatch(sub, h, zap.NewNop())
	w.Pause = time.Millisecond
	w.FetchRetry = time.Millisecond
	return w
}

func TestDispatch_AcksEveryOutcome(t *testing.T) {
	for _, o := range []dispatcher.Outcome{dispatcher.Committed, dispatcher.Compensated, dispatcher.Poison, dispatcher.InFlight} {
		sub := &fakeSubscriber{bodies: [][]byte{[]byte("a"), []byte("b")}}
		h := &fakeHandler{outcome: o}

		err := newDispatch(sub, h).Run(context.Background())
		require.ErrorIs(t, err, channel.ErrClosed)
		assert.Equal(t, []string{"a", "b"}, h.handled, o)
		assert.Equal(t, 2, sub.acked, o)
	}
}

func TestDispatch_WaitsWhileBreakerOpen(t *testing.T) {
	sub := &fakeSubscriber{bodies: [][]byte{[]byte("a")}}
	h := &fakeHandler{ready: []bool{false, false, true}, outcome: dispatcher.Committed}

	err := newDispatch(sub, h).Run(context.Background())
	require.ErrorIs(t, err, channel.ErrClosed)
	assert.Equal(t, []string{"a"}, h.handled)
}

func TestDispatch_FetchErrorReleasesAdmission(t *testing.T) {
	sub := &fakeSubscriber{bodies: [][]byte{[]byte("a")}, fails: 2}
	h := &fakeHandler{outcome: dispatcher.Committed}

	err := newDispatch(sub, h).Run(context.Background())
	require.ErrorIs(t, err, channel.ErrClosed)
	// two failed fetches plus the final closed one
	assert.Equal(t, 3, h.released)
	assert.Equal(t, 1, sub.acked)
}

func TestDispatch_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newDispatch(&fakeSubscriber{}, &fakeHandler{}).Run(ctx)
	assert.NoError(t, err)
}

// ---- listener ----

type memEvents struct {
	block uint64
	ok    bool
}

func (m *memEvents) Append(context.Context, model.EventLog) (bool, error) { return true, nil }

func (m *memEvents) Cursor(context.Context) (uint64, bool, error) { return m.block, m.ok, nil }

func (m *memEvents) ByEntity(context.Context, string, ...model.EventName) ([]model.EventLog, error) {
	return nil, nil
}

var _ repository.EventLogRepository = (*memEvents)(nil)

type call struct {
	from    uint64
	catchUp bool
}

// scriptedSource replays a fixed script of follow rounds.
type scriptedSource struct {
	mu     sync.Mutex
	calls  []call
	rounds []func(ctx context.Context, h ledger.Handler) error
	cancel context.CancelFunc
}

func (s *scriptedSource) Follow(ctx context.Context, from uint64, catchUp bool, h ledger.Handler) error {
	s.mu.Lock()
	s.calls = append(s.calls, call{from, catchUp})
	if len(s.rounds) == 0 {
		s.mu.Unlock()
		s.cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	round := s.rounds[0]
	s.rounds = s.rounds[1:]
	s.mu.Unlock()
	return round(ctx, h)
}

type recordingReconciler struct {
	blocks []uint64
	failAt uint64
}

func (r *recordingReconciler) Reconcile(_ context.Context, ev model.LedgerEvent) error {
	if ev.BlockNumber == r.failAt {
		r.failAt = 0
		return errors.New("deadlock found")
	}
	r.blocks = append(r.blocks, ev.BlockNumber)
	return nil
}

func event(block uint64) model.LedgerEvent {
	return model.LedgerEvent{Name: model.EventLeavesHarvested, BlockNumber: block, Payload: model.LeavesHarvested{HarvestID: "h"}}
}

func TestListener_ResumesFromCursorAndAfterDrops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{cancel: cancel}
	src.rounds = []func(context.Context, ledger.Handler) error{
		// catch up from the cursor, then fail reconciling block 64
		func(ctx context.Context, h ledger.Handler) error {
			require.NoError(t, h(ctx, event(52)))
			require.NoError(t, h(ctx, event(63)))
			return h(ctx, event(64))
		},
		// resume at the failed block, then the subscription drops
		func(ctx context.Context, h ledger.Handler) error {
			require.NoError(t, h(ctx, event(64)))
			require.NoError(t, h(ctx, event(70)))
			return errors.New("ws closed")
		},
	}
	rec := &recordingReconciler{failAt: 64}
	cfg := config.ListenerConfig{Backfill: true, RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond}

	l := NewListener(src, rec, &memEvents{block: 50, ok: true}, cfg, 0, zap.NewNop())
	require.NoError(t, l.Run(ctx))

	assert.Equal(t, []uint64{52, 63, 64, 70}, rec.blocks)
	assert.Equal(t, []call{{50, true}, {64, true}, {70, true}}, src.calls)
}

func TestListener_StartsAtConfiguredBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{cancel: cancel}

	l := NewListener(src, &recordingReconciler{}, &memEvents{}, config.ListenerConfig{Backfill: false}, 1200, zap.NewNop())
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, []call{{1200, false}}, src.calls)
}

// ---- reaper ----

type fakeRepublisher struct {
	sent []string
	fail map[string]bool
}

func (f *fakeRepublisher) Publish(_ context.Context, rec model.OutboxRecord) error {
	if f.fail[rec.RequestID] {
		return errors.New("broker down")
	}
	f.sent = append(f.sent, rec.RequestID)
	return nil
}

func outboxRows(ids ...string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{"request_id", "method_name", "payload", "user_id", "entity_id", "status", "tx_hash",
		"error_message", "publish_attempts", "dispatched_at", "created_at", "updated_at"})
	for _, id := range ids {
		rows.AddRow(id, "recordHarvest", []byte(`[]`), int64(1), "h1", "SUBMITTED", nil, nil, 1, nil, now, now)
	}
	return rows
}

func TestReaper_RepublishesStaleIntents(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "mysql")

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakeRepublisher{fail: map[string]bool{"r2": true}}
	r := NewReaper(repository.NewOutboxRepository(db), pub, config.ReaperConfig{
		StaleAfter: 2 * time.Minute, StuckAfter: 30 * time.Minute, BatchSize: 10, MaxAttempts: 5,
	}, zap.NewNop())
	r.now = func() time.Time { return now }

	mock.ExpectQuery(regexp.QuoteMeta("dispatched_at IS NULL")).
		WithArgs(now.Add(-2*time.Minute), 5, 10).
		WillReturnRows(outboxRows("r1", "r2"))
	mock.ExpectExec(regexp.QuoteMeta("SET publish_attempts = publish_attempts + 1")).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("dispatched_at IS NOT NULL")).
		WithArgs(now.Add(-30*time.Minute), 10).
		WillReturnRows(outboxRows())

	require.NoError(t, r.Sweep(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []string{"r1"}, pub.sent)
}
