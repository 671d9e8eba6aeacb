// Package dispatcher turns channel intents into ledger transactions and
// settles their outbox records.
package dispatcher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/keys"
	"github.com/jmehdipour/teatrace/internal/ledger"
	"github.com/jmehdipour/teatrace/internal/lock"
	"github.com/jmehdipour/teatrace/internal/metrics"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
)

// Signers hands out signing keys. keys.Resolver implements it.
type Signers interface {
	Admin() *ecdsa.PrivateKey
	SigningKey(ctx context.Context, userID int64) (*ecdsa.PrivateKey, error)
}

type Config struct {
	CallTimeout time.Duration
	// SettleTimeout bounds the retries of a terminal outbox transition.
	SettleTimeout  time.Duration
	SettleInterval time.Duration
}

type Dispatcher struct {
	outbox  repository.OutboxRepository
	comp    repository.CompensationRepository
	ledger  ledger.Client
	signers Signers
	locker  lock.Locker
	breaker *Breaker
	cfg     Config
	log     *zap.Logger
}

func New(
	outbox repository.OutboxRepository,
	comp repository.CompensationRepository,
	client ledger.Client,
	signers Signers,
	locker lock.Locker,
	breaker *Breaker,
	cfg Config,
	log *zap.Logger,
) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = 200 * time.Millisecond
	}
	if breaker == nil {
		breaker = NewBreaker(3, 15*time.Second)
	}
	return &Dispatcher{
		outbox:  outbox,
		comp:    comp,
		ledger:  client,
		signers: signers,
		locker:  locker,
		breaker: breaker,
		cfg:     cfg,
		log:     log,
	}
}

// Ready admits the next intent. It is false while the ledger breaker is open.
// Every admission must be followed by Handle or Release.
func (d *Dispatcher) Ready() bool { return d.breaker.TryAcquire() }

// Release gives back an admission when no intent was handled.
func (d *Dispatcher) Release() { d.breaker.Release() }

// Handle processes one channel message. Only the consumer that wins the claim
// on the outbox record calls the ledger.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) (res Result) {
	invoked := false
	defer func() {
		if !invoked {
			d.breaker.Release()
		}
		metrics.OutboxTotal.WithLabelValues(string(res.Outcome), res.Method.String()).Inc()
	}()

	// a message that names its record is handled from the stored payload
	in, _, err := model.ParseIntent(body)
	if in.RequestID == "" {
		d.log.Error("poison intent", zap.ByteString("body", body), zap.Error(err))
		return Result{RequestID: in.RequestID, Method: in.MethodName, Outcome: Poison, Err: err}
	}
	res = Result{RequestID: in.RequestID, Method: in.MethodName}
	log := d.log.With(zap.String("request_id", in.RequestID), zap.String("method", in.MethodName.String()))

	rec, err := d.outbox.Get(ctx, in.RequestID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("intent without outbox record")
		res.Outcome = Orphaned
		return res
	}
	if err != nil {
		log.Error("load outbox record", zap.Error(err))
		res.Outcome, res.Err = InFlight, err
		return res
	}
	if rec.Status.Terminal() {
		log.Debug("record already settled", zap.String("status", rec.Status.String()))
		res.Outcome = Duplicate
		return res
	}

	// the stored payload is authoritative, the message only names the record
	op, decodeErr := rec.Operation()

	won, err := d.outbox.Claim(ctx, rec.RequestID)
	if err != nil {
		log.Error("claim outbox record", zap.Error(err))
		res.Outcome, res.Err = InFlight, err
		return res
	}
	if !won {
		log.Debug("claim lost")
		res.Outcome = InFlight
		return res
	}

	if decodeErr != nil {
		log.Error("undecodable outbox payload", zap.Error(decodeErr))
		return d.fail(ctx, log, res, rec, nil, Poison, decodeErr)
	}

	invoked = true
	hash, err := d.invoke(ctx, rec, op)
	res.TxHash = hash

	// settle even if ctx ended during the call
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		log.Warn("ledger write failed", zap.String("tx_hash", hash), zap.Error(err))
		failure := &DispatchFailure{RequestID: rec.RequestID, Method: rec.MethodName, Err: err}
		return d.fail(ctx, log, res, rec, op, Compensated, failure)
	}

	ok, merr := d.settle(ctx, log, func(ctx context.Context) (bool, error) {
		return d.outbox.MarkCompleted(ctx, rec.RequestID, hash)
	})
	if merr != nil {
		// the record stays claimed; the reaper reports it as stuck
		log.Error("mark completed", zap.String("tx_hash", hash), zap.Error(merr))
		res.Outcome, res.Err = Unsettled, merr
		return res
	}
	if !ok {
		log.Warn("record settled by someone else", zap.String("tx_hash", hash))
	}
	log.Info("ledger write committed", zap.String("tx_hash", hash))
	res.Outcome = Committed
	return res
}

// fail marks a claimed record FAILED and removes its speculative rows. op is
// nil when the stored payload could not be decoded. outcome is reported when
// compensation succeeds.
func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, res Result, rec *model.OutboxRecord, op model.Operation, outcome Outcome, cause error) Result {
	ok, merr := d.settle(ctx, log, func(ctx context.Context) (bool, error) {
		return d.outbox.MarkFailed(ctx, rec.RequestID, cause.Error())
	})
	if merr != nil {
		log.Error("mark failed", zap.Error(merr))
		res.Outcome, res.Err = Unsettled, errors.Join(cause, merr)
		return res
	}
	if !ok {
		res.Outcome, res.Err = Duplicate, cause
		return res
	}

	if cerr := d.compensate(ctx, rec, op); cerr != nil {
		log.Error("compensation failed", zap.Error(cerr))
		res.Outcome = CompensationFailed
		res.Err = &CompensationError{RequestID: rec.RequestID, Method: rec.MethodName, Cause: cause, Err: cerr}
		return res
	}
	res.Outcome, res.Err = outcome, cause
	return res
}

// settle retries a terminal transition until it is stored or SettleTimeout
// runs out.
func (d *Dispatcher) settle(ctx context.Context, log *zap.Logger, mark func(ctx context.Context) (bool, error)) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.SettleInterval
	b.MaxElapsedTime = d.cfg.SettleTimeout

	var ok bool
	err := backoff.RetryNotify(func() error {
		var err error
		ok, err = mark(ctx)
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn("settle outbox record", zap.Duration("retry_in", wait), zap.Error(err))
	})
	return ok, err
}

// invoke signs and submits op under the signer's account lock. The key is
// dropped when invoke returns.
func (d *Dispatcher) invoke(ctx context.Context, rec *model.OutboxRecord, op model.Operation) (string, error) {
	signer, err := d.signer(ctx, rec)
	if err != nil {
		d.breaker.Release()
		return "", fmt.Errorf("resolve signer: %w", err)
	}

	if d.locker != nil {
		unlock, err := d.locker.Lock(ctx, keys.Address(signer))
		if err != nil {
			d.breaker.Release()
			return "", err
		}
		defer unlock()
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	hash, err := d.ledger.Invoke(callCtx, op, signer)
	metrics.LedgerCallSeconds.WithLabelValues(op.Method().String(), callOutcome(err)).Observe(time.Since(start).Seconds())

	if errors.Is(err, ledger.ErrUnavailable) {
		d.breaker.OnFailure()
	} else {
		d.breaker.OnSuccess()
	}
	return hash, err
}

func (d *Dispatcher) signer(ctx context.Context, rec *model.OutboxRecord) (*ecdsa.PrivateKey, error) {
	if rec.MethodName == model.MethodRegisterUser {
		return d.signers.Admin(), nil
	}
	return d.signers.SigningKey(ctx, rec.UserID)
}

// compensate removes the rows the outbox writer inserted for the record, in
// one tx. It keys on the record's method and entity so it also works when op
// is nil.
func (d *Dispatcher) compensate(ctx context.Context, rec *model.OutboxRecord, op model.Operation) error {
	return d.comp.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		switch rec.MethodName {
		case model.MethodRegisterUser:
			id, perr := strconv.ParseInt(rec.EntityID, 10, 64)
			if perr != nil {
				return fmt.Errorf("user id %q: %w", rec.EntityID, perr)
			}
			_, err = d.comp.DeleteUser(ctx, tx, id)
		case model.MethodRecordHarvest:
			_, err = d.comp.DeleteHarvest(ctx, tx, rec.EntityID)
		case model.MethodRecordProcessing:
			_, err = d.comp.DeleteProcessingByRequest(ctx, tx, rec.RequestID)
		case model.MethodCreateBatch:
			var harvestID string
			if o, ok := op.(model.CreateBatch); ok {
				harvestID = o.HarvestID
			} else if harvestID, err = d.comp.HarvestOfBatch(ctx, tx, rec.EntityID); err != nil {
				return err
			}
			if _, err = d.comp.DeleteBatch(ctx, tx, rec.EntityID); err == nil && harvestID != "" {
				_, err = d.comp.DeleteHarvest(ctx, tx, harvestID)
			}
		case model.MethodCreateConsignment:
			_, err = d.comp.DeleteConsignment(ctx, tx, rec.EntityID)
		case model.MethodUpdateConsignment:
			if _, err = d.comp.DeleteReadingsByRequest(ctx, tx, rec.RequestID); err == nil {
				_, err = d.comp.DeleteConsignment(ctx, tx, rec.EntityID)
			}
		default:
			return fmt.Errorf("%w: %s", model.ErrUnknownMethod, rec.MethodName)
		}
		return err
	})
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrReverted):
		return "reverted"
	case errors.Is(err, ledger.ErrTimeout):
		return "timeout"
	case errors.Is(err, ledger.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
