package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/channel"
	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/db"
	"github.com/jmehdipour/teatrace/internal/dispatcher"
	"github.com/jmehdipour/teatrace/internal/keys"
	"github.com/jmehdipour/teatrace/internal/ledger"
	"github.com/jmehdipour/teatrace/internal/lock"
	"github.com/jmehdipour/teatrace/internal/reconciler"
	"github.com/jmehdipour/teatrace/internal/repository"
	"github.com/jmehdipour/teatrace/internal/service/outbox"
	"github.com/jmehdipour/teatrace/internal/worker"
)

type runner interface {
	Run(ctx context.Context) error
}

// resources opens shared connections lazily and closes them in reverse order.
type resources struct {
	cfg     config.Config
	log     *zap.Logger
	mysql   *sqlx.DB
	redis   *redis.Client
	closers []func()
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (r *resources) MySQL() (*sqlx.DB, error) {
	if r.mysql != nil {
		return r.mysql, nil
	}
	dbx, err := db.NewMySQLConnection(r.cfg.MySQL.DSN, db.MySQLOptsFrom(r.cfg.MySQL))
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	r.mysql = dbx
	r.closers = append(r.closers, func() { _ = dbx.Close() })
	return dbx, nil
}

func (r *resources) Redis() (*redis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	rds, err := db.NewRedisClient(db.RedisOptsFrom(r.cfg.Redis))
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	r.redis = rds
	r.closers = append(r.closers, func() { _ = rds.Close() })
	return rds, nil
}

func buildDispatcher(ctx context.Context, r *resources) (runner, error) {
	cfg := r.cfg
	dbx, err := r.MySQL()
	if err != nil {
		return nil, err
	}
	rds, err := r.Redis()
	if err != nil {
		return nil, err
	}

	sub, err := channel.NewSubscriber(cfg)
	if err != nil {
		return nil, fmt.Errorf("channel subscriber: %w", err)
	}
	r.closers = append(r.closers, func() { _ = sub.Close() })

	backend, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("ledger dial: %w", err)
	}
	r.closers = append(r.closers, backend.Close)

	client, err := ledger.NewEthClient(backend, cfg.Ledger, r.log)
	if err != nil {
		return nil, err
	}

	sealer, err := keys.NewSealer(cfg.Keys.Password, cfg.Keys.Salt)
	if err != nil {
		return nil, fmt.Errorf("key sealer: %w", err)
	}
	signers, err := keys.NewResolver(repository.NewUsersRepository(dbx), sealer, cfg.Ledger.AdminKey)
	if err != nil {
		return nil, err
	}

	locker := lock.NewAccountLocker(rds, lock.Options{
		Expiry:     cfg.Dispatcher.LockExpiry,
		Tries:      cfg.Dispatcher.LockTries,
		RetryDelay: cfg.Dispatcher.LockRetryDelay,
	})
	breaker := dispatcher.NewBreaker(
		cfg.Dispatcher.Breaker.FailThreshold,
		time.Duration(cfg.Dispatcher.Breaker.OpenForMs)*time.Millisecond,
	)

	d := dispatcher.New(
		repository.NewOutboxRepository(dbx),
		repository.NewCompensationRepository(dbx),
		client,
		signers,
		locker,
		breaker,
		dispatcher.Config{CallTimeout: cfg.Dispatcher.CallTimeout, SettleTimeout: cfg.Dispatcher.SettleTimeout},
		r.log.Named("dispatcher"),
	)

	r.log.Info("dispatcher ready",
		zap.String("channel", cfg.Channel.Driver),
		zap.String("topic", cfg.Channel.Topic),
		zap.Duration("call_timeout", cfg.Dispatcher.CallTimeout),
	)
	return worker.NewDispatch(sub, d, r.log.Named("dispatch")), nil
}

func buildListener(ctx context.Context, r *resources) (runner, error) {
	cfg := r.cfg
	dbx, err := r.MySQL()
	if err != nil {
		return nil, err
	}

	// live subscriptions need the websocket endpoint
	src, err := ledger.Dial(ctx, cfg.Ledger.WSURL, cfg.Ledger.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("ledger dial: %w", err)
	}
	r.closers = append(r.closers, src.Close)

	watcher, err := ledger.NewWatcher(src, cfg.Ledger.ContractAddress, r.log.Named("watcher"))
	if err != nil {
		return nil, err
	}

	events := repository.NewEventLogRepository(dbx)
	stores := reconciler.Stores{
		Users:        repository.NewUsersRepository(dbx),
		Harvests:     repository.NewHarvestsRepository(dbx),
		Processing:   repository.NewProcessingRepository(dbx),
		Consignments: repository.NewConsignmentsRepository(dbx),
		Outbox:       repository.NewOutboxRepository(dbx),
		Events:       events,
	}
	if cfg.Listener.ArchiveEnabled && cfg.ClickHouse.DSN != "" {
		chDB, err := db.NewClickHouseConnection(db.ClickHouseOptsFrom(cfg.ClickHouse))
		if err != nil {
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		r.closers = append(r.closers, func() { _ = chDB.Close() })
		stores.Archive = repository.NewArchiveRepository(chDB)
	}

	rec := reconciler.New(stores, r.log.Named("reconciler"))
	return worker.NewListener(watcher, rec, events, cfg.Listener, cfg.Ledger.FromBlock, r.log.Named("listener")), nil
}

func buildReaper(_ context.Context, r *resources) (runner, error) {
	dbx, err := r.MySQL()
	if err != nil {
		return nil, err
	}

	pub, err := channel.NewPublisher(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("channel publisher: %w", err)
	}
	r.closers = append(r.closers, func() { _ = pub.Close() })

	outboxRepo := repository.NewOutboxRepository(dbx)
	writer := outbox.NewWriter(dbx, outboxRepo, pub, r.log.Named("outbox"))
	return worker.NewReaper(outboxRepo, writer, r.cfg.Reaper, r.log.Named("reaper")), nil
}

// runAll runs every runner until ctx ends or one of them fails.
func runAll(ctx context.Context, runners []runner) error {
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for _, w := range runners {
		p.Go(w.Run)
	}
	return p.Wait()
}
