// Package lock serialises ledger submissions per signing account across
// dispatcher processes.
package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "teatrace:signer:"

// Locker holds an account for the duration of one ledger call.
type Locker interface {
	Lock(ctx context.Context, account string) (unlock func(), err error)
}

type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// AccountLocker is a redsync backed Locker.
type AccountLocker struct {
	rs   *redsync.Redsync
	opts Options
}

func NewAccountLocker(client *redis.Client, opts Options) *AccountLocker {
	if opts.Expiry <= 0 {
		opts.Expiry = 3 * time.Minute
	}
	if opts.Tries <= 0 {
		opts.Tries = 20
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &AccountLocker{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

func (l *AccountLocker) Lock(ctx context.Context, account string) (func(), error) {
	m := l.rs.NewMutex(keyPrefix+strings.ToLower(account),
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock account %s: %w", account, err)
	}
	return func() {
		// a fresh context so the release still happens after ctx ends
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = m.UnlockContext(uctx)
	}, nil
}
