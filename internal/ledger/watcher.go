package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/model"
)

const defaultBackfillChunk = 2000

// LogSource is the log reading half of an ethclient.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Handler receives decoded events in chain order.
type Handler func(ctx context.Context, ev model.LedgerEvent) error

// Watcher reads the contract's events, first from history then live.
type Watcher struct {
	src      LogSource
	contract common.Address
	chunk    uint64
	log      *zap.Logger
}

func NewWatcher(src LogSource, contract string, log *zap.Logger) (*Watcher, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", contract)
	}
	return &Watcher{
		src:      src,
		contract: common.HexToAddress(contract),
		chunk:    defaultBackfillChunk,
		log:      log,
	}, nil
}

func (w *Watcher) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{eventIDs()},
	}
}

// Backfill replays every event from block from up to the current head and
// returns the first block not yet read.
func (w *Watcher) Backfill(ctx context.Context, from uint64, h Handler) (uint64, error) {
	head, err := w.src.BlockNumber(ctx)
	if err != nil {
		return from, classify(err)
	}
	for start := from; start <= head; start += w.chunk {
		end := min(start+w.chunk-1, head)
		logs, err := w.src.FilterLogs(ctx, w.query(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end)))
		if err != nil {
			return start, fmt.Errorf("filter logs %d-%d: %w", start, end, classify(err))
		}
		for _, lg := range logs {
			if err := w.deliver(ctx, lg, h); err != nil {
				return lg.BlockNumber, err
			}
		}
	}
	if head+1 > from {
		w.log.Info("backfill done", zap.Uint64("from", from), zap.Uint64("head", head))
		return head + 1, nil
	}
	return from, nil
}

// Follow streams live events. With catchUp set it first replays history from
// block from up to the head. The subscription is opened before the head is
// read, so logs mined during the backfill queue up in the subscription and
// are delivered afterwards; those at or below the backfilled head are skipped.
// It returns when the subscription drops, a handler fails or ctx ends.
func (w *Watcher) Follow(ctx context.Context, from uint64, catchUp bool, h Handler) error {
	ch := make(chan types.Log, 64)
	sub, err := w.src.SubscribeFilterLogs(ctx, w.query(new(big.Int).SetUint64(from), nil), ch)
	if err != nil {
		return fmt.Errorf("subscribe: %w", classify(err))
	}
	defer sub.Unsubscribe()

	var seen uint64 // first block not covered by the backfill
	if catchUp {
		if seen, err = w.Backfill(ctx, from, h); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("subscription: %w", classify(err))
		case lg := <-ch:
			if lg.BlockNumber < seen {
				continue
			}
			if err := w.deliver(ctx, lg, h); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, lg types.Log, h Handler) error {
	if lg.Removed {
		w.log.Warn("log removed by reorg", zap.String("tx_hash", lg.TxHash.Hex()), zap.Uint("log_index", lg.Index))
		return nil
	}
	ev, err := Decode(lg)
	if err != nil {
		w.log.Warn("skipping undecodable log", zap.String("tx_hash", lg.TxHash.Hex()), zap.Error(err))
		return nil
	}
	return h(ctx, ev)
}
