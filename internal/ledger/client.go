package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/model"
)

// Client submits operations to the supply chain contract and reads its state.
// Invoke blocks until the transaction is mined or ctx ends.
type Client interface {
	Invoke(ctx context.Context, op model.Operation, signer *ecdsa.PrivateKey) (string, error)
	Query(ctx context.Context, method string, args ...any) ([]any, error)
}

// Backend is the subset of an ethclient the Client needs.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type EthClient struct {
	backend  Backend
	contract *bind.BoundContract
	chainID  *big.Int
	gasLimit uint64
	gasPrice *big.Int
	log      *zap.Logger
}

// Dial connects to the node RPC endpoint.
func Dial(ctx context.Context, url string, timeout time.Duration) (*ethclient.Client, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

func NewEthClient(backend Backend, cfg config.LedgerConfig, log *zap.Logger) (*EthClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.ContractAddress)
	}
	addr := common.HexToAddress(cfg.ContractAddress)

	c := &EthClient{
		backend:  backend,
		contract: bind.NewBoundContract(addr, contractABI, backend, backend, backend),
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit: cfg.GasLimit,
		log:      log,
	}
	if cfg.GasPrice > 0 {
		c.gasPrice = big.NewInt(cfg.GasPrice)
	}
	return c, nil
}

func (c *EthClient) Invoke(ctx context.Context, op model.Operation, signer *ecdsa.PrivateKey) (string, error) {
	if signer == nil {
		return "", errors.New("ledger: nil signer")
	}
	method, args, err := contractCall(op)
	if err != nil {
		return "", err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(signer, c.chainID)
	if err != nil {
		return "", err
	}
	opts.Context = ctx
	opts.GasLimit = c.gasLimit
	opts.GasPrice = c.gasPrice

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return "", classify(err)
	}
	hash := tx.Hash().Hex()
	c.log.Debug("transaction sent", zap.String("method", method), zap.String("tx_hash", hash), zap.Uint64("nonce", tx.Nonce()))

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return hash, classify(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("%w: %s in block %d", ErrReverted, hash, receipt.BlockNumber.Uint64())
	}
	return hash, nil
}

func (c *EthClient) Query(ctx context.Context, method string, args ...any) ([]any, error) {
	m, ok := contractABI.Methods[method]
	if !ok || !m.IsConstant() {
		return nil, fmt.Errorf("%w: %q is not a view method", model.ErrUnknownMethod, method)
	}
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
