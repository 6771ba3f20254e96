package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// EthClient implements Client on top of go-ethereum's ethclient, which owns
// connection management for both http and ws endpoints. It backs the
// provider-managed submission mode.
type EthClient struct {
	url    string
	rpc    *gethrpc.Client
	eth    *ethclient.Client
	logger *slog.Logger
}

var _ Client = (*EthClient)(nil)

// DialEth connects to cfg.URL with go-ethereum's rpc package.
func DialEth(ctx context.Context, cfg ClientConfig) (*EthClient, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: NewTransport(), Timeout: cfg.Timeout}
	}

	rc, err := gethrpc.DialOptions(ctx, cfg.URL, gethrpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}

	return &EthClient{
		url:    cfg.URL,
		rpc:    rc,
		eth:    ethclient.NewClient(rc),
		logger: logger,
	}, nil
}

// URL returns the endpoint URL.
func (c *EthClient) URL() string {
	return c.url
}

// Call makes a raw JSON-RPC call.
func (c *EthClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.rpc.CallContext(ctx, &result, method, params...); err != nil {
		return nil, wrapGethError(err)
	}
	return result, nil
}

// ChainID returns the chain identifier.
func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	return id, wrapGethError(err)
}

// BlockNumber returns the latest block number.
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	return n, wrapGethError(err)
}

// GetBalance returns the latest balance of address.
func (c *EthClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, address, nil)
	return bal, wrapGethError(err)
}

// GetNonce returns the pending transaction count of address.
func (c *EthClient) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	n, err := c.eth.PendingNonceAt(ctx, address)
	return n, wrapGethError(err)
}

// SendTransaction submits tx through ethclient.
func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, wrapGethError(err)
	}
	return tx.Hash(), nil
}

// GetTransactionReceipt returns the receipt, or nil if not yet mined.
func (c *EthClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapGethError(err)
	}

	var block uint64
	if r.BlockNumber != nil {
		block = r.BlockNumber.Uint64()
	}
	return &Receipt{
		TxHash:      r.TxHash,
		Status:      r.Status,
		BlockNumber: block,
		GasUsed:     r.GasUsed,
	}, nil
}

// Close closes the underlying rpc client.
func (c *EthClient) Close() error {
	c.eth.Close()
	return nil
}

// wrapGethError converts go-ethereum JSON-RPC errors into *RPCError so callers
// can classify them the same way regardless of transport.
func wrapGethError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return &RPCError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}
	return err
}
