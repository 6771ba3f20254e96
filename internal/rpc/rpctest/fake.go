// Package rpctest provides an in-memory rpc.Client for tests.
package rpctest

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/txload/internal/rpc"
)

// Client is a concurrency-safe fake endpoint. Zero values are usable: pending
// nonces start at 0, balances at 0, and every send succeeds and is mined on
// the next receipt query.
type Client struct {
	Name  string
	Chain *big.Int

	// SendFunc, when set, decides the outcome of each SendTransaction call.
	SendFunc func(ctx context.Context, tx *types.Transaction) error
	// ReceiptFunc, when set, replaces the default mined-immediately receipts.
	ReceiptFunc func(ctx context.Context, hash common.Hash) (*rpc.Receipt, error)

	mu       sync.Mutex
	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
	sent     []*types.Transaction
	closed   bool
	calls    map[string]int
}

var _ rpc.Client = (*Client)(nil)

// New returns a fake client labelled name.
func New(name string) *Client {
	return &Client{Name: name, Chain: big.NewInt(1337)}
}

func (c *Client) record(method string) {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[method]++
}

// SetNonce sets the pending nonce reported for addr.
func (c *Client) SetNonce(addr common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonces == nil {
		c.nonces = make(map[common.Address]uint64)
	}
	c.nonces[addr] = nonce
}

// SetBalance sets the balance reported for addr.
func (c *Client) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances == nil {
		c.balances = make(map[common.Address]*big.Int)
	}
	c.balances[addr] = new(big.Int).Set(wei)
}

// Sent returns the transactions accepted so far, in submission order.
func (c *Client) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Transaction, len(c.sent))
	copy(out, c.sent)
	return out
}

// Calls returns how often method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// URL returns the fake's name.
func (c *Client) URL() string {
	return c.Name
}

// Call is not supported by the fake.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return nil, &rpc.RPCError{Code: -32601, Message: "method not found"}
}

// ChainID returns the configured chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	c.record("eth_chainId")
	c.mu.Unlock()
	if c.Chain == nil {
		return big.NewInt(1337), nil
	}
	return new(big.Int).Set(c.Chain), nil
}

// BlockNumber returns the number of accepted transactions.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("eth_blockNumber")
	return uint64(len(c.sent)), nil
}

// GetBalance returns the stored balance for address.
func (c *Client) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("eth_getBalance")
	if bal, ok := c.balances[address]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// GetNonce returns the stored pending nonce for address.
func (c *Client) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("eth_getTransactionCount")
	return c.nonces[address], nil
}

// SendTransaction records tx unless SendFunc rejects it.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	c.mu.Lock()
	c.record("eth_sendRawTransaction")
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return common.Hash{}, rpc.ErrClosed
	}
	if c.SendFunc != nil {
		if err := c.SendFunc(ctx, tx); err != nil {
			return common.Hash{}, err
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, tx)
	c.mu.Unlock()
	return tx.Hash(), nil
}

// GetTransactionReceipt reports every accepted transaction as mined.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
	c.mu.Lock()
	c.record("eth_getTransactionReceipt")
	c.mu.Unlock()

	if c.ReceiptFunc != nil {
		return c.ReceiptFunc(ctx, hash)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, tx := range c.sent {
		if tx.Hash() == hash {
			return &rpc.Receipt{TxHash: hash, Status: 1, BlockNumber: uint64(i + 1), GasUsed: tx.Gas()}, nil
		}
	}
	return nil, nil
}

// Close marks the client closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// ErrUnreachable is returned by Dialer for endpoints marked down.
var ErrUnreachable = errors.New("connect: connection refused")
