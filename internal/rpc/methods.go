package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// methods implements the typed eth_* calls on top of a raw Call function so
// the HTTP and websocket clients share one decoding path.
type methods struct {
	call               func(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	preferPendingNonce bool
}

func (m methods) callUint64(ctx context.Context, method string, params []interface{}) (uint64, error) {
	result, err := m.call(ctx, method, params)
	if err != nil {
		return 0, err
	}
	var v hexutil.Uint64
	if err := json.Unmarshal(result, &v); err != nil {
		return 0, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return uint64(v), nil
}

func (m methods) callBig(ctx context.Context, method string, params []interface{}) (*big.Int, error) {
	result, err := m.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var v hexutil.Big
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return v.ToInt(), nil
}

// ChainID returns the chain identifier.
func (m methods) ChainID(ctx context.Context) (*big.Int, error) {
	return m.callBig(ctx, "eth_chainId", nil)
}

// BlockNumber returns the latest block number.
func (m methods) BlockNumber(ctx context.Context) (uint64, error) {
	return m.callUint64(ctx, "eth_blockNumber", nil)
}

// GetBalance returns the balance for an address at the latest block.
func (m methods) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return m.callBig(ctx, "eth_getBalance", []interface{}{address.Hex(), "latest"})
}

// GetNonce returns the pending transaction count for an address.
func (m methods) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	if m.preferPendingNonce {
		if n, err := m.callUint64(ctx, "eth_getPendingNonce", []interface{}{address.Hex()}); err == nil {
			return n, nil
		}
	}
	return m.callUint64(ctx, "eth_getTransactionCount", []interface{}{address.Hex(), "pending"})
}

// SendTransaction encodes tx and submits it with eth_sendRawTransaction.
func (m methods) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	result, err := m.call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)})
	if err != nil {
		return common.Hash{}, err
	}

	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return tx.Hash(), nil
	}
	return hash, nil
}

// GetTransactionReceipt returns the receipt for a transaction, or nil if the
// node does not know it yet.
func (m methods) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	result, err := m.call(ctx, "eth_getTransactionReceipt", []interface{}{hash.Hex()})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var raw struct {
		TxHash      common.Hash    `json:"transactionHash"`
		Status      hexutil.Uint64 `json:"status"`
		BlockNumber hexutil.Uint64 `json:"blockNumber"`
		GasUsed     hexutil.Uint64 `json:"gasUsed"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	return &Receipt{
		TxHash:      raw.TxHash,
		Status:      uint64(raw.Status),
		BlockNumber: uint64(raw.BlockNumber),
		GasUsed:     uint64(raw.GasUsed),
	}, nil
}
