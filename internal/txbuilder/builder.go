// Package txbuilder builds and signs the transactions workers submit: plain
// value transfers or a call to a forwarder contract's forward(address).
package txbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Mode selects the transaction shape.
type Mode string

const (
	// ModeDirect sends value straight to the recipient.
	ModeDirect Mode = "direct"
	// ModeForward calls forward(recipient) on a forwarder contract.
	ModeForward Mode = "forward"
)

// TransferGasLimit is the gas limit of a plain value transfer.
const TransferGasLimit = 21000

// Job is one send attempt before signing.
type Job struct {
	Recipient common.Address // Final beneficiary
	To        common.Address // Transaction target: recipient or forwarder
	Value     *big.Int
	GasLimit  uint64
	Data      []byte
	Nonce     uint64
}

// TxParams holds the per-sender pricing and chain parameters.
type TxParams struct {
	ChainID   *big.Int
	GasPrice  *big.Int // Legacy gas price, or fee cap for dynamic-fee txs
	GasTipCap *big.Int // Only used for dynamic-fee txs
	UseLegacy bool
}

// Builder turns a recipient and nonce into a Job.
type Builder interface {
	// Mode returns the transaction shape this builder produces.
	Mode() Mode

	// GasLimit returns the gas limit used for every job.
	GasLimit() uint64

	// Job creates the job for one send attempt.
	Job(recipient common.Address, value *big.Int, nonce uint64) (Job, error)
}

// Tx converts the job into an unsigned transaction.
func (j Job) Tx(params TxParams) *types.Transaction {
	return NewTransferTx(params.ChainID, j.Nonce, j.To, j.Value, j.GasLimit, params.GasTipCap, params.GasPrice, j.Data, params.UseLegacy)
}

// Sign builds and signs the job's transaction with key.
func (j Job) Sign(key *ecdsa.PrivateKey, params TxParams) (*types.Transaction, error) {
	if params.ChainID == nil || params.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and non-zero")
	}
	signer := types.LatestSignerForChainID(params.ChainID)
	signed, err := types.SignTx(j.Tx(params), signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

// TransferBuilder builds plain value transfers.
type TransferBuilder struct{}

// NewTransferBuilder creates a direct transfer builder.
func NewTransferBuilder() *TransferBuilder {
	return &TransferBuilder{}
}

// Mode returns ModeDirect.
func (b *TransferBuilder) Mode() Mode {
	return ModeDirect
}

// GasLimit returns 21000.
func (b *TransferBuilder) GasLimit() uint64 {
	return TransferGasLimit
}

// Job creates a transfer job.
func (b *TransferBuilder) Job(recipient common.Address, value *big.Int, nonce uint64) (Job, error) {
	return Job{
		Recipient: recipient,
		To:        recipient,
		Value:     value,
		GasLimit:  TransferGasLimit,
		Nonce:     nonce,
	}, nil
}
