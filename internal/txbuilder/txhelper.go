package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NewTransferTx creates either a DynamicFeeTx or LegacyTx depending on useLegacy.
// For legacy transactions, gasFeeCap is used as the gas price.
func NewTransferTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasTipCap *big.Int, gasFeeCap *big.Int, data []byte, useLegacy bool) *types.Transaction {
	if value == nil {
		value = new(big.Int)
	}
	if useLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasFeeCap,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	if gasTipCap == nil {
		gasTipCap = new(big.Int)
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}

// gasPriceStep separates worker gas prices so two workers never tie.
var gasPriceStep = big.NewInt(100_000_000) // 0.1 gwei

// WorkerPricing returns the pricing for worker i: the base gas price plus
// (i+1) * 0.1 gwei. The increment doubles as the tip for dynamic-fee txs.
func WorkerPricing(chainID, baseGasPrice *big.Int, worker int, useLegacy bool) TxParams {
	bump := new(big.Int).Mul(gasPriceStep, big.NewInt(int64(worker+1)))
	base := baseGasPrice
	if base == nil {
		base = new(big.Int)
	}
	return TxParams{
		ChainID:   chainID,
		GasPrice:  new(big.Int).Add(base, bump),
		GasTipCap: bump,
		UseLegacy: useLegacy,
	}
}
