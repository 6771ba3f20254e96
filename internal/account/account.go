// Package account derives worker signing identities, tracks their local
// nonces, and funds them from a seed account.
package account

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/txload/internal/rpc"
)

// Account holds a signing key and its locally tracked nonce.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	mu    sync.Mutex
	nonce uint64
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key, with
// or without 0x prefix.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// Next returns the current nonce and advances the counter by one.
func (a *Account) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.nonce
	a.nonce++
	return n
}

// Rollback steps the counter back by one so the next send reuses the value.
// Returns false if the counter was already 0.
func (a *Account) Rollback() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == 0 {
		return false
	}
	a.nonce--
	return true
}

// Reset replaces the counter.
func (a *Account) Reset(nonce uint64) {
	a.mu.Lock()
	a.nonce = nonce
	a.mu.Unlock()
}

// Peek returns the next nonce without advancing.
func (a *Account) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// Resync replaces the local counter with the endpoint's pending transaction
// count for this account. The previous local value is discarded, never merged.
func (a *Account) Resync(ctx context.Context, client rpc.Client) (uint64, error) {
	nonce, err := client.GetNonce(ctx, a.Address)
	if err != nil {
		return 0, err
	}
	a.Reset(nonce)
	return nonce, nil
}
