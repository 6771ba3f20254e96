package account

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyProvider returns the signing key for an identity index.
type KeyProvider interface {
	Key(identity int) (*ecdsa.PrivateKey, error)
}

// DerivedKeys derives devnet keys arithmetically: identity i gets the
// 32-byte big-endian private key i+Offset+1. Only suitable for test networks
// whose genesis pre-funds or whose operator funds these accounts.
type DerivedKeys struct {
	Offset int
}

// Key returns the key for identity.
func (d DerivedKeys) Key(identity int) (*ecdsa.PrivateKey, error) {
	if identity < 0 || d.Offset < 0 {
		return nil, fmt.Errorf("negative key index %d+%d", identity, d.Offset)
	}
	scalar := big.NewInt(int64(identity) + int64(d.Offset) + 1)
	return crypto.ToECDSA(scalar.FillBytes(make([]byte, 32)))
}

// StaticKeys serves keys from a fixed list.
type StaticKeys []*ecdsa.PrivateKey

// Key returns the key at index identity.
func (s StaticKeys) Key(identity int) (*ecdsa.PrivateKey, error) {
	if identity < 0 || identity >= len(s) {
		return nil, fmt.Errorf("no key for identity %d (have %d)", identity, len(s))
	}
	return s[identity], nil
}

// Derive builds n accounts for identities 0..n-1.
func Derive(keys KeyProvider, n int) ([]*Account, error) {
	accounts := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		key, err := keys.Key(i)
		if err != nil {
			return nil, fmt.Errorf("derive key %d: %w", i, err)
		}
		accounts = append(accounts, NewAccount(key))
	}
	return accounts, nil
}
