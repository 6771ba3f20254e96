package account

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/txload/internal/rpc/rpctest"
)

// Hardhat/anvil account 0, used as a known-good key.
const hardhatKey0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewAccountFromHex(t *testing.T) {
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	for _, key := range []string{hardhatKey0, "0x" + hardhatKey0, " 0x" + hardhatKey0 + "\n"} {
		acc, err := NewAccountFromHex(key)
		if err != nil {
			t.Fatalf("NewAccountFromHex(%q) error = %v", key, err)
		}
		if acc.Address != want {
			t.Errorf("Address = %s, want %s", acc.Address, want)
		}
	}

	if _, err := NewAccountFromHex("zz"); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestNonceSequenceHasNoGaps(t *testing.T) {
	acc, _ := NewAccountFromHex(hardhatKey0)
	acc.Reset(100)

	for want := uint64(100); want < 110; want++ {
		if got := acc.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	if got := acc.Peek(); got != 110 {
		t.Errorf("Peek() = %d, want 110", got)
	}
}

func TestRollback(t *testing.T) {
	acc, _ := NewAccountFromHex(hardhatKey0)
	acc.Reset(5)

	n := acc.Next()
	if !acc.Rollback() {
		t.Fatal("Rollback() returned false")
	}
	if got := acc.Next(); got != n {
		t.Errorf("after rollback Next() = %d, want reused %d", got, n)
	}

	acc.Reset(0)
	if acc.Rollback() {
		t.Error("Rollback() at 0 should return false")
	}
	if got := acc.Peek(); got != 0 {
		t.Errorf("Peek() = %d, want 0", got)
	}
}

func TestResyncReplacesLocalNonce(t *testing.T) {
	acc, _ := NewAccountFromHex(hardhatKey0)
	client := rpctest.New("node")

	tests := []struct {
		name    string
		local   uint64
		pending uint64
	}{
		{"remote ahead", 3, 10},
		{"remote behind replaces, not merges", 50, 12},
		{"equal", 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc.Reset(tt.local)
			client.SetNonce(acc.Address, tt.pending)

			got, err := acc.Resync(context.Background(), client)
			if err != nil {
				t.Fatalf("Resync() error = %v", err)
			}
			if got != tt.pending || acc.Peek() != tt.pending {
				t.Errorf("Resync() = %d, Peek() = %d, want %d", got, acc.Peek(), tt.pending)
			}
		})
	}
}

func TestConcurrentNextIsUnique(t *testing.T) {
	acc, _ := NewAccountFromHex(hardhatKey0)

	const goroutines, perG = 10, 100
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				n := acc.Next()
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perG {
		t.Errorf("got %d unique nonces, want %d", len(seen), goroutines*perG)
	}
}

func TestDerivedKeys(t *testing.T) {
	keys := DerivedKeys{Offset: 0}

	// Private key 0x...01 is the well-known generator point address.
	k0, err := keys.Key(0)
	if err != nil {
		t.Fatalf("Key(0) error = %v", err)
	}
	want := common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	if got := crypto.PubkeyToAddress(k0.PublicKey); got != want {
		t.Errorf("Key(0) address = %s, want %s", got, want)
	}

	// Offsets let separate processes use disjoint identities.
	shifted, _ := DerivedKeys{Offset: 4}.Key(0)
	plain, _ := keys.Key(4)
	if !shifted.Equal(plain) {
		t.Error("Key(0) with offset 4 should equal Key(4) without offset")
	}

	if _, err := keys.Key(-1); err == nil {
		t.Error("expected error for negative identity")
	}
}

func TestDeriveAndStaticKeys(t *testing.T) {
	accs, err := Derive(DerivedKeys{Offset: 2}, 3)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if len(accs) != 3 {
		t.Fatalf("Derive() returned %d accounts", len(accs))
	}

	seen := map[common.Address]bool{}
	keys := make(StaticKeys, 0, len(accs))
	for _, a := range accs {
		seen[a.Address] = true
		keys = append(keys, a.PrivateKey)
	}
	if len(seen) != 3 {
		t.Error("derived addresses are not distinct")
	}

	var provider KeyProvider = keys
	k, err := provider.Key(1)
	if err != nil || !k.Equal(accs[1].PrivateKey) {
		t.Errorf("StaticKeys.Key(1) = %v, %v", k, err)
	}
	if _, err := provider.Key(3); err == nil {
		t.Error("expected error past end of static keys")
	}
}
