package txbuilder

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ForwarderABI is the minimal ABI of the forwarder contract.
const ForwarderABI = `[{"inputs":[{"internalType":"address payable","name":"to","type":"address"}],"name":"forward","outputs":[],"stateMutability":"payable","type":"function"}]`

// DefaultForwardGasLimit is the gas limit used for forward calls.
const DefaultForwardGasLimit = 160000

// ForwardBuilder builds forward(recipient) calls carrying value to a
// forwarder contract.
type ForwardBuilder struct {
	contract common.Address
	abi      abi.ABI
	gasLimit uint64
}

// NewForwardBuilder creates a forward builder. A nil parsed ABI uses ForwarderABI.
func NewForwardBuilder(contract common.Address, gasLimit uint64, parsed *abi.ABI) (*ForwardBuilder, error) {
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("forwarder address is required")
	}
	if gasLimit == 0 {
		gasLimit = DefaultForwardGasLimit
	}

	var a abi.ABI
	if parsed != nil {
		a = *parsed
	} else {
		var err error
		a, err = abi.JSON(strings.NewReader(ForwarderABI))
		if err != nil {
			return nil, fmt.Errorf("parse forwarder ABI: %w", err)
		}
	}
	if _, ok := a.Methods["forward"]; !ok {
		return nil, fmt.Errorf("forwarder ABI has no forward method")
	}

	return &ForwardBuilder{contract: contract, abi: a, gasLimit: gasLimit}, nil
}

// LoadABI reads an ABI from path. Both a bare ABI array and a compiler
// artifact with an "abi" field are accepted.
func LoadABI(path string) (*abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ABI: %w", err)
	}

	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(data, &artifact); err == nil && len(artifact.ABI) > 0 {
		data = artifact.ABI
	}

	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse ABI %s: %w", path, err)
	}
	return &parsed, nil
}

// Mode returns ModeForward.
func (b *ForwardBuilder) Mode() Mode {
	return ModeForward
}

// GasLimit returns the configured gas limit.
func (b *ForwardBuilder) GasLimit() uint64 {
	return b.gasLimit
}

// Contract returns the forwarder address.
func (b *ForwardBuilder) Contract() common.Address {
	return b.contract
}

// Job creates a forward(recipient) call job.
func (b *ForwardBuilder) Job(recipient common.Address, value *big.Int, nonce uint64) (Job, error) {
	data, err := b.abi.Pack("forward", recipient)
	if err != nil {
		return Job{}, fmt.Errorf("encode forward: %w", err)
	}
	return Job{
		Recipient: recipient,
		To:        b.contract,
		Value:     value,
		GasLimit:  b.gasLimit,
		Data:      data,
		Nonce:     nonce,
	}, nil
}
