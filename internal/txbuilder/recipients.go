package txbuilder

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddresses parses a comma separated address list, ignoring blanks.
func ParseAddresses(csv string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("invalid address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}

// Recipients rotates through a fixed recipient list. Not safe for concurrent
// use; each worker owns its own rotation.
type Recipients struct {
	list []common.Address
	next int
}

// NewRecipients starts the rotation at start mod len(list).
func NewRecipients(list []common.Address, start int) *Recipients {
	r := &Recipients{list: list}
	if len(list) > 0 {
		r.next = start % len(list)
	}
	return r
}

// Next returns the next recipient. An empty list yields the zero address.
func (r *Recipients) Next() common.Address {
	if len(r.list) == 0 {
		return common.Address{}
	}
	addr := r.list[r.next]
	r.next = (r.next + 1) % len(r.list)
	return addr
}
