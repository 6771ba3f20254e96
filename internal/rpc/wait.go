package rpc

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultPollInterval is the receipt polling period used by WaitMined.
const DefaultPollInterval = 250 * time.Millisecond

// WaitMined polls for the receipt of hash until it exists or ctx is done.
// Transient query errors are retried on the next tick.
func WaitMined(ctx context.Context, c Client, hash common.Hash, poll time.Duration) (*Receipt, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := c.GetTransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && Classify(err) != ClassTransient {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
