package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/gateway-fm/txload/internal/metrics"
	"github.com/gateway-fm/txload/internal/rpc"
)

// ConfirmerConfig configures a Confirmer.
type ConfirmerConfig struct {
	Client       rpc.Client // Dedicated receipt connection, never a submission connection
	Stats        *metrics.Stats
	PollInterval time.Duration // default: rpc.DefaultPollInterval
	Timeout      time.Duration // Per transaction (default: 60s)
	RateLimit    float64       // Receipt queries per second across all tracked txs; <= 0 is unlimited
	Logger       *slog.Logger
}

// Confirmer polls receipts for accepted transactions and counts the ones
// that get mined. Confirmation is best effort: failures are logged and
// never touch the sent or failed counters.
type Confirmer struct {
	client  rpc.Client
	stats   *metrics.Stats
	poll    time.Duration
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewConfirmer creates a Confirmer.
func NewConfirmer(cfg ConfirmerConfig) *Confirmer {
	c := &Confirmer{
		client:  cfg.Client,
		stats:   cfg.Stats,
		poll:    cfg.PollInterval,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	if c.poll <= 0 {
		c.poll = rpc.DefaultPollInterval
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit/10)))
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Track starts waiting for hash in the background. ctx bounds the wait in
// addition to the per-transaction timeout.
func (c *Confirmer) Track(ctx context.Context, hash common.Hash, sentAt time.Time) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		receipt, err := rpc.WaitMined(ctx, limitedReceipts{Client: c.client, limiter: c.limiter}, hash, c.poll)
		if err != nil {
			c.logger.Debug("confirmation failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
			return
		}
		if receipt.Status == 0 {
			c.logger.Debug("transaction reverted",
				slog.String("tx", hash.Hex()),
				slog.Uint64("block", receipt.BlockNumber),
			)
		}
		c.stats.Succeeded(time.Since(sentAt))
	}()
}

// Wait blocks until every tracked transaction is confirmed or abandoned.
func (c *Confirmer) Wait() {
	c.wg.Wait()
}

// limitedReceipts spends one limiter token per receipt query.
type limitedReceipts struct {
	rpc.Client
	limiter *rate.Limiter
}

func (l limitedReceipts) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Client.GetTransactionReceipt(ctx, hash)
}
