// Package worker runs one submission stream: it signs transactions from a
// single account, keeps a bounded number of them in flight against its bound
// endpoint, and fails over to the next endpoint on transient errors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/txload/internal/account"
	"github.com/gateway-fm/txload/internal/endpoint"
	"github.com/gateway-fm/txload/internal/metrics"
	"github.com/gateway-fm/txload/internal/ratelimit"
	"github.com/gateway-fm/txload/internal/rpc"
	"github.com/gateway-fm/txload/internal/sender"
	"github.com/gateway-fm/txload/internal/txbuilder"
)

const (
	// DefaultSendTimeout bounds a single submission.
	DefaultSendTimeout = 4 * time.Second
	// DefaultFundsBackoff is the pause after an insufficient-funds rejection.
	DefaultFundsBackoff = 50 * time.Millisecond
	// DefaultIdleTick is the longest the loop sleeps between FILL passes.
	DefaultIdleTick = time.Millisecond
)

// Config configures a Worker.
type Config struct {
	ID         int
	Pool       *endpoint.Pool
	Dialer     endpoint.Dialer
	Account    *account.Account
	Builder    txbuilder.Builder
	Recipients []common.Address
	Value      *big.Int
	Params     txbuilder.TxParams

	// Shared across workers.
	Bucket    *ratelimit.TokenBucket
	Stats     *metrics.Stats
	Confirmer *Confirmer // nil disables confirmation tracking

	Inflight     int           // Max concurrent sends (default: 1)
	SendTimeout  time.Duration // default: 4s
	FundsBackoff time.Duration // default: 50ms
	IdleTick     time.Duration // default: 1ms
	Logger       *slog.Logger
}

// Worker owns one account, one endpoint binding and one in-flight window.
type Worker struct {
	id         int
	pool       *endpoint.Pool
	dialer     endpoint.Dialer
	account    *account.Account
	builder    txbuilder.Builder
	recipients *txbuilder.Recipients
	value      *big.Int
	params     txbuilder.TxParams

	bucket    *ratelimit.TokenBucket
	stats     *metrics.Stats
	confirmer *Confirmer

	window       *sender.Window
	sendTimeout  time.Duration
	fundsBackoff time.Duration
	idleTick     time.Duration
	logger       *slog.Logger

	binding *endpoint.Binding
}

// New creates a Worker. It does not touch the network until Run.
func New(cfg Config) (*Worker, error) {
	if cfg.Pool == nil || cfg.Dialer == nil {
		return nil, errors.New("worker: pool and dialer are required")
	}
	if cfg.Account == nil {
		return nil, errors.New("worker: account is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("worker: builder is required")
	}
	if cfg.Stats == nil {
		return nil, errors.New("worker: stats are required")
	}

	w := &Worker{
		id:           cfg.ID,
		pool:         cfg.Pool,
		dialer:       cfg.Dialer,
		account:      cfg.Account,
		builder:      cfg.Builder,
		recipients:   txbuilder.NewRecipients(cfg.Recipients, cfg.ID),
		value:        cfg.Value,
		params:       cfg.Params,
		bucket:       cfg.Bucket,
		stats:        cfg.Stats,
		confirmer:    cfg.Confirmer,
		window:       sender.New(cfg.Inflight),
		sendTimeout:  cfg.SendTimeout,
		fundsBackoff: cfg.FundsBackoff,
		idleTick:     cfg.IdleTick,
		logger:       cfg.Logger,
	}
	if w.value == nil {
		w.value = new(big.Int)
	}
	if w.bucket == nil {
		w.bucket = ratelimit.New(ratelimit.Config{})
	}
	if w.sendTimeout <= 0 {
		w.sendTimeout = DefaultSendTimeout
	}
	if w.fundsBackoff <= 0 {
		w.fundsBackoff = DefaultFundsBackoff
	}
	if w.idleTick <= 0 {
		w.idleTick = DefaultIdleTick
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(slog.Int("worker", cfg.ID), slog.String("account", cfg.Account.Address.Hex()))
	return w, nil
}

// ID returns the worker index.
func (w *Worker) ID() int {
	return w.id
}

// Account returns the worker's signing account.
func (w *Worker) Account() *account.Account {
	return w.account
}

// Binding returns the worker's endpoint binding, or nil before Run.
func (w *Worker) Binding() *endpoint.Binding {
	return w.binding
}

// Run binds the worker's endpoint, syncs its nonce and sends until deadline.
// After the deadline it stops launching and waits for in-flight sends.
// Cancelling ctx also stops launching; sends already in flight are bounded
// only by the per-send timeout.
func (w *Worker) Run(ctx context.Context, deadline time.Time) error {
	binding, err := endpoint.Bind(ctx, w.pool, w.dialer, w.id)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	w.binding = binding
	defer binding.Close()

	client, _ := binding.Client()
	nonce, err := w.account.Resync(ctx, client)
	if err != nil {
		return fmt.Errorf("worker %d: read pending nonce: %w", w.id, err)
	}
	w.logger.Debug("worker started",
		slog.String("endpoint", binding.Endpoint().URL),
		slog.Uint64("nonce", nonce),
	)

	idle := time.NewTicker(w.idleTick)
	defer idle.Stop()

	for running(ctx, deadline) {
		// FILL
		for running(ctx, deadline) {
			client, gen := w.binding.Client()
			if client == nil {
				// A previous failover found no reachable endpoint; retry it
				// before taking a token.
				w.failover(ctx, gen)
				if c, _ := w.binding.Client(); c == nil {
					break
				}
				continue
			}
			slot, err := w.window.Reserve()
			if errors.Is(err, sender.ErrAtCapacity) {
				break
			}
			if !w.bucket.Acquire(ctx, deadline) {
				slot.Release()
				break
			}
			w.launchSend(ctx, slot, client, gen)
		}

		// WAIT
		select {
		case <-w.window.Settled():
		case <-idle.C:
		case <-ctx.Done():
		}
	}

	// DRAIN
	w.window.Wait()
	w.logger.Debug("worker drained", slog.Uint64("nextNonce", w.account.Peek()))
	return nil
}

func running(ctx context.Context, deadline time.Time) bool {
	return ctx.Err() == nil && time.Now().Before(deadline)
}

// launchSend assigns the next recipient and nonce synchronously, then
// submits in the reserved slot.
func (w *Worker) launchSend(ctx context.Context, slot *sender.Slot, client rpc.Client, gen uint64) {
	recipient := w.recipients.Next()
	nonce := w.account.Next()

	slot.Go(func() {
		w.stats.SendStarted()
		defer w.stats.SendSettled()

		if err := w.send(ctx, client, recipient, nonce); err != nil {
			w.handleError(ctx, gen, nonce, err)
		}
	})
}

// send builds, signs and submits one transaction.
func (w *Worker) send(ctx context.Context, client rpc.Client, recipient common.Address, nonce uint64) error {
	job, err := w.builder.Job(recipient, w.value, nonce)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	tx, err := job.Sign(w.account.PrivateKey, w.params)
	if err != nil {
		return err
	}

	start := time.Now()
	hash, err := w.submit(ctx, client, tx)
	if err != nil {
		return err
	}

	w.stats.Sent(time.Since(start))
	if w.confirmer != nil {
		w.confirmer.Track(ctx, hash, start)
	}
	return nil
}

type submitResult struct {
	hash common.Hash
	err  error
}

// submit sends tx with a hard timeout. A client that ignores its context
// is abandoned once the timeout fires.
func (w *Worker) submit(ctx context.Context, client rpc.Client, tx *types.Transaction) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	done := make(chan submitResult, 1)
	go func() {
		hash, err := client.SendTransaction(ctx, tx)
		done <- submitResult{hash: hash, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return common.Hash{}, fmt.Errorf("%w: %w", rpc.ErrSendTimeout, r.err)
		}
		return r.hash, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return common.Hash{}, rpc.ErrSendTimeout
		}
		return common.Hash{}, ctx.Err()
	}
}

// handleError applies the recovery policy of the error's class.
func (w *Worker) handleError(ctx context.Context, gen uint64, nonce uint64, err error) {
	err = rpc.Tag(err)
	w.stats.Failed(rpc.Classify(err).String())

	switch {
	case errors.Is(err, rpc.ErrTransient):
		w.logger.Debug("transient send error, failing over",
			slog.Uint64("nonce", nonce),
			slog.String("error", err.Error()),
		)
		w.failover(ctx, gen)

	case errors.Is(err, rpc.ErrInsufficientFunds):
		// The optimistic increment is kept.
		w.logger.Debug("insufficient funds", slog.Uint64("nonce", nonce))
		timer := time.NewTimer(w.fundsBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}

	default:
		w.logger.Debug("send failed, rolling back nonce",
			slog.Uint64("nonce", nonce),
			slog.String("error", err.Error()),
		)
		w.account.Rollback()
	}
}

// failover rotates the binding away from generation gen and replaces the
// local nonce with the new endpoint's pending count. Only the first caller
// for a generation rotates; later callers return immediately.
func (w *Worker) failover(ctx context.Context, gen uint64) {
	client, rotated, err := w.binding.Failover(ctx, gen)
	if !rotated {
		return
	}
	if err != nil {
		w.logger.Warn("failover found no reachable endpoint", slog.String("error", err.Error()))
		return
	}
	w.stats.Failover()

	nonce, err := w.account.Resync(ctx, client)
	if err != nil {
		w.logger.Warn("nonce resync failed",
			slog.String("endpoint", client.URL()),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("failed over",
		slog.String("endpoint", client.URL()),
		slog.Uint64("nonce", nonce),
	)
}
