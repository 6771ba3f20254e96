// Package loadgen orchestrates a single-process load run: it resolves the
// endpoint pool and chain identity, funds worker accounts, spawns workers
// that share one token bucket and one stats aggregator, and prints exactly
// one summary line, racing a watchdog that bounds total run time.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/txload/internal/account"
	"github.com/gateway-fm/txload/internal/config"
	"github.com/gateway-fm/txload/internal/endpoint"
	"github.com/gateway-fm/txload/internal/metrics"
	"github.com/gateway-fm/txload/internal/ratelimit"
	"github.com/gateway-fm/txload/internal/rpc"
	"github.com/gateway-fm/txload/internal/storage"
	"github.com/gateway-fm/txload/internal/txbuilder"
	"github.com/gateway-fm/txload/internal/worker"
	"github.com/gateway-fm/txload/pkg/types"
)

// DefaultReceiptURL is used for receipts when the pool has no http endpoint.
const DefaultReceiptURL = "http://127.0.0.1:8545"

// sampleInterval is how often gauges that have no event source are refreshed.
const sampleInterval = 500 * time.Millisecond

// Options configures a Runner. Only Config is required.
type Options struct {
	Config *config.Config

	Keys          account.KeyProvider   // default: DerivedKeys{Offset: Config.AccountOffset}
	Dialer        endpoint.Dialer       // default: RPCDialer per Config.RawSend
	ReceiptClient rpc.Client            // default: http client on the first http endpoint
	Registerer    prometheus.Registerer // default: a private registry
	Store         storage.Storage       // nil disables run history

	Out    io.Writer      // Progress and summary lines (default: os.Stdout)
	Logger *slog.Logger
	Exit   func(code int) // Called by the watchdog (default: os.Exit)
}

// Runner executes one load run.
type Runner struct {
	cfg     *config.Config
	keys    account.KeyProvider
	dialer  endpoint.Dialer
	receipt rpc.Client
	store   storage.Storage
	prom    *metrics.Prometheus
	out     io.Writer
	logger  *slog.Logger
	exit    func(int)

	outMu       sync.Mutex
	summaryOnce sync.Once

	mu        sync.RWMutex
	status    types.RunStatus
	record    *types.RunRecord
	stats     *metrics.Stats
	bucket    *ratelimit.TokenBucket
	startedAt time.Time
	probe     rpc.Client
}

// New creates a Runner. It does not touch the network until Run.
func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("loadgen: config is required")
	}
	cfg := opts.Config

	r := &Runner{
		cfg:     cfg,
		keys:    opts.Keys,
		dialer:  opts.Dialer,
		receipt: opts.ReceiptClient,
		store:   opts.Store,
		out:     opts.Out,
		logger:  opts.Logger,
		exit:    opts.Exit,
		status:  types.StatusIdle,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	if r.exit == nil {
		r.exit = os.Exit
	}
	if r.keys == nil {
		r.keys = account.DerivedKeys{Offset: cfg.AccountOffset}
	}
	if r.dialer == nil {
		r.dialer = &endpoint.RPCDialer{
			Managed: !cfg.RawSend,
			Timeout: cfg.TxTimeout,
			Caps:    cfg.Capabilities,
			Logger:  r.logger,
			HTTPClient: &http.Client{
				Transport: rpc.NewTransport(),
				Timeout:   cfg.TxTimeout,
			},
		}
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.prom = metrics.NewPrometheus(reg)
	return r, nil
}

// printf writes one progress line to Out.
func (r *Runner) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

// setStatus updates the live status and, once the run is recorded, its
// history row.
func (r *Runner) setStatus(s types.RunStatus) {
	r.mu.Lock()
	r.status = s
	var id string
	if r.record != nil {
		id = r.record.ID
	}
	r.mu.Unlock()

	if r.store == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.UpdateRunStatus(ctx, id, s); err != nil {
		r.logger.Warn("failed to update run status", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// Run executes the run and returns the final counters. Only *SetupError is
// returned as an error; per-worker failures are contained and counted.
// If the watchdog fires first, the summary is printed and Exit(0) is called
// while Run may still be waiting on abandoned sends.
func (r *Runner) Run(ctx context.Context) (metrics.Summary, error) {
	cfg := r.cfg

	r.printf("Load params: duration=%gs workers=%d inflight=%d targetTPS=%g burst=%g mode=%s send=%s",
		cfg.Duration.Seconds(), cfg.Workers, cfg.InflightPerWorker, cfg.TargetTPS,
		cfg.BurstMultiplier, cfg.Mode(), cfg.SendMode())
	if cfg.AccountOffset > 0 {
		r.printf("Account offset: %d (worker keys start at index %d)", cfg.AccountOffset, cfg.AccountOffset)
	}

	if err := cfg.Validate(); err != nil {
		return metrics.Summary{}, r.fail(&SetupError{Err: err})
	}

	pool, err := endpoint.NewPool(cfg.RPCURLs, cfg.URLOffset, cfg.OnlyHTTP)
	if err != nil {
		return metrics.Summary{}, r.fail(&SetupError{Err: err})
	}

	builder, err := newBuilder(cfg)
	if err != nil {
		return metrics.Summary{}, r.fail(&SetupError{Err: err})
	}

	receipt := r.receipt
	if receipt == nil {
		url := DefaultReceiptURL
		if ep, ok := pool.FirstHTTP(); ok {
			url = ep.URL
		}
		rc := rpc.DefaultClientConfig(url)
		rc.Logger = r.logger
		receipt = rpc.NewHTTPClient(rc)
		defer receipt.Close()
	}

	r.mu.Lock()
	r.probe = receipt
	r.mu.Unlock()

	chainID, err := receipt.ChainID(ctx)
	if err != nil {
		return metrics.Summary{}, r.fail(setupErrorf("query chain id from %s: %w", receipt.URL(), err))
	}
	block, err := receipt.BlockNumber(ctx)
	if err != nil {
		return metrics.Summary{}, r.fail(setupErrorf("query block number from %s: %w", receipt.URL(), err))
	}
	r.printf("chainId=%s block=%d", chainID, block)

	accounts, err := account.Derive(r.keys, cfg.Workers)
	if err != nil {
		return metrics.Summary{}, r.fail(&SetupError{Err: err})
	}

	bucket := ratelimit.New(ratelimit.Config{
		Rate:            cfg.TargetTPS,
		BurstMultiplier: cfg.BurstMultiplier,
		Interval:        cfg.BucketInterval,
	})
	if !bucket.Unlimited() {
		r.printf("Rate limiting enabled: TARGET_TPS=%g capacity=%d interval=%dms addPerTick=%d",
			cfg.TargetTPS, bucket.Capacity(), bucket.Interval().Milliseconds(), bucket.Refill())
	}

	record := &types.RunRecord{StartedAt: time.Now().UTC(), Params: r.runParams(chainID)}
	if r.store != nil {
		if err := r.store.CreateRun(ctx, record); err != nil {
			r.logger.Warn("failed to record run", slog.String("error", err.Error()))
			record.ID = ""
		}
	}
	r.mu.Lock()
	r.record = record
	r.bucket = bucket
	r.mu.Unlock()

	if cfg.FundingEnabled() {
		if err := r.fund(ctx, pool, receipt, chainID); err != nil {
			return metrics.Summary{}, r.fail(err)
		}
	}

	stats := metrics.NewStats(r.prom)
	r.prom.TargetTPS.Set(cfg.TargetTPS)
	r.prom.Workers.Set(float64(cfg.Workers))

	// Confirmation tracking ends with the run.
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	confirmer := worker.NewConfirmer(worker.ConfirmerConfig{
		Client:    receipt,
		Stats:     stats,
		RateLimit: cfg.ReceiptPollRate,
		Logger:    r.logger,
	})

	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i, acc := range accounts {
		w, err := worker.New(worker.Config{
			ID:          i,
			Pool:        pool,
			Dialer:      r.dialer,
			Account:     acc,
			Builder:     builder,
			Recipients:  cfg.Recipients,
			Value:       cfg.Value,
			Params:      txbuilder.WorkerPricing(chainID, cfg.GasPrice, i, cfg.Capabilities.UseLegacyTx(cfg.DynamicFee)),
			Bucket:      bucket,
			Stats:       stats,
			Confirmer:   confirmer,
			Inflight:    cfg.InflightPerWorker,
			SendTimeout: cfg.TxTimeout,
			Logger:      r.logger,
		})
		if err != nil {
			return metrics.Summary{}, r.fail(&SetupError{Err: err})
		}
		workers = append(workers, w)
	}

	bucket.Start()
	defer bucket.Stop()

	start := time.Now()
	deadline := start.Add(cfg.Duration)
	r.mu.Lock()
	r.stats = stats
	r.startedAt = start
	r.mu.Unlock()
	r.setStatus(types.StatusRunning)

	watchdog := time.AfterFunc(cfg.Duration+cfg.GraceExit, func() {
		r.logger.Warn("watchdog: forcing exit after grace period",
			slog.Duration("duration", cfg.Duration),
			slog.Duration("grace", cfg.GraceExit),
		)
		r.finish(true)
		r.exit(0)
	})
	defer watchdog.Stop()

	go r.sample(workCtx, bucket)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("worker panicked", slog.Int("worker", w.ID()), slog.Any("panic", p))
				}
			}()
			if err := w.Run(workCtx, deadline); err != nil {
				r.logger.Warn("worker stopped", slog.Int("worker", w.ID()), slog.String("error", err.Error()))
			}
		}(w)
	}
	wg.Wait()

	r.setStatus(types.StatusDraining)
	if cfg.ReceiptDrain > 0 {
		select {
		case <-time.After(cfg.ReceiptDrain):
		case <-ctx.Done():
		}
	}
	stopWork()
	confirmer.Wait()

	if !watchdog.Stop() {
		// The watchdog already reported; it owns the exit.
		return stats.Summary(), nil
	}
	return r.finish(false), nil
}

// finish prints the summary line and records the run, once.
func (r *Runner) finish(forced bool) metrics.Summary {
	r.mu.RLock()
	stats := r.stats
	r.mu.RUnlock()

	var sum metrics.Summary
	if stats != nil {
		sum = stats.Summary()
	}

	r.summaryOnce.Do(func() {
		r.printf("%s", sum.Line())
		r.setStatus(types.StatusCompleted)
		r.persist(sum, forced, "")
	})
	return sum
}

// fail marks the run as failed and returns err.
func (r *Runner) fail(err error) error {
	r.setStatus(types.StatusError)
	r.mu.RLock()
	created := r.record != nil
	r.mu.RUnlock()
	if created {
		r.persist(metrics.Summary{}, false, err.Error())
	}
	return err
}

func (r *Runner) persist(sum metrics.Summary, forced bool, errMsg string) {
	if r.store == nil {
		return
	}

	r.mu.Lock()
	if r.record == nil || r.record.ID == "" {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	r.record.CompletedAt = &now
	r.record.Sent = sum.Sent
	r.record.Succeeded = sum.Succeeded
	r.record.Failed = sum.Failed
	r.record.Forced = forced
	r.record.Status = types.StatusCompleted
	if errMsg != "" {
		r.record.Status = types.StatusError
		r.record.ErrorMessage = errMsg
	}
	rec := *r.record
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.CompleteRun(ctx, &rec); err != nil {
		r.logger.Warn("failed to complete run record", slog.String("id", rec.ID), slog.String("error", err.Error()))
	}
}

// fund tops up the first FundTopN accounts from the deployer. Funding
// failures are warnings; an unusable deployer key is a setup error.
func (r *Runner) fund(ctx context.Context, pool *endpoint.Pool, receipt rpc.Client, chainID *big.Int) error {
	cfg := r.cfg
	r.setStatus(types.StatusFunding)

	deployer, err := account.NewAccountFromHex(cfg.DeployerKey)
	if err != nil {
		return setupErrorf("parse deployer key: %w", err)
	}

	n := cfg.FundTopN
	if n <= 0 {
		n = cfg.Workers
	}
	targets, err := account.Derive(r.keys, n)
	if err != nil {
		return &SetupError{Err: err}
	}
	addrs := make([]common.Address, len(targets))
	for i, a := range targets {
		addrs[i] = a.Address
	}

	client, err := r.dialer.Dial(ctx, pool.For(0))
	if err != nil {
		r.logger.Warn("funding skipped: endpoint unreachable",
			slog.String("endpoint", pool.For(0).URL),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer client.Close()

	funder, err := account.NewFunder(account.FunderConfig{
		Client:        client,
		ReceiptClient: receipt,
		Deployer:      deployer,
		ChainID:       chainID,
		GasPrice:      cfg.GasPrice,
		UseLegacy:     cfg.Capabilities.UseLegacyTx(cfg.DynamicFee),
		Wait:          cfg.FundWait,
		Out:           r.out,
		Logger:        r.logger,
	})
	if err != nil {
		return &SetupError{Err: err}
	}

	r.outMu.Lock()
	res, err := funder.Fund(ctx, addrs, cfg.FundTarget)
	r.outMu.Unlock()
	if err != nil {
		r.logger.Warn("funding aborted", slog.String("error", err.Error()))
		return nil
	}
	r.prom.RecordFunding("funded", res.Funded)
	r.prom.RecordFunding("failed", res.Failed)
	return nil
}

// sample refreshes gauges that are polled rather than event driven.
func (r *Runner) sample(ctx context.Context, bucket *ratelimit.TokenBucket) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		r.prom.BucketTokens.Set(float64(bucket.Tokens()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runParams(chainID *big.Int) *types.RunParams {
	cfg := r.cfg
	p := &types.RunParams{
		DurationSec:       cfg.Duration.Seconds(),
		Workers:           cfg.Workers,
		InflightPerWorker: cfg.InflightPerWorker,
		TargetTPS:         cfg.TargetTPS,
		BurstMultiplier:   cfg.BurstMultiplier,
		Mode:              string(cfg.Mode()),
		SendMode:          cfg.SendMode(),
		Endpoints:         cfg.RPCURLs,
		URLOffset:         cfg.URLOffset,
		AccountOffset:     cfg.AccountOffset,
		NodeKind:          cfg.Capabilities.String(),
	}
	if chainID != nil {
		p.ChainID = chainID.String()
	}
	return p
}

// Status returns a live snapshot of the run.
func (r *Runner) Status() types.StatusResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := types.StatusResponse{Status: r.status}
	if r.record != nil {
		resp.RunID = r.record.ID
		resp.Params = r.record.Params
	}
	if r.bucket != nil {
		resp.BucketTokens = r.bucket.Tokens()
	}
	if r.stats != nil {
		started := r.startedAt
		snap := r.stats.Snapshot()
		resp.StartedAt = &started
		resp.ElapsedMs = snap.Elapsed.Milliseconds()
		resp.Sent = snap.Sent
		resp.Succeeded = snap.Succeeded
		resp.Failed = snap.Failed
		resp.Failovers = snap.Failovers
		resp.InFlight = snap.InFlight
		resp.SentTPS = snap.SentTPS
	}
	return resp
}

// CheckRPC probes the receipt endpoint.
func (r *Runner) CheckRPC(ctx context.Context) error {
	r.mu.RLock()
	probe := r.probe
	r.mu.RUnlock()
	if probe == nil {
		return errors.New("run not started")
	}
	_, err := probe.BlockNumber(ctx)
	return err
}

func newBuilder(cfg *config.Config) (txbuilder.Builder, error) {
	if cfg.DirectTransfer {
		return txbuilder.NewTransferBuilder(), nil
	}
	if cfg.ForwarderAddress == (common.Address{}) {
		return nil, config.ErrMissingForwarder
	}

	var parsed *abi.ABI
	if cfg.ForwarderABIPath != "" {
		var err error
		if parsed, err = txbuilder.LoadABI(cfg.ForwarderABIPath); err != nil {
			return nil, fmt.Errorf("forwarder ABI: %w", err)
		}
	}
	return txbuilder.NewForwardBuilder(cfg.ForwarderAddress, cfg.GasLimit, parsed)
}
