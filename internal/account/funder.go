package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/txload/internal/rpc"
	"github.com/gateway-fm/txload/internal/txbuilder"
)

// FunderConfig configures a Funder.
type FunderConfig struct {
	Client        rpc.Client // Balance, nonce and submission
	ReceiptClient rpc.Client // Confirmation polling (default: Client)
	Deployer      *Account
	ChainID       *big.Int
	GasPrice      *big.Int
	UseLegacy     bool

	// Wait blocks on each transfer's receipt before moving on.
	Wait         bool
	WaitTimeout  time.Duration // default: 60s
	PollInterval time.Duration // default: 250ms

	Out    io.Writer // Progress lines (default: discarded)
	Logger *slog.Logger
}

// Transfer is one top-up issued by the funder.
type Transfer struct {
	To     common.Address
	Amount *big.Int
	Nonce  uint64
	Hash   common.Hash
	Err    error
}

// FundResult summarises a funding pass.
type FundResult struct {
	Checked   int
	Funded    int
	Failed    int
	Skipped   int // Balance lookup failed
	Transfers []Transfer
}

// Funder tops accounts up to a target balance from a seed account.
type Funder struct {
	client        rpc.Client
	receiptClient rpc.Client
	deployer      *Account
	chainID       *big.Int
	gasPrice      *big.Int
	useLegacy     bool
	wait          bool
	waitTimeout   time.Duration
	poll          time.Duration
	out           io.Writer
	logger        *slog.Logger
}

// NewFunder creates a Funder.
func NewFunder(cfg FunderConfig) (*Funder, error) {
	if cfg.Client == nil {
		return nil, errors.New("funder: client is required")
	}
	if cfg.Deployer == nil {
		return nil, errors.New("funder: deployer account is required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("funder: chain id is required")
	}

	f := &Funder{
		client:        cfg.Client,
		receiptClient: cfg.ReceiptClient,
		deployer:      cfg.Deployer,
		chainID:       cfg.ChainID,
		gasPrice:      cfg.GasPrice,
		useLegacy:     cfg.UseLegacy,
		wait:          cfg.Wait,
		waitTimeout:   cfg.WaitTimeout,
		poll:          cfg.PollInterval,
		out:           cfg.Out,
		logger:        cfg.Logger,
	}
	if f.receiptClient == nil {
		f.receiptClient = cfg.Client
	}
	if f.gasPrice == nil {
		f.gasPrice = big.NewInt(1_000_000_000)
	}
	if f.waitTimeout <= 0 {
		f.waitTimeout = 60 * time.Second
	}
	if f.out == nil {
		f.out = io.Discard
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f, nil
}

// Fund brings every target up to the target balance with an exact top-up of
// target minus balance. The deployer nonce is read once from the pending
// count and then tracked locally for the whole batch. Individual failures
// are logged and skipped; only failing to read the deployer nonce is fatal.
func (f *Funder) Fund(ctx context.Context, targets []common.Address, target *big.Int) (*FundResult, error) {
	if _, err := f.deployer.Resync(ctx, f.client); err != nil {
		return nil, fmt.Errorf("read deployer nonce: %w", err)
	}

	result := &FundResult{}
	for _, addr := range targets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		bal, err := f.client.GetBalance(ctx, addr)
		if err != nil {
			result.Skipped++
			f.logger.Warn("balance lookup failed, skipping account",
				slog.String("address", addr.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if bal.Cmp(target) >= 0 {
			continue
		}

		topUp := new(big.Int).Sub(target, bal)
		tr := f.transfer(ctx, addr, topUp)
		result.Transfers = append(result.Transfers, tr)

		if tr.Err != nil {
			result.Failed++
			fmt.Fprintf(f.out, "fund failed for %s: %v\n", addr.Hex(), tr.Err)
			f.logger.Warn("funding transfer failed",
				slog.String("address", addr.Hex()),
				slog.Uint64("nonce", tr.Nonce),
				slog.String("error", tr.Err.Error()),
			)
			continue
		}

		result.Funded++
		fmt.Fprintf(f.out, "funded %s with %s wei, tx %s\n", addr.Hex(), topUp, tr.Hash.Hex())
	}

	f.logger.Info("funding complete",
		slog.Int("checked", result.Checked),
		slog.Int("funded", result.Funded),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (f *Funder) transfer(ctx context.Context, to common.Address, amount *big.Int) Transfer {
	nonce := f.deployer.Next()
	tr := Transfer{To: to, Amount: amount, Nonce: nonce}

	job, _ := txbuilder.NewTransferBuilder().Job(to, amount, nonce)
	tx, err := job.Sign(f.deployer.PrivateKey, txbuilder.TxParams{
		ChainID:   f.chainID,
		GasPrice:  f.gasPrice,
		GasTipCap: f.gasPrice,
		UseLegacy: f.useLegacy,
	})
	if err != nil {
		f.deployer.Rollback()
		tr.Err = err
		return tr
	}

	hash, err := f.client.SendTransaction(ctx, tx)
	if err != nil {
		// A node-side rejection never entered the pool, so the nonce is
		// still free. Anything else may have reached the network.
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			f.deployer.Rollback()
		}
		tr.Err = fmt.Errorf("send: %w", err)
		return tr
	}
	tr.Hash = hash

	if f.wait {
		waitCtx, cancel := context.WithTimeout(ctx, f.waitTimeout)
		defer cancel()
		if _, err := rpc.WaitMined(waitCtx, f.receiptClient, hash, f.poll); err != nil {
			tr.Err = fmt.Errorf("wait %s: %w", hash.Hex(), err)
		}
	}
	return tr
}
