package worker

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/txload/internal/account"
	"github.com/gateway-fm/txload/internal/endpoint"
	"github.com/gateway-fm/txload/internal/metrics"
	"github.com/gateway-fm/txload/internal/ratelimit"
	"github.com/gateway-fm/txload/internal/rpc"
	"github.com/gateway-fm/txload/internal/rpc/rpctest"
	"github.com/gateway-fm/txload/internal/txbuilder"
)

var recipients = []common.Address{
	common.HexToAddress("0x70997970c51812dc3a010c7d01b50e0d17dc79c8"),
	common.HexToAddress("0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"),
}

// cluster maps endpoint URLs to fake clients.
type cluster map[string]*rpctest.Client

func (c cluster) urls(names ...string) []string {
	urls := make([]string, len(names))
	for i, n := range names {
		urls[i] = "http://" + n + ":8545"
	}
	return urls
}

func (c cluster) Dial(ctx context.Context, ep endpoint.Endpoint) (rpc.Client, error) {
	for name, fake := range c {
		if ep.URL == "http://"+name+":8545" {
			return fake, nil
		}
	}
	return nil, rpctest.ErrUnreachable
}

func newTestWorker(t *testing.T, nodes cluster, order []string, inflight int) (*Worker, *metrics.Stats) {
	t.Helper()
	pool, err := endpoint.NewPool(nodes.urls(order...), 0, false)
	require.NoError(t, err)

	acc, err := account.Derive(account.DerivedKeys{}, 1)
	require.NoError(t, err)

	stats := metrics.NewStats(nil)
	w, err := New(Config{
		ID:           0,
		Pool:         pool,
		Dialer:       nodes,
		Account:      acc[0],
		Builder:      txbuilder.NewTransferBuilder(),
		Recipients:   recipients,
		Value:        big.NewInt(1),
		Params:       txbuilder.WorkerPricing(big.NewInt(1337), big.NewInt(1e9), 0, true),
		Stats:        stats,
		Inflight:     inflight,
		SendTimeout:  time.Second,
		FundsBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return w, stats
}

func nonces(txs []*types.Transaction) []uint64 {
	out := make([]uint64, len(txs))
	for i, tx := range txs {
		out[i] = tx.Nonce()
	}
	return out
}

func TestNoncesContiguousWithoutFailures(t *testing.T) {
	node := rpctest.New("a")
	nodes := cluster{"a": node}
	w, stats := newTestWorker(t, nodes, []string{"a"}, 4)
	node.SetNonce(w.Account().Address, 7)

	require.NoError(t, w.Run(context.Background(), time.Now().Add(30*time.Millisecond)))

	got := nonces(node.Sent())
	require.NotEmpty(t, got)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, n := range got {
		assert.Equal(t, uint64(7+i), n, "nonce %d", i)
	}
	assert.Equal(t, uint64(len(got)), stats.Summary().Sent)
	assert.Zero(t, stats.Summary().Failed)
	assert.True(t, node.Closed(), "binding released on exit")
}

func TestRecipientRotation(t *testing.T) {
	node := rpctest.New("a")
	var count atomic.Int64
	node.SendFunc = func(ctx context.Context, tx *types.Transaction) error {
		if count.Add(1) > 3 {
			return errors.New("stop")
		}
		return nil
	}
	w, _ := newTestWorker(t, cluster{"a": node}, []string{"a"}, 1)

	require.NoError(t, w.Run(context.Background(), time.Now().Add(20*time.Millisecond)))

	sent := node.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, recipients[0], *sent[0].To())
	assert.Equal(t, recipients[1], *sent[1].To())
	assert.Equal(t, recipients[0], *sent[2].To())
}

func TestTransientFailureFailsOverAndResyncs(t *testing.T) {
	a := rpctest.New("a")
	a.SendFunc = func(ctx context.Context, tx *types.Transaction) error {
		return errors.New("read tcp 127.0.0.1:8545: ECONNRESET")
	}
	b := rpctest.New("b")
	nodes := cluster{"a": a, "b": b}
	w, stats := newTestWorker(t, nodes, []string{"a", "b"}, 1)
	a.SetNonce(w.Account().Address, 5)
	b.SetNonce(w.Account().Address, 42)

	require.NoError(t, w.Run(context.Background(), time.Now().Add(30*time.Millisecond)))

	assert.Equal(t, 1, w.Binding().Index(), "bound to the next endpoint")
	assert.True(t, a.Closed(), "old connection released")

	sent := b.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, uint64(42), sent[0].Nonce(), "nonce replaced by the new endpoint's pending count")

	snap := stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, uint64(1), snap.Failovers)
}

func TestConcurrentTransientFailuresRotateOnce(t *testing.T) {
	release := make(chan struct{})
	a := rpctest.New("a")
	a.SendFunc = func(ctx context.Context, tx *types.Transaction) error {
		<-release
		return rpc.ErrClosed
	}
	b := rpctest.New("b")
	c := rpctest.New("c")
	w, stats := newTestWorker(t, cluster{"a": a, "b": b, "c": c}, []string{"a", "b", "c"}, 4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, w.Run(context.Background(), time.Now().Add(40*time.Millisecond)))

	assert.Equal(t, 1, w.Binding().Index())
	assert.Equal(t, uint64(1), stats.Snapshot().Failovers)
	assert.Equal(t, uint64(4), stats.Summary().Failed)
	assert.Empty(t, c.Sent())
}

func TestInsufficientFundsKeepsNonce(t *testing.T) {
	node := rpctest.New("a")
	var calls atomic.Int64
	node.SendFunc = func(ctx context.Context, tx *types.Transaction) error {
		if calls.Add(1) == 1 {
			return &rpc.RPCError{Code: -32000, Message: "insufficient funds for gas * price + value"}
		}
		return nil
	}
	w, stats := newTestWorker(t, cluster{"a": node}, []string{"a"}, 1)

	require.NoError(t, w.Run(context.Background(), time.Now().Add(20*time.Millisecond)))

	sent := node.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, uint64(1), sent[0].Nonce(), "rejected nonce stays consumed")
	assert.Equal(t, uint64(1), stats.Summary().Failed)
	assert.Zero(t, stats.Snapshot().Failovers)
}

func TestUnknownErrorRollsBackNonce(t *testing.T) {
	node := rpctest.New("a")
	var calls atomic.Int64
	node.SendFunc = func(ctx context.Context, tx *types.Transaction) error {
		if calls.Add(1) == 1 {
			return &rpc.RPCError{Code: -32000, Message: "replacement transaction underpriced"}
		}
		return nil
	}
	w, stats := newTestWorker(t, cluster{"a": node}, []string{"a"}, 1)

	require.NoError(t, w.Run(context.Background(), time.Now().Add(20*time.Millisecond)))

	sent := node.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, uint64(0), sent[0].Nonce(), "rejected nonce is reused")
	assert.Equal(t, uint64(1), stats.Summary().Failed)
}

func TestHangingSendTimesOut(t *testing.T) {
	a := rpctest.New("a")
	hang := make(chan struct{})
	defer close(hang)
	a.SendFunc = func(ctx context.Context, tx *types.Transaction) error {
		<-hang // ignores ctx
		return nil
	}
	b := rpctest.New("b")
	w, stats := newTestWorker(t, cluster{"a": a, "b": b}, []string{"a", "b"}, 1)
	w.sendTimeout = 5 * time.Millisecond

	start := time.Now()
	require.NoError(t, w.Run(context.Background(), time.Now().Add(30*time.Millisecond)))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, w.Binding().Index())
	assert.GreaterOrEqual(t, stats.Summary().Failed, uint64(1))
	assert.NotEmpty(t, b.Sent())
}

func TestRateLimitedWorker(t *testing.T) {
	node := rpctest.New("a")
	w, stats := newTestWorker(t, cluster{"a": node}, []string{"a"}, 8)
	w.bucket = ratelimit.New(ratelimit.Config{Rate: 10, BurstMultiplier: 1, Interval: time.Hour})

	require.NoError(t, w.Run(context.Background(), time.Now().Add(50*time.Millisecond)))

	// Capacity 10 and no refill within the window.
	assert.Equal(t, uint64(10), stats.Summary().Sent)
}

// switchDialer fails every dial once down is set.
type switchDialer struct {
	cluster
	down atomic.Bool
}

func (d *switchDialer) Dial(ctx context.Context, ep endpoint.Endpoint) (rpc.Client, error) {
	if d.down.Load() {
		return nil, rpctest.ErrUnreachable
	}
	return d.cluster.Dial(ctx, ep)
}

func TestUnboundWorkerKeepsTokens(t *testing.T) {
	a := rpctest.New("a")
	b := rpctest.New("b")
	dialer := &switchDialer{cluster: cluster{"a": a, "b": b}}
	a.SendFunc = func(ctx context.Context, tx *types.Transaction) error {
		dialer.down.Store(true)
		return errors.New("read tcp 127.0.0.1:8545: ECONNRESET")
	}

	w, stats := newTestWorker(t, dialer.cluster, []string{"a", "b"}, 1)
	w.dialer = dialer
	w.bucket = ratelimit.New(ratelimit.Config{Rate: 10, BurstMultiplier: 1, Interval: time.Hour})

	require.NoError(t, w.Run(context.Background(), time.Now().Add(30*time.Millisecond)))

	client, _ := w.Binding().Client()
	assert.Nil(t, client, "no endpoint came back")
	assert.Equal(t, 9, w.bucket.Tokens(), "only the failed send took a token")
	assert.Zero(t, stats.Summary().Sent)
	assert.Equal(t, uint64(1), stats.Summary().Failed)
	assert.Empty(t, b.Sent())
}

func TestBindFailsWhenNoEndpointReachable(t *testing.T) {
	w, _ := newTestWorker(t, cluster{}, []string{"down"}, 1)
	err := w.Run(context.Background(), time.Now().Add(10*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, rpctest.ErrUnreachable)
}

func TestConfirmerCountsMinedTransactions(t *testing.T) {
	node := rpctest.New("a")
	receipts := rpctest.New("receipts")
	receipts.ReceiptFunc = func(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
		return &rpc.Receipt{TxHash: hash, Status: 1}, nil
	}

	w, stats := newTestWorker(t, cluster{"a": node}, []string{"a"}, 2)
	w.confirmer = NewConfirmer(ConfirmerConfig{
		Client:       receipts,
		Stats:        stats,
		PollInterval: time.Millisecond,
		RateLimit:    1000,
	})

	require.NoError(t, w.Run(context.Background(), time.Now().Add(20*time.Millisecond)))
	w.confirmer.Wait()

	sum := stats.Summary()
	assert.NotZero(t, sum.Sent)
	assert.Equal(t, sum.Sent, sum.Succeeded)
	assert.Zero(t, node.Calls("eth_getTransactionReceipt"), "receipts never polled on the submission connection")
}

func TestConfirmerIgnoresFailures(t *testing.T) {
	receipts := rpctest.New("receipts")
	receipts.ReceiptFunc = func(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
		return nil, &rpc.RPCError{Code: -32000, Message: "unknown block"}
	}
	stats := metrics.NewStats(nil)
	c := NewConfirmer(ConfirmerConfig{Client: receipts, Stats: stats, PollInterval: time.Millisecond})

	c.Track(context.Background(), common.HexToHash("0x01"), time.Now())
	c.Wait()

	assert.Equal(t, metrics.Summary{}, stats.Summary())
}
