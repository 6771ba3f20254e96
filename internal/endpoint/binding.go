package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gateway-fm/txload/internal/rpc"
)

// Binding is one worker's exclusive connection to an endpoint of the pool.
// Generation increases on every failover so concurrent failures observed on
// the same connection rotate it only once.
type Binding struct {
	pool   *Pool
	dialer Dialer

	mu     sync.Mutex
	index  int
	client rpc.Client
	gen    uint64
}

// Bind connects worker to its primary endpoint. If that endpoint cannot be
// dialled the following endpoints are tried in order.
func Bind(ctx context.Context, pool *Pool, dialer Dialer, worker int) (*Binding, error) {
	b := &Binding{pool: pool, dialer: dialer}
	if err := b.connect(ctx, pool.IndexFor(worker)); err != nil {
		return nil, err
	}
	return b, nil
}

// connect dials start and then each following endpoint until one succeeds.
func (b *Binding) connect(ctx context.Context, start int) error {
	var errs []error
	idx := start
	for i := 0; i < b.pool.Len(); i++ {
		client, err := b.dialer.Dial(ctx, b.pool.At(idx))
		if err == nil {
			b.index = idx
			b.client = client
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		idx = b.pool.Next(idx)
	}
	return fmt.Errorf("no endpoint reachable: %w", errors.Join(errs...))
}

// Client returns the current connection and its generation.
func (b *Binding) Client() (rpc.Client, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client, b.gen
}

// Index returns the pool index of the bound endpoint.
func (b *Binding) Index() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index
}

// Endpoint returns the bound endpoint.
func (b *Binding) Endpoint() Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool.At(b.index)
}

// Failover releases the connection of generation gen and binds the next
// endpoint in the pool. It returns false without doing anything when gen is
// stale, meaning another caller already rotated away from that connection.
func (b *Binding) Failover(ctx context.Context, gen uint64) (rpc.Client, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return b.client, false, nil
	}

	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
	}
	b.gen++

	if err := b.connect(ctx, b.pool.Next(b.index)); err != nil {
		return nil, true, err
	}
	return b.client, true, nil
}

// Close releases the current connection.
func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
