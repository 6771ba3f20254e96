package endpoint

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gateway-fm/txload/internal/execnode"
	"github.com/gateway-fm/txload/internal/rpc"
)

// Dialer opens a client connection to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (rpc.Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (rpc.Client, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (rpc.Client, error) {
	return f(ctx, ep)
}

// RPCDialer dials the rpc package clients.
//
// In raw mode http endpoints get an HTTPClient and ws endpoints a WSClient,
// both submitting eth_sendRawTransaction directly. In managed mode every
// endpoint goes through go-ethereum's ethclient.
type RPCDialer struct {
	Managed    bool
	Timeout    time.Duration
	MaxRetries int
	Caps       *execnode.Capabilities
	Logger     *slog.Logger

	// HTTPClient is shared by all http connections so keep-alive pools are reused.
	HTTPClient *http.Client
}

// Dial opens a connection to ep.
func (d *RPCDialer) Dial(ctx context.Context, ep Endpoint) (rpc.Client, error) {
	cfg := rpc.DefaultClientConfig(ep.URL)
	if d.Timeout > 0 {
		cfg.Timeout = d.Timeout
	}
	cfg.MaxRetries = d.MaxRetries
	cfg.HTTPClient = d.HTTPClient
	cfg.Logger = d.Logger
	if d.Caps != nil {
		cfg.PreferPendingNonce = d.Caps.SupportsPendingNonce
	}

	if d.Managed {
		return rpc.DialEth(ctx, cfg)
	}
	if ep.Kind == KindWS {
		return rpc.DialWS(ctx, cfg)
	}
	return rpc.NewHTTPClient(cfg), nil
}
