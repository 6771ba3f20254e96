package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

// newWSServer serves JSON-RPC over websocket. Responses are written in reverse
// request order when batched to exercise id matching.
func newWSServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req JSONRPCRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "hang" {
				continue
			}
			if req.Method == "drop" {
				return
			}
			resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
			if result, ok := results[req.Method]; ok {
				resp.Result = json.RawMessage(result)
			} else {
				resp.Error = &JSONRPCError{Code: -32601, Message: "method not found"}
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClientCalls(t *testing.T) {
	srv := newWSServer(t, map[string]string{
		"eth_chainId":             `"0x539"`,
		"eth_getTransactionCount": `"0x5"`,
	})

	ctx := context.Background()
	c, err := DialWS(ctx, ClientConfig{URL: wsURL(srv), Timeout: time.Second})
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}
	defer c.Close()

	id, err := c.ChainID(ctx)
	if err != nil || id.Int64() != 1337 {
		t.Fatalf("ChainID() = %v, %v", id, err)
	}

	nonce, err := c.GetNonce(ctx, common.Address{})
	if err != nil || nonce != 5 {
		t.Fatalf("GetNonce() = %d, %v", nonce, err)
	}

	_, err = c.Call(ctx, "eth_unknown", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected method-not-found RPCError, got %v", err)
	}
}

func TestWSClientTimeoutIsTransient(t *testing.T) {
	srv := newWSServer(t, nil)

	c, err := DialWS(context.Background(), ClientConfig{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Call(ctx, "hang", nil)
	if Classify(err) != ClassTransient {
		t.Fatalf("Classify(%v) = %s, want transient", err, Classify(err))
	}
}

func TestWSClientDroppedConnection(t *testing.T) {
	srv := newWSServer(t, nil)

	c, err := DialWS(context.Background(), ClientConfig{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.Call(ctx, "drop", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if Classify(err) != ClassTransient {
		t.Errorf("closed connection should classify as transient")
	}

	// Subsequent calls fail fast.
	_, err = c.Call(ctx, "eth_chainId", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drop, got %v", err)
	}
}

func TestEthClientAgainstHTTP(t *testing.T) {
	h := &rpcHandler{results: map[string]interface{}{
		"eth_chainId":               "0x539",
		"eth_getTransactionCount":   "0xb",
		"eth_getTransactionReceipt": nil,
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx := context.Background()
	c, err := DialEth(ctx, ClientConfig{URL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("DialEth() error = %v", err)
	}
	defer c.Close()

	id, err := c.ChainID(ctx)
	if err != nil || id.Int64() != 1337 {
		t.Fatalf("ChainID() = %v, %v", id, err)
	}

	nonce, err := c.GetNonce(ctx, common.Address{})
	if err != nil || nonce != 11 {
		t.Fatalf("GetNonce() = %d, %v", nonce, err)
	}

	r, err := c.GetTransactionReceipt(ctx, common.Hash{})
	if err != nil || r != nil {
		t.Fatalf("GetTransactionReceipt() = %v, %v, want nil, nil", r, err)
	}

	_, err = c.Call(ctx, "eth_missing", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected *RPCError -32601, got %v", err)
	}
}
