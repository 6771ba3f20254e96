package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrSendTimeout is returned when a submission exceeds its per-call budget.
var ErrSendTimeout = errors.New("tx-send-timeout")

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("connection closed")

// Class sentinels. Tag wraps a send error in the sentinel of its class so
// callers can branch with errors.Is.
var (
	ErrTransient         = errors.New("transient send error")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Class groups send errors by how the worker reacts to them.
type Class int

const (
	// ClassUnknown errors roll the local nonce back by one.
	ClassUnknown Class = iota
	// ClassTransient errors trigger endpoint failover and nonce resync.
	ClassTransient
	// ClassInsufficientFunds errors back off briefly and keep the nonce.
	ClassInsufficientFunds
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInsufficientFunds:
		return "insufficient_funds"
	default:
		return "unknown"
	}
}

var transientPattern = regexp.MustCompile(`(?i)tx-send-timeout|connection|ECONNRESET|socket|timeout|closed`)

// Classify maps a send error to its handling class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, ErrInsufficientFunds) {
		return ClassInsufficientFunds
	}
	if errors.Is(err, ErrTransient) {
		return ClassTransient
	}

	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "insufficient funds") {
		return ClassInsufficientFunds
	}

	if errors.Is(err, ErrSendTimeout) || errors.Is(err, ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.IsRetryable() {
		return ClassTransient
	}

	if transientPattern.MatchString(msg) {
		return ClassTransient
	}
	return ClassUnknown
}

// Tag wraps err in ErrTransient or ErrInsufficientFunds according to its
// class. Unknown errors and nil are returned unchanged.
func Tag(err error) error {
	switch Classify(err) {
	case ClassTransient:
		if errors.Is(err, ErrTransient) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case ClassInsufficientFunds:
		if errors.Is(err, ErrInsufficientFunds) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	default:
		return err
	}
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true for 429, 502, 503 and 504.
func (e *HTTPStatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusGatewayTimeout
}

func isHTTPStatusError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr)
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}
