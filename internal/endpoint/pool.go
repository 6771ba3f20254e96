// Package endpoint resolves execution-layer endpoints for workers and handles
// failover between them.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoEndpoints is returned when a pool would be empty.
var ErrNoEndpoints = errors.New("no usable endpoints")

// Kind is the transport an endpoint is reached over.
type Kind int

const (
	// KindHTTP is request/response JSON-RPC over HTTP(S).
	KindHTTP Kind = iota
	// KindWS is streaming JSON-RPC over a websocket.
	KindWS
)

func (k Kind) String() string {
	if k == KindWS {
		return "ws"
	}
	return "http"
}

// Endpoint is a URL plus its transport kind.
type Endpoint struct {
	URL  string
	Kind Kind
}

// Parse determines the transport kind from the URL scheme.
func Parse(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return Endpoint{URL: raw, Kind: KindHTTP}, nil
	case "ws", "wss":
		return Endpoint{URL: raw, Kind: KindWS}, nil
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// Pool is an ordered endpoint list with a rotation offset. Worker i is
// primarily bound to endpoints[(i+offset) mod len].
type Pool struct {
	endpoints []Endpoint
	offset    int
}

// NewPool parses urls, dropping streaming endpoints when onlyHTTP is set.
// Empty entries are ignored.
func NewPool(urls []string, offset int, onlyHTTP bool) (*Pool, error) {
	endpoints := make([]Endpoint, 0, len(urls))
	for _, raw := range urls {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		ep, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if onlyHTTP && ep.Kind != KindHTTP {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if offset < 0 {
		offset = 0
	}
	return &Pool{endpoints: endpoints, offset: offset}, nil
}

// Len returns the number of endpoints.
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// Offset returns the rotation offset.
func (p *Pool) Offset() int {
	return p.offset
}

// IndexFor returns the primary endpoint index for a worker.
func (p *Pool) IndexFor(worker int) int {
	return (worker + p.offset) % len(p.endpoints)
}

// For returns the primary endpoint for a worker.
func (p *Pool) For(worker int) Endpoint {
	return p.endpoints[p.IndexFor(worker)]
}

// At returns the endpoint at index i (wrapping).
func (p *Pool) At(i int) Endpoint {
	return p.endpoints[i%len(p.endpoints)]
}

// Next returns the index after i, wrapping at the end of the list.
func (p *Pool) Next(i int) int {
	return (i + 1) % len(p.endpoints)
}

// Endpoints returns a copy of the endpoint list.
func (p *Pool) Endpoints() []Endpoint {
	out := make([]Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// FirstHTTP returns the first request/response endpoint, if any.
func (p *Pool) FirstHTTP() (Endpoint, bool) {
	for _, ep := range p.endpoints {
		if ep.Kind == KindHTTP {
			return ep, true
		}
	}
	return Endpoint{}, false
}
