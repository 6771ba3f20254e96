// Package mcp provides MCP server tools over the txload status API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gateway-fm/txload/pkg/types"
)

// Client is a thin HTTP client for the txload status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new status API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Get performs a GET request and decodes the JSON body into v.
func (c *Client) Get(ctx context.Context, path string, v any) error {
	code, body, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	if code >= 400 {
		return apiError(code, body)
	}
	return decode(body, v)
}

func (c *Client) do(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func apiError(code int, body []byte) error {
	var apiErr types.ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("HTTP %d: %s", code, apiErr.Error)
	}
	return fmt.Errorf("HTTP %d: %s", code, strings.TrimSpace(string(body)))
}

func decode(body []byte, v any) error {
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// ReadinessCheck is one entry of the /ready response.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error"`
}

// Readiness is the /ready response.
type Readiness struct {
	Ready  bool             `json:"ready"`
	Checks []ReadinessCheck `json:"checks"`
}

// Ready fetches the readiness probe. A 503 still carries the failing checks.
func (c *Client) Ready(ctx context.Context) (*Readiness, error) {
	code, body, err := c.do(ctx, "/ready")
	if err != nil {
		return nil, err
	}
	if code >= 400 && code != http.StatusServiceUnavailable {
		return nil, apiError(code, body)
	}
	var r Readiness
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Status fetches the live run status.
func (c *Client) Status(ctx context.Context) (*types.StatusResponse, error) {
	var s types.StatusResponse
	if err := c.Get(ctx, "/v1/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Runs fetches a page of run history.
func (c *Client) Runs(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error) {
	var page types.PaginatedRuns
	if err := c.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Run fetches one run by ID.
func (c *Client) Run(ctx context.Context, id string) (*types.RunRecord, error) {
	var run types.RunRecord
	if err := c.Get(ctx, "/v1/runs/"+id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
