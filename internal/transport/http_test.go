package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/txload/internal/storage"
	"github.com/gateway-fm/txload/pkg/types"
)

type fixedStatus struct {
	resp types.StatusResponse
}

func (f fixedStatus) Status() types.StatusResponse { return f.resp }

// memStore is an in-memory run store.
type memStore struct {
	mu      sync.Mutex
	runs    []types.RunRecord
	listErr error
	limit   int
	offset  int
}

func (m *memStore) CreateRun(context.Context, *types.RunRecord) error               { return nil }
func (m *memStore) UpdateRunStatus(context.Context, string, types.RunStatus) error { return nil }
func (m *memStore) CompleteRun(context.Context, *types.RunRecord) error            { return nil }
func (m *memStore) Close() error                                                   { return nil }

func (m *memStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			m.runs = append(m.runs[:i], m.runs[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) GetRun(_ context.Context, id string) (*types.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			run := m.runs[i]
			return &run, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListRuns(_ context.Context, limit, offset int) (*types.PaginatedRuns, error) {
	m.mu.Lock()
	m.limit, m.offset = limit, offset
	m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return &types.PaginatedRuns{Runs: m.runs, Total: len(m.runs), Limit: limit, Offset: offset}, nil
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) CheckRPC(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, cfg ServerConfig) *httptest.Server {
	t.Helper()
	if cfg.Status == nil {
		cfg.Status = fixedStatus{resp: types.StatusResponse{Status: types.StatusRunning, Sent: 7, Succeeded: 5, Failed: 1}}
	}
	s := NewServer(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	var got types.StatusResponse
	if code := getJSON(t, srv.URL+"/v1/status", &got); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if got.Status != types.StatusRunning || got.Sent != 7 || got.Succeeded != 5 || got.Failed != 1 {
		t.Errorf("status = %+v", got)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	resp, err := http.Post(srv.URL+"/v1/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", resp.StatusCode)
	}
}

func TestRunsPagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", 50, 0},
		{"explicit", "?limit=10&offset=20", 10, 20},
		{"limit above max ignored", "?limit=500", 50, 0},
		{"negative offset ignored", "?offset=-4", 50, 0},
		{"garbage ignored", "?limit=abc&offset=xyz", 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{runs: []types.RunRecord{{ID: "a"}, {ID: "b"}}}
			srv := newTestServer(t, ServerConfig{Store: store})

			var page types.PaginatedRuns
			if code := getJSON(t, srv.URL+"/v1/runs"+tt.query, &page); code != http.StatusOK {
				t.Fatalf("code = %d", code)
			}
			store.mu.Lock()
			limit, offset := store.limit, store.offset
			store.mu.Unlock()
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("limit/offset = %d/%d, want %d/%d", limit, offset, tt.wantLimit, tt.wantOffset)
			}
			if page.Total != 2 {
				t.Errorf("total = %d, want 2", page.Total)
			}
		})
	}
}

func TestRunsWithoutStore(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	var errResp types.ErrorResponse
	if code := getJSON(t, srv.URL+"/v1/runs", &errResp); code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if errResp.Error == "" {
		t.Error("expected error message")
	}
}

func TestRunsStoreError(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Store: &memStore{listErr: errors.New("disk full")}})

	var errResp types.ErrorResponse
	if code := getJSON(t, srv.URL+"/v1/runs", &errResp); code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", code)
	}
	if !strings.Contains(errResp.Error, "disk full") {
		t.Errorf("error = %q", errResp.Error)
	}
}

func TestRunDetail(t *testing.T) {
	store := &memStore{runs: []types.RunRecord{{ID: "run-1", Sent: 10, Succeeded: 9, Failed: 1, Status: types.StatusCompleted}}}
	srv := newTestServer(t, ServerConfig{Store: store})

	var run types.RunRecord
	if code := getJSON(t, srv.URL+"/v1/runs/run-1", &run); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if run.ID != "run-1" || run.Sent != 10 || run.Status != types.StatusCompleted {
		t.Errorf("run = %+v", run)
	}

	if code := getJSON(t, srv.URL+"/v1/runs/missing", nil); code != http.StatusNotFound {
		t.Errorf("missing run code = %d, want 404", code)
	}
}

func deleteRun(t *testing.T, url string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestDeleteRun(t *testing.T) {
	store := &memStore{runs: []types.RunRecord{{ID: "old"}, {ID: "live"}}}
	srv := newTestServer(t, ServerConfig{
		Store:  store,
		Status: fixedStatus{resp: types.StatusResponse{Status: types.StatusRunning, RunID: "live"}},
	})

	if code := deleteRun(t, srv.URL+"/v1/runs/old"); code != http.StatusNoContent {
		t.Errorf("delete code = %d, want 204", code)
	}
	if code := getJSON(t, srv.URL+"/v1/runs/old", nil); code != http.StatusNotFound {
		t.Errorf("deleted run code = %d, want 404", code)
	}
	if code := deleteRun(t, srv.URL+"/v1/runs/old"); code != http.StatusNotFound {
		t.Errorf("second delete code = %d, want 404", code)
	}
	if code := deleteRun(t, srv.URL+"/v1/runs/live"); code != http.StatusConflict {
		t.Errorf("active run delete code = %d, want 409", code)
	}
	if code := getJSON(t, srv.URL+"/v1/runs/live", nil); code != http.StatusOK {
		t.Errorf("active run code = %d, want 200", code)
	}
}

func TestHealthAndReady(t *testing.T) {
	var unhealthy atomic.Bool
	srv := newTestServer(t, ServerConfig{
		Health: healthFunc(func(context.Context) error {
			if !unhealthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		}),
	})

	if code := getJSON(t, srv.URL+"/health", nil); code != http.StatusOK {
		t.Errorf("/health code = %d", code)
	}

	var ready struct {
		Ready  bool             `json:"ready"`
		Checks []ReadinessCheck `json:"checks"`
	}
	if code := getJSON(t, srv.URL+"/ready", &ready); code != http.StatusOK || !ready.Ready {
		t.Errorf("/ready = %d %+v", code, ready)
	}

	unhealthy.Store(true)
	if code := getJSON(t, srv.URL+"/ready", &ready); code != http.StatusServiceUnavailable || ready.Ready {
		t.Errorf("/ready unhealthy = %d %+v", code, ready)
	}
	if len(ready.Checks) != 1 || ready.Checks[0].Status != "failed" {
		t.Errorf("checks = %+v", ready.Checks)
	}
}

func TestCORS(t *testing.T) {
	t.Run("allow all", func(t *testing.T) {
		srv := newTestServer(t, ServerConfig{})
		resp, err := http.Get(srv.URL + "/v1/status")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("allow-origin = %q", got)
		}
	})

	t.Run("allow list", func(t *testing.T) {
		srv := newTestServer(t, ServerConfig{CORSAllowedOrigins: "https://a.example, https://b.example"})

		for origin, want := range map[string]string{
			"https://b.example":    "https://b.example",
			"https://evil.example": "",
		} {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/status", nil)
			req.Header.Set("Origin", origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != want {
				t.Errorf("origin %s: allow-origin = %q, want %q", origin, got, want)
			}
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "txload_test_total", Help: "test"}).Add(3)
	srv := newTestServer(t, ServerConfig{Metrics: reg})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "txload_test_total 3") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestWebSocketStreamsStatus(t *testing.T) {
	srv := newTestServer(t, ServerConfig{BroadcastInterval: 10 * time.Millisecond})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Initial snapshot plus at least one broadcast.
	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got types.StatusResponse
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got.Sent != 7 || got.Status != types.StatusRunning {
			t.Errorf("snapshot %d = %+v", i, got)
		}
	}
}
