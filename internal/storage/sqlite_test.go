package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/txload/pkg/types"
)

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestNullString(t *testing.T) {
	if got := nullString(""); got.Valid {
		t.Error("nullString(\"\") should be invalid")
	}
	if got := nullString("boom"); !got.Valid || got.String != "boom" {
		t.Errorf("nullString(\"boom\") = %+v", got)
	}
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	// A regular file cannot be used as a directory, whoever runs the test.
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewSQLiteStorage(filepath.Join(file, "sub", "test.db"))
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestCreateAndGetRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := &types.RunRecord{
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Params: &types.RunParams{
			DurationSec: 20,
			Workers:     4,
			TargetTPS:   150,
			Mode:        "forward",
			SendMode:    "raw",
			Endpoints:   []string{"http://127.0.0.1:8545"},
			NodeKind:    "geth",
		},
	}
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.ID == "" {
		t.Fatal("CreateRun() should assign an ID")
	}

	got, err := storage.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != types.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be nil for a running run")
	}
	if got.Params == nil || got.Params.Workers != 4 || got.Params.TargetTPS != 150 || got.Params.Endpoints[0] != "http://127.0.0.1:8545" {
		t.Errorf("Params = %+v", got.Params)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, run.StartedAt)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	storage := createTestStorage(t)

	_, err := storage.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestCompleteRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := &types.RunRecord{ID: "run-1", StartedAt: time.Now()}
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := storage.UpdateRunStatus(ctx, run.ID, types.StatusDraining); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}

	run.Sent, run.Succeeded, run.Failed = 10, 9, 1
	run.Forced = true
	if err := storage.CompleteRun(ctx, run); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	got, err := storage.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Sent != 10 || got.Succeeded != 9 || got.Failed != 1 {
		t.Errorf("counters = %d/%d/%d", got.Sent, got.Succeeded, got.Failed)
	}
	if got.Status != types.StatusCompleted || !got.Forced || got.CompletedAt == nil {
		t.Errorf("status=%q forced=%v completedAt=%v", got.Status, got.Forced, got.CompletedAt)
	}
	if got.Params != nil {
		t.Errorf("Params = %+v, want nil", got.Params)
	}
}

func TestCompleteRun_DefaultsToCompleted(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := &types.RunRecord{ID: "run-2", StartedAt: time.Now()}
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.Status != "" {
		t.Errorf("CreateRun() changed caller status to %q", run.Status)
	}
	if err := storage.CompleteRun(ctx, run); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	got, err := storage.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != types.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestCompleteRun_NotFound(t *testing.T) {
	storage := createTestStorage(t)

	err := storage.CompleteRun(context.Background(), &types.RunRecord{ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteRun() error = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		run := &types.RunRecord{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := storage.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", id, err)
		}
	}

	page, err := storage.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Fatalf("page = total %d, %d runs", page.Total, len(page.Runs))
	}
	if page.Runs[0].ID != "c" || page.Runs[1].ID != "b" {
		t.Errorf("order = %s,%s, want newest first", page.Runs[0].ID, page.Runs[1].ID)
	}

	page, err = storage.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(page.Runs) != 1 || page.Runs[0].ID != "a" {
		t.Errorf("second page = %+v", page.Runs)
	}
}

func TestListRuns_Empty(t *testing.T) {
	storage := createTestStorage(t)

	page, err := storage.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if page.Runs == nil || len(page.Runs) != 0 || page.Total != 0 {
		t.Errorf("page = %+v, want empty non-nil list", page)
	}
}

func TestDeleteRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	if err := storage.CreateRun(ctx, &types.RunRecord{ID: "gone", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := storage.DeleteRun(ctx, "gone"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := storage.GetRun(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() after delete error = %v", err)
	}
	if err := storage.DeleteRun(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRun() error = %v", err)
	}
}
