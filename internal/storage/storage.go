// Package storage provides persistence for load run history.
package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/txload/pkg/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Storage defines the persistence interface for run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.RunRecord) error
	UpdateRunStatus(ctx context.Context, id string, status types.RunStatus) error
	CompleteRun(ctx context.Context, run *types.RunRecord) error

	// History queries
	GetRun(ctx context.Context, id string) (*types.RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
