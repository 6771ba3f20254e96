// Package types contains public API types for the load generator.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// RunStatus represents the state of a load run.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusFunding   RunStatus = "funding" // Topping up worker accounts
	StatusRunning   RunStatus = "running"
	StatusDraining  RunStatus = "draining" // Deadline passed, waiting for in-flight sends
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// RunParams captures the settings a run was started with.
type RunParams struct {
	DurationSec       float64  `json:"durationSec"`
	Workers           int      `json:"workers"`
	InflightPerWorker int      `json:"inflightPerWorker"`
	TargetTPS         float64  `json:"targetTps"`
	BurstMultiplier   float64  `json:"burstMultiplier"`
	Mode              string   `json:"mode"`     // "direct" or "forward"
	SendMode          string   `json:"sendMode"` // "raw" or "managed"
	Endpoints         []string `json:"endpoints"`
	URLOffset         int      `json:"urlOffset"`
	AccountOffset     int      `json:"accountOffset"`
	NodeKind          string   `json:"nodeKind"`
	ChainID           string   `json:"chainId,omitempty"`
}

// RunRecord is a persisted run with its final counters.
type RunRecord struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Params       *RunParams `json:"params,omitempty"`
	Sent         uint64     `json:"sent"`
	Succeeded    uint64     `json:"succeeded"`
	Failed       uint64     `json:"failed"`
	Status       RunStatus  `json:"status"`
	Forced       bool       `json:"forced"` // Ended by the watchdog
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// PaginatedRuns is a page of run history.
type PaginatedRuns struct {
	Runs   []RunRecord `json:"runs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// StatusResponse is the live view of the current run.
type StatusResponse struct {
	Status       RunStatus  `json:"status"`
	RunID        string     `json:"runId,omitempty"`
	Params       *RunParams `json:"params,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	ElapsedMs    int64      `json:"elapsedMs"`
	Sent         uint64     `json:"sent"`
	Succeeded    uint64     `json:"succeeded"`
	Failed       uint64     `json:"failed"`
	Failovers    uint64     `json:"failovers"`
	InFlight     int64      `json:"inFlight"`
	BucketTokens int        `json:"bucketTokens"`
	SentTPS      float64    `json:"sentTps"`
}

// ErrorResponse is returned by the API on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
