package domain

import (
	"context"
	"time"
)

// QueryExecutor runs compiled SQL. Implemented by engine.DuckDBExecutor.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, params []interface{}) (*QueryResult, error)
	ExecContext(ctx context.Context, query string, params []interface{}) error
}

// QueryResult is a fully materialized result set.
type QueryResult struct {
	Columns []string
	Rows    [][]interface{}
}

// Pre-aggregation table states tracked by the refresh worker.
const (
	PreAggStatusFresh    = "FRESH"
	PreAggStatusStale    = "STALE"
	PreAggStatusBuilding = "BUILDING"
	PreAggStatusFailed   = "FAILED"
)

// PreAggregationState is the freshness bookkeeping of one pre-aggregation table
// (or one partition of it).
type PreAggregationState struct {
	ID               string
	PreAggregationID string
	TableName        string
	InvalidateKey    string
	Status           string
	LastError        string
	LastCheckedAt    *time.Time
	LastRefreshedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PreAggregationStateRepository persists PreAggregationState rows.
// Implemented by repository.PreAggregationStateRepo.
type PreAggregationStateRepository interface {
	Upsert(ctx context.Context, s *PreAggregationState) (*PreAggregationState, error)
	GetByTable(ctx context.Context, tableName string) (*PreAggregationState, error)
	List(ctx context.Context) ([]PreAggregationState, error)
	UpdateStatus(ctx context.Context, tableName, status, lastError string) error
	Delete(ctx context.Context, tableName string) error
}

// Refresh run outcomes.
const (
	RefreshRunSucceeded = "SUCCEEDED"
	RefreshRunFailed    = "FAILED"
)

// RefreshRun records one rebuild of a pre-aggregation table.
type RefreshRun struct {
	ID         string    `json:"id"`
	TableName  string    `json:"tableName"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration is the wall time of the run.
func (r *RefreshRun) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// RefreshRunRepository records rebuild history. Implemented by repository.RefreshRunRepo.
type RefreshRunRepository interface {
	Create(ctx context.Context, run *RefreshRun) (*RefreshRun, error)
	ListByTable(ctx context.Context, tableName string, page PageRequest) ([]RefreshRun, int64, error)
}
