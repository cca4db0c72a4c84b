package store

import (
	"context"
	"errors"

	"github.com/seantiz/volley/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate statistics across all runs.
type RunStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	TotalSucceeded int64          `json:"total_succeeded"`
	AvgRPS         float64        `json:"avg_rps"`
}

// Store defines the persistence operations for runs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertStatusCounts(ctx context.Context, runID string, counts map[int]int64) error
	GetStatusCounts(ctx context.Context, runID string) ([]model.StatusCount, error)
	Close() error
}
