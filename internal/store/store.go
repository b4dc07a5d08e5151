package store

import (
	"context"
	"errors"

	"github.com/seantiz/switchyard/internal/model"
)

// ErrNotFound is returned when a worker or archived execution does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionStats holds aggregate statistics over archived executions.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	Partial       int            `json:"partial"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// ThreadStore persists conversation threads.
type ThreadStore interface {
	AppendMessage(ctx context.Context, threadID string, m model.Message) error
	ReadRecentMessages(ctx context.Context, threadID string, limit int) (model.Messages, error)
}

// WorkerStore persists dynamic workers per owner.
type WorkerStore interface {
	FetchDynamicWorkers(ctx context.Context, ownerID string) ([]model.WorkerRecord, error)
	UpsertWorker(ctx context.Context, rec model.WorkerRecord) error
	DeleteWorker(ctx context.Context, ownerID, id string) error
}

// ExecutionArchive keeps terminal executions after they leave memory.
type ExecutionArchive interface {
	ArchiveExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
}

// FinalizationClaims records which executions had their final message
// written, so the write happens once per id across restarts.
type FinalizationClaims interface {
	ClaimFinalization(ctx context.Context, executionID string) (bool, error)
	ReleaseFinalization(ctx context.Context, executionID string) error
	FinalizationClaimed(ctx context.Context, executionID string) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	ThreadStore
	WorkerStore
	ExecutionArchive
	FinalizationClaims
	Close() error
}
