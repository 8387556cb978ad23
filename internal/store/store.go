// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/shsh-recon/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = domain.ErrNotFound

// RunStore persists agent run status records and their logs.
type RunStore interface {
	// CreateRun starts a run record for id. An existing record is reset to
	// thinking; its logs are kept.
	CreateRun(ctx context.Context, id string) (*domain.AgentRun, error)

	// UpdateRunStatus applies a single status transition.
	UpdateRunStatus(ctx context.Context, u domain.StatusUpdate) error

	// AppendRunLog appends human-readable log lines.
	AppendRunLog(ctx context.Context, id string, lines ...string) error

	// AppendRawLog appends raw tool output lines used as evidence.
	AppendRawLog(ctx context.Context, id string, lines ...string) error

	// RawLogs returns all raw log lines for id in insertion order.
	RawLogs(ctx context.Context, id string) ([]string, error)

	// GetRun returns the run record with its logs.
	GetRun(ctx context.Context, id string) (*domain.AgentRun, error)
}

// HistoryStore persists conversation history. It is append-only.
type HistoryStore interface {
	AppendHistory(ctx context.Context, conversationID string, msgs ...domain.StoredMessage) error
	History(ctx context.Context, conversationID string) ([]domain.StoredMessage, error)
}

// CancelStore holds per-run/session cancellation flags.
type CancelStore interface {
	SetCancelled(ctx context.Context, id string, cancelled bool) error
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// PipelineStore persists scan pipeline runs and their stage results.
type PipelineStore interface {
	// CreatePipelineRun inserts a run with every stage pending.
	CreatePipelineRun(ctx context.Context, run *domain.PipelineRun) error

	// GetPipelineRun returns the run with its stage map and summed counters.
	GetPipelineRun(ctx context.Context, scanID string) (*domain.PipelineRun, error)

	// GetStage returns one stage record, or ErrNotFound.
	GetStage(ctx context.Context, scanID string, stage domain.StageName) (*domain.StageRecord, error)

	// SaveStage upserts a stage record. Last write wins.
	SaveStage(ctx context.Context, rec *domain.StageRecord) error

	// FinishPipelineRun closes the run with a terminal status.
	FinishPipelineRun(ctx context.Context, scanID string, status domain.ScanStatus, report, errMsg string) error
}

// Repository is the full persistence surface.
type Repository interface {
	RunStore
	HistoryStore
	CancelStore
	PipelineStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
