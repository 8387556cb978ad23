package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/shsh-recon/internal/domain"
)

// CreatePipelineRun inserts a run and a pending row for every stage.
func (s *SQLiteStore) CreatePipelineRun(ctx context.Context, run *domain.PipelineRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := s.stamp()
	status := run.Status
	if status == "" {
		status = domain.ScanRunning
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (scan_id, target, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, run.ScanID, run.Target, string(status), now, now)
	if err != nil {
		return fmt.Errorf("insert pipeline run %s: %w", run.ScanID, err)
	}
	for _, stage := range domain.Stages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pipeline_stages (scan_id, stage, status, updated_at)
			VALUES (?, ?, ?, ?)`, run.ScanID, string(stage), string(domain.StagePending), now)
		if err != nil {
			return fmt.Errorf("insert stage %s: %w", stage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pipeline run %s: %w", run.ScanID, err)
	}
	return nil
}

// GetPipelineRun returns the run with its stage map. Counters are the sum of
// every stage's counters, so replaying a stage cannot inflate them.
func (s *SQLiteStore) GetPipelineRun(ctx context.Context, scanID string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var status string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT scan_id, target, status, report, error, created_at, updated_at
		FROM pipeline_runs WHERE scan_id = ?`, scanID).
		Scan(&run.ScanID, &run.Target, &status, &run.Report, &run.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline run: %w", err)
	}
	run.Status = domain.ScanStatus(status)
	run.CreatedAt = time.UnixMilli(createdAt)
	run.UpdatedAt = time.UnixMilli(updatedAt)
	run.Stages = make(map[domain.StageName]domain.StageStatus)
	run.Counters = make(map[string]int)

	records, err := s.stages(ctx, scanID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		run.Stages[rec.Stage] = rec.Status
		for k, v := range rec.Counters {
			run.Counters[k] += v
		}
	}
	return &run, nil
}

func (s *SQLiteStore) stages(ctx context.Context, scanID string) ([]domain.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, stage, status, output, counters, error
		FROM pipeline_stages WHERE scan_id = ?`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query stages for %s: %w", scanID, err)
	}
	defer rows.Close()

	var out []domain.StageRecord
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (*domain.StageRecord, error) {
	var rec domain.StageRecord
	var stage, status string
	var output, counters sql.NullString
	if err := row.Scan(&rec.ScanID, &stage, &status, &output, &counters, &rec.Error); err != nil {
		return nil, err
	}
	rec.Stage = domain.StageName(stage)
	rec.Status = domain.StageStatus(status)
	if output.Valid && output.String != "" {
		rec.Output = json.RawMessage(output.String)
	}
	if counters.Valid && counters.String != "" {
		if err := json.Unmarshal([]byte(counters.String), &rec.Counters); err != nil {
			return nil, fmt.Errorf("decode counters for stage %s: %w", stage, err)
		}
	}
	return &rec, nil
}

// GetStage returns a single stage record.
func (s *SQLiteStore) GetStage(ctx context.Context, scanID string, stage domain.StageName) (*domain.StageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scan_id, stage, status, output, counters, error
		FROM pipeline_stages WHERE scan_id = ? AND stage = ?`, scanID, string(stage))
	rec, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stage %s/%s: %w", scanID, stage, err)
	}
	return rec, nil
}

// SaveStage upserts a stage record and bumps the run's updated_at.
func (s *SQLiteStore) SaveStage(ctx context.Context, rec *domain.StageRecord) error {
	var output, counters any
	if len(rec.Output) > 0 {
		output = string(rec.Output)
	}
	if len(rec.Counters) > 0 {
		b, err := json.Marshal(rec.Counters)
		if err != nil {
			return fmt.Errorf("encode counters: %w", err)
		}
		counters = string(b)
	}
	now := s.stamp()
	err := s.exec(ctx, "save stage", `
		INSERT INTO pipeline_stages (scan_id, stage, status, output, counters, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_id, stage) DO UPDATE SET
			status = excluded.status,
			output = COALESCE(excluded.output, pipeline_stages.output),
			counters = COALESCE(excluded.counters, pipeline_stages.counters),
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.ScanID, string(rec.Stage), string(rec.Status), output, counters, rec.Error, now)
	if err != nil {
		return fmt.Errorf("save stage %s/%s: %w", rec.ScanID, rec.Stage, err)
	}
	if err := s.exec(ctx, "touch pipeline run",
		`UPDATE pipeline_runs SET updated_at = ? WHERE scan_id = ?`, now, rec.ScanID); err != nil {
		return fmt.Errorf("touch pipeline run %s: %w", rec.ScanID, err)
	}
	return nil
}

// FinishPipelineRun records the terminal status of a run.
func (s *SQLiteStore) FinishPipelineRun(ctx context.Context, scanID string, status domain.ScanStatus, report, errMsg string) error {
	err := s.exec(ctx, "finish pipeline run", `
		UPDATE pipeline_runs SET status = ?, report = ?, error = ?, updated_at = ?
		WHERE scan_id = ?`, string(status), report, errMsg, s.stamp(), scanID)
	if err != nil {
		return fmt.Errorf("finish pipeline run %s: %w", scanID, err)
	}
	return nil
}
