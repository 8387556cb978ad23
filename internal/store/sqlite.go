package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/shared"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var migrateMu sync.Mutex

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	now   func() time.Time
	retry shared.RetryPolicy
}

// NewSQLite opens (creating if needed) the database at dbPath and applies
// pending migrations.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now, retry: shared.DefaultRetryPolicy}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	return shared.RetryOnConflict(ctx, s.retry, op, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLiteStore) stamp() int64 {
	return s.now().UnixMilli()
}

// CreateRun creates or resets the run record for id. Logs from earlier turns
// of the same conversation are kept so evidence accumulates; the status
// fields and the cancellation flag start fresh.
func (s *SQLiteStore) CreateRun(ctx context.Context, id string) (*domain.AgentRun, error) {
	now := s.stamp()
	query := `
	INSERT INTO agent_runs (id, status, thought, current_tool, final_response, created_at, updated_at)
	VALUES (?, ?, '', '', '', ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		thought = '',
		current_tool = '',
		final_response = '',
		updated_at = excluded.updated_at`
	if err := s.exec(ctx, "create run", query, id, string(domain.RunThinking), now, now); err != nil {
		return nil, fmt.Errorf("create run %s: %w", id, err)
	}
	if err := s.SetCancelled(ctx, id, false); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

// UpdateRunStatus writes a single status transition. Empty optional fields
// leave the stored values untouched, except current_tool which is cleared
// when the run leaves the executing state.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, u domain.StatusUpdate) error {
	query := `
	UPDATE agent_runs SET
		status = ?,
		thought = CASE WHEN ? = '' THEN thought ELSE ? END,
		current_tool = ?,
		final_response = CASE WHEN ? = '' THEN final_response ELSE ? END,
		updated_at = ?
	WHERE id = ?`
	err := s.exec(ctx, "update run status", query,
		string(u.Status),
		u.Thought, u.Thought,
		u.CurrentTool,
		u.Final, u.Final,
		s.stamp(), u.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", u.RunID, err)
	}
	return nil
}

// AppendRunLog appends human-readable log lines to a run.
func (s *SQLiteStore) AppendRunLog(ctx context.Context, id string, lines ...string) error {
	return s.appendLogs(ctx, id, false, lines)
}

// AppendRawLog appends raw tool output lines to a run.
func (s *SQLiteStore) AppendRawLog(ctx context.Context, id string, lines ...string) error {
	return s.appendLogs(ctx, id, true, lines)
}

func (s *SQLiteStore) appendLogs(ctx context.Context, id string, raw bool, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	err := shared.RetryOnConflict(ctx, s.retry, "append logs", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_logs (run_id, raw, line, created_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.stamp()
		for _, line := range lines {
			if _, err := stmt.ExecContext(ctx, id, boolToInt(raw), line, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append logs to run %s: %w", id, err)
	}
	return nil
}

// RawLogs returns the raw log lines for id.
func (s *SQLiteStore) RawLogs(ctx context.Context, id string) ([]string, error) {
	return s.logs(ctx, id, true)
}

func (s *SQLiteStore) logs(ctx context.Context, id string, raw bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM run_logs WHERE run_id = ? AND raw = ? ORDER BY id`, id, boolToInt(raw))
	if err != nil {
		return nil, fmt.Errorf("query logs for run %s: %w", id, err)
	}
	defer rows.Close()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// GetRun retrieves a run record with its logs.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, thought, current_tool, final_response, created_at, updated_at
		FROM agent_runs WHERE id = ?`, id)

	var run domain.AgentRun
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&run.ID, &status, &run.Thought, &run.CurrentTool, &run.FinalResponse, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = time.UnixMilli(createdAt)
	run.UpdatedAt = time.UnixMilli(updatedAt)

	if run.Logs, err = s.logs(ctx, id, false); err != nil {
		return nil, err
	}
	if run.RawLogs, err = s.logs(ctx, id, true); err != nil {
		return nil, err
	}
	return &run, nil
}

// AppendHistory appends messages to a conversation.
func (s *SQLiteStore) AppendHistory(ctx context.Context, conversationID string, msgs ...domain.StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	err := shared.RetryOnConflict(ctx, s.retry, "append history", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		for _, m := range msgs {
			created := m.CreatedAt
			if created.IsZero() {
				created = s.now()
			}
			var toolCalls any
			if len(m.ToolCalls) > 0 {
				toolCalls = string(m.ToolCalls)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (conversation_id, role, content, tool_call_id, name, tool_calls, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				conversationID, m.Role, m.Content, m.ToolCallID, m.Name, toolCalls, created.UnixMilli())
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append history for %s: %w", conversationID, err)
	}
	return nil
}

// History returns a conversation's messages in order.
func (s *SQLiteStore) History(ctx context.Context, conversationID string) ([]domain.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_call_id, name, tool_calls, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		var toolCalls sql.NullString
		var created int64
		if err := rows.Scan(&m.Role, &m.Content, &m.ToolCallID, &m.Name, &toolCalls, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			m.ToolCalls = json.RawMessage(toolCalls.String)
		}
		m.CreatedAt = time.UnixMilli(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetCancelled sets or clears the cancellation flag for id.
func (s *SQLiteStore) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	query := `
	INSERT INTO cancel_flags (id, cancelled, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET cancelled = excluded.cancelled, updated_at = excluded.updated_at`
	if err := s.exec(ctx, "set cancel flag", query, id, boolToInt(cancelled), s.stamp()); err != nil {
		return fmt.Errorf("set cancel flag for %s: %w", id, err)
	}
	return nil
}

// IsCancelled reads the cancellation flag for id. Missing flags read as false.
func (s *SQLiteStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT cancelled FROM cancel_flags WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag for %s: %w", id, err)
	}
	return v != 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
