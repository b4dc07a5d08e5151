package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/switchyard/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
    thread_id    TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    role         TEXT NOT NULL,
    content      TEXT NOT NULL,
    worker_id    TEXT,
    tool_name    TEXT,
    tool_call_id TEXT,
    tool_calls   TEXT,
    is_error     INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (thread_id, seq)
)`,
	`CREATE TABLE IF NOT EXISTS workers (
    owner_id     TEXT NOT NULL,
    id           TEXT NOT NULL,
    name         TEXT NOT NULL,
    kind         TEXT NOT NULL,
    model        TEXT NOT NULL,
    instructions TEXT,
    tools        TEXT,
    delegates    TEXT,
    tags         TEXT,
    parent_id    TEXT,
    updated_at   DATETIME NOT NULL,
    PRIMARY KEY (owner_id, id)
)`,
	`CREATE TABLE IF NOT EXISTS executions (
    id               TEXT PRIMARY KEY,
    requester_id     TEXT,
    thread_id        TEXT,
    target_worker_id TEXT,
    status           TEXT NOT NULL,
    partial          INTEGER NOT NULL DEFAULT 0,
    error            TEXT,
    elapsed_ms       INTEGER,
    start_time       DATETIME NOT NULL,
    end_time         DATETIME,
    snapshot         TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_start ON executions (start_time)`,
	`CREATE TABLE IF NOT EXISTS finalizations (
    execution_id TEXT PRIMARY KEY,
    claimed_at   DATETIME NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage appends m to the end of the thread.
func (s *SQLiteStore) AppendMessage(ctx context.Context, threadID string, m model.Message) error {
	var workerID, toolName, callID string
	var toolCalls []byte
	var isError bool
	switch v := m.(type) {
	case model.AIMessage:
		workerID = v.WorkerID
		if len(v.ToolCalls) > 0 {
			b, err := json.Marshal(v.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = b
		}
	case model.ToolMessage:
		toolName = v.ToolName
		callID = v.CallID
		isError = v.IsError
	}

	at := m.Time()
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (
			thread_id, seq, role, content, worker_id, tool_name, tool_call_id,
			tool_calls, is_error, created_at
		) SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?
		FROM messages WHERE thread_id = ?`,
		threadID, m.Role(), m.Text(), workerID, toolName, callID,
		string(toolCalls), isError, at.UTC(), threadID,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ReadRecentMessages returns the last limit messages of the thread in
// chronological order. A non-positive limit returns the whole thread.
func (s *SQLiteStore) ReadRecentMessages(ctx context.Context, threadID string, limit int) (model.Messages, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, worker_id, tool_name, tool_call_id, tool_calls, is_error, created_at
		FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?`, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var out model.Messages
	for rows.Next() {
		var (
			role, content              string
			workerID, toolName, callID sql.NullString
			toolCalls                  sql.NullString
			isError                    bool
			createdAt                  time.Time
		)
		if err := rows.Scan(&role, &content, &workerID, &toolName, &callID, &toolCalls, &isError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		var m model.Message
		switch role {
		case model.RoleHuman:
			m = model.HumanMessage{Content: content, SentAt: createdAt}
		case model.RoleAI:
			ai := model.AIMessage{Content: content, WorkerID: workerID.String, SentAt: createdAt}
			if toolCalls.String != "" {
				if err := json.Unmarshal([]byte(toolCalls.String), &ai.ToolCalls); err != nil {
					return nil, fmt.Errorf("decode tool calls: %w", err)
				}
			}
			m = ai
		case model.RoleSystem:
			m = model.SystemMessage{Content: content, SentAt: createdAt}
		case model.RoleTool:
			m = model.ToolMessage{CallID: callID.String, ToolName: toolName.String, Content: content, IsError: isError, SentAt: createdAt}
		default:
			return nil, fmt.Errorf("unknown message role %q", role)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FetchDynamicWorkers returns the owner's worker records ordered by id.
func (s *SQLiteStore) FetchDynamicWorkers(ctx context.Context, ownerID string) ([]model.WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, id, name, kind, model, instructions, tools, delegates, tags, parent_id, updated_at
		FROM workers WHERE owner_id = ? ORDER BY id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []model.WorkerRecord
	for rows.Next() {
		var r model.WorkerRecord
		var instructions, tools, delegates, tags, parent sql.NullString
		if err := rows.Scan(&r.OwnerID, &r.ID, &r.Name, &r.Kind, &r.Model,
			&instructions, &tools, &delegates, &tags, &parent, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		r.Instructions = instructions.String
		r.Tools = tools.String
		r.Delegates = delegates.String
		r.Tags = tags.String
		r.ParentID = parent.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

// UpsertWorker inserts or replaces a dynamic worker record.
func (s *SQLiteStore) UpsertWorker(ctx context.Context, r model.WorkerRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (
			owner_id, id, name, kind, model, instructions, tools, delegates, tags, parent_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind, model = excluded.model,
			instructions = excluded.instructions, tools = excluded.tools,
			delegates = excluded.delegates, tags = excluded.tags,
			parent_id = excluded.parent_id, updated_at = excluded.updated_at`,
		r.OwnerID, r.ID, r.Name, r.Kind, r.Model, r.Instructions, r.Tools,
		r.Delegates, r.Tags, r.ParentID, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// DeleteWorker removes a dynamic worker record.
func (s *SQLiteStore) DeleteWorker(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workers WHERE owner_id = ? AND id = ?", ownerID, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveExecution stores a snapshot of e, replacing any earlier snapshot.
func (s *SQLiteStore) ArchiveExecution(ctx context.Context, e *model.Execution) error {
	snapshot, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions (
			id, requester_id, thread_id, target_worker_id, status, partial, error,
			elapsed_ms, start_time, end_time, snapshot
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequesterID, e.ThreadID, e.TargetWorkerID, e.Status, e.Partial, e.Error,
		e.Metrics.ElapsedMS, e.StartTime.UTC(), e.EndTime, string(snapshot),
	)
	if err != nil {
		return fmt.Errorf("archive execution: %w", err)
	}
	return nil
}

// GetExecution returns an archived execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM executions WHERE id = ?", id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return decodeExecution(snapshot)
}

// ListExecutions returns a page of archived executions, newest first, and
// the total number archived.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT snapshot FROM executions ORDER BY start_time DESC LIMIT ? OFFSET ?", limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		e, err := decodeExecution(snapshot)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}
	return out, total, nil
}

// GetExecutionStats aggregates the archive.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(partial), 0), AVG(elapsed_ms) FROM executions",
	).Scan(&stats.Partial, &avg); err != nil {
		return nil, fmt.Errorf("aggregate executions: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	return stats, nil
}

func decodeExecution(snapshot string) (*model.Execution, error) {
	var e model.Execution
	if err := json.Unmarshal([]byte(snapshot), &e); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &e, nil
}

// ClaimFinalization records that the final message of an execution is being
// written. It reports false if the execution was claimed before.
func (s *SQLiteStore) ClaimFinalization(ctx context.Context, executionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO finalizations (execution_id, claimed_at) VALUES (?, ?)`,
		executionID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim finalization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim finalization: %w", err)
	}
	return n == 1, nil
}

// ReleaseFinalization drops a claim after a failed write.
func (s *SQLiteStore) ReleaseFinalization(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM finalizations WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("release finalization: %w", err)
	}
	return nil
}

// FinalizationClaimed reports whether the execution holds a claim.
func (s *SQLiteStore) FinalizationClaimed(ctx context.Context, executionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM finalizations WHERE execution_id = ?`, executionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read finalization: %w", err)
	}
	return true, nil
}
