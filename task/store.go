package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	id               TEXT PRIMARY KEY,
	description      TEXT NOT NULL,
	task_type        TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	status           TEXT NOT NULL,
	context          TEXT NOT NULL DEFAULT '{}',
	dependencies     TEXT NOT NULL DEFAULT '[]',
	requirements     TEXT NOT NULL DEFAULT '[]',
	completed_by     TEXT NOT NULL DEFAULT '',
	result           TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	failure_kind     TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	retries          INTEGER NOT NULL DEFAULT 0,
	attempted_agents TEXT NOT NULL DEFAULT '[]',
	seq              INTEGER NOT NULL,
	created_at       DATETIME NOT NULL,
	assigned_at      DATETIME,
	started_at       DATETIME,
	completed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS ledger_order ON ledger (priority DESC, created_at ASC, seq ASC);
`

const columns = `id, description, task_type, priority, status, context, dependencies, requirements,
	completed_by, result, error, failure_kind, last_error, retries, attempted_agents, seq,
	created_at, assigned_at, started_at, completed_at`

// SQLiteLedger persists terminal tasks in a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) a SQLite database at dbPath and ensures
// the ledger table exists. The caller is responsible for calling Close.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteLedger) Close() error { return s.db.Close() }

// Append inserts a terminal task. Existing rows are never overwritten.
func (s *SQLiteLedger) Append(ctx context.Context, t *Task) error {
	if err := checkAppend(t); err != nil {
		return err
	}

	taskCtx, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	var result []byte
	if t.Result != nil {
		if result, err = json.Marshal(t.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	deps, _ := json.Marshal(nonNil(t.Dependencies))
	reqs, _ := json.Marshal(t.Requirements)
	attempted, _ := json.Marshal(nonNil(t.AttemptedAgents))

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (`+columns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Description, string(t.Type), t.Priority, string(t.Status),
		string(taskCtx), string(deps), string(reqs),
		t.CompletedBy, string(result), t.Error, string(t.FailureKind), t.LastError,
		t.Retries, string(attempted), int64(t.Seq),
		t.CreatedAt.UTC(), nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("append %s: %w", t.ID, ErrAlreadyRecorded)
	}
	return nil
}

// Lookup retrieves a task by ID.
func (s *SQLiteLedger) Lookup(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM ledger WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// List returns tasks matching the filter.
func (s *SQLiteLedger) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + columns + " FROM ledger WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != "" {
		q.WriteString(" AND task_type=?")
		args = append(args, string(filter.Type))
	}
	if filter.AgentID != "" {
		q.WriteString(" AND (completed_by=? OR EXISTS (SELECT 1 FROM json_each(attempted_agents) WHERE value=?))")
		args = append(args, filter.AgentID, filter.AgentID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, seq ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	} else if filter.Offset > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var typ, status, kind, ctxJSON, depsJSON, reqsJSON, resultJSON, attemptedJSON string
	var seq int64
	var assignedAt, startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Description, &typ, &t.Priority, &status,
		&ctxJSON, &depsJSON, &reqsJSON,
		&t.CompletedBy, &resultJSON, &t.Error, &kind, &t.LastError,
		&t.Retries, &attemptedJSON, &seq,
		&t.CreatedAt, &assignedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = Type(typ)
	t.Status = Status(status)
	t.FailureKind = FailureKind(kind)
	t.Seq = uint64(seq)

	cols := []struct {
		name string
		raw  string
		dst  any
	}{
		{"context", ctxJSON, &t.Context},
		{"dependencies", depsJSON, &t.Dependencies},
		{"requirements", reqsJSON, &t.Requirements},
		{"attempted_agents", attemptedJSON, &t.AttemptedAgents},
		{"result", resultJSON, &t.Result},
	}
	for _, c := range cols {
		if c.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return nil, fmt.Errorf("decode %s of task %s: %w", c.name, t.ID, err)
		}
	}
	if len(t.Dependencies) == 0 {
		t.Dependencies = nil
	}
	if len(t.AttemptedAgents) == 0 {
		t.AttemptedAgents = nil
	}

	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
