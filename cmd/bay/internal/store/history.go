package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxOutputBytes caps the stored size of execution output and error text.
const MaxOutputBytes = 64 * 1024

const truncationMarker = "\n... [output truncated]"

// truncate keeps the first MaxOutputBytes of s, appending a marker when
// anything was dropped.
func truncate(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + truncationMarker
}

// RecordExecution inserts one history row, truncating oversized output, and
// returns the generated execution ID.
func (s *Store) RecordExecution(ctx context.Context, exec *Execution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	exec.Output = truncate(exec.Output)
	exec.Error = truncate(exec.Error)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO execution_history (id, session_id, ship_id, exec_type, code, success,
			execution_time_ms, output, error, description, tags, notes, created_at)
		VALUES (:id, :session_id, :ship_id, :exec_type, :code, :success,
			:execution_time_ms, :output, :error, :description, :tags, :notes, :created_at)`,
		exec)
	if err != nil {
		return "", fmt.Errorf("recording execution for session %s: %w", exec.SessionID, err)
	}
	return exec.ID, nil
}

// HistoryFilter narrows ListExecutions. Zero values mean "no filter".
type HistoryFilter struct {
	ExecType       ExecType
	SuccessOnly    bool
	Tags           []string
	HasNotes       bool
	HasDescription bool
	Limit          int
	Offset         int
}

// ListExecutions returns matching rows newest first plus the total match
// count before limit/offset.
func (s *Store) ListExecutions(ctx context.Context, sessionID string, f HistoryFilter) ([]Execution, int, error) {
	where := []string{"session_id = ?"}
	args := []any{sessionID}
	if f.ExecType != "" {
		where = append(where, "exec_type = ?")
		args = append(args, f.ExecType)
	}
	if f.SuccessOnly {
		where = append(where, "success = 1")
	}
	for _, tag := range f.Tags {
		where = append(where, "(',' || tags || ',') LIKE ?")
		args = append(args, "%,"+tag+",%")
	}
	if f.HasNotes {
		where = append(where, "notes != ''")
	}
	if f.HasDescription {
		where = append(where, "description != ''")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		"SELECT COUNT(*) FROM execution_history WHERE "+cond, args...); err != nil {
		return nil, 0, fmt.Errorf("counting history for session %s: %w", sessionID, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	var execs []Execution
	err := s.db.SelectContext(ctx, &execs,
		"SELECT * FROM execution_history WHERE "+cond+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing history for session %s: %w", sessionID, err)
	}
	return execs, total, nil
}

// GetExecution fetches one history row scoped to its session. nil, nil when
// absent.
func (s *Store) GetExecution(ctx context.Context, sessionID, execID string) (*Execution, error) {
	var exec Execution
	err := s.db.GetContext(ctx, &exec,
		`SELECT * FROM execution_history WHERE session_id = ? AND id = ?`, sessionID, execID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", execID, err)
	}
	return &exec, nil
}

// LastExecution returns the most recent row for a session, optionally
// restricted to one exec type. nil, nil when the session has no history.
func (s *Store) LastExecution(ctx context.Context, sessionID string, execType ExecType) (*Execution, error) {
	query := `SELECT * FROM execution_history WHERE session_id = ?`
	args := []any{sessionID}
	if execType != "" {
		query += " AND exec_type = ?"
		args = append(args, execType)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT 1"
	var exec Execution
	err := s.db.GetContext(ctx, &exec, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading last execution for session %s: %w", sessionID, err)
	}
	return &exec, nil
}

// Annotation carries the mutable metadata of a history row. Nil fields are
// left untouched, so re-sending the same annotation is idempotent.
type Annotation struct {
	Description *string
	Tags        *string
	Notes       *string
}

// AnnotateExecution updates description/tags/notes on one row. Returns the
// updated row, or nil, nil when it does not exist.
func (s *Store) AnnotateExecution(ctx context.Context, sessionID, execID string, a Annotation) (*Execution, error) {
	set := []string{}
	args := []any{}
	if a.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *a.Description)
	}
	if a.Tags != nil {
		set = append(set, "tags = ?")
		args = append(args, *a.Tags)
	}
	if a.Notes != nil {
		set = append(set, "notes = ?")
		args = append(args, *a.Notes)
	}
	if len(set) > 0 {
		args = append(args, sessionID, execID)
		_, err := s.db.ExecContext(ctx,
			"UPDATE execution_history SET "+strings.Join(set, ", ")+" WHERE session_id = ? AND id = ?",
			args...)
		if err != nil {
			return nil, fmt.Errorf("annotating execution %s: %w", execID, err)
		}
	}
	return s.GetExecution(ctx, sessionID, execID)
}
