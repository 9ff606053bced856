package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runSelect = `
	SELECT id, test_case_id, agent_id, instruction_version_id, execution_name,
		response, error, duration_ms, report_path, executed_at
	FROM test_case_runs`

// CreateTestCase captures a fixture from a message. The source message must be
// player-authored and must not already back a fixture.
func (s *SQLiteStore) CreateTestCase(ctx context.Context, tc *TestCaseRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if tc == nil {
		return errors.New("store: nil test case")
	}
	id := strings.TrimSpace(tc.ID)
	name := strings.TrimSpace(tc.Name)
	if id == "" || name == "" {
		return errors.New("store: missing test case id/name")
	}
	if tc.MessageID <= 0 {
		return errors.New("store: invalid source message id")
	}

	createdAt := tc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		tc.CreatedAt = createdAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin fixture tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var player sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT player FROM messages WHERE id = ?`, tc.MessageID).Scan(&player)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %d", ErrNotFound, tc.MessageID)
		}
		return fmt.Errorf("store: check fixture source: %w", err)
	}
	if !player.Valid {
		return fmt.Errorf("%w: message %d", ErrInvalidSource, tc.MessageID)
	}

	var dup string
	err = tx.QueryRowContext(ctx, `SELECT id FROM test_cases WHERE message_id = ?`, tc.MessageID).Scan(&dup)
	switch {
	case err == nil:
		return fmt.Errorf("%w: message %d already captured as %q", ErrDuplicateFixture, tc.MessageID, dup)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("store: check fixture uniqueness: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO test_cases (id, message_id, name, description, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, tc.MessageID, name, tc.Description, tc.IsActive, msOf(createdAt))
	if err != nil {
		return fmt.Errorf("store: insert test case: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit fixture: %w", err)
	}
	return nil
}

// GetTestCase loads a fixture by id.
func (s *SQLiteStore) GetTestCase(ctx context.Context, id string) (*TestCaseRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("store: empty test case id")
	}

	var (
		messageID         int64
		name, description string
		isActive          bool
		createdAtMS       int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, name, description, is_active, created_at FROM test_cases WHERE id = ?
	`, id).Scan(&messageID, &name, &description, &isActive, &createdAtMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: test case %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get test case: %w", err)
	}
	return &TestCaseRecord{
		ID:          id,
		MessageID:   messageID,
		Name:        name,
		Description: description,
		IsActive:    isActive,
		CreatedAt:   timeOf(createdAtMS),
	}, nil
}

// ListTestCases returns fixtures, optionally only active ones, oldest first.
func (s *SQLiteStore) ListTestCases(ctx context.Context, activeOnly bool) ([]*TestCaseRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}

	query := `SELECT id, message_id, name, description, is_active, created_at FROM test_cases`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list test cases: %w", err)
	}
	defer rows.Close()

	var out []*TestCaseRecord
	for rows.Next() {
		var (
			id, name, description string
			messageID             int64
			isActive              bool
			createdAtMS           int64
		)
		if err := rows.Scan(&id, &messageID, &name, &description, &isActive, &createdAtMS); err != nil {
			return nil, fmt.Errorf("store: scan test case: %w", err)
		}
		out = append(out, &TestCaseRecord{
			ID:          id,
			MessageID:   messageID,
			Name:        name,
			Description: description,
			IsActive:    isActive,
			CreatedAt:   timeOf(createdAtMS),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list test cases: %w", err)
	}
	return out, nil
}

// DeactivateTestCase soft-deletes a fixture; runs referencing it remain.
func (s *SQLiteStore) DeactivateTestCase(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("store: empty test case id")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE test_cases SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate test case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: deactivate test case: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: test case %q", ErrNotFound, id)
	}
	return nil
}

// InsertRun persists a replay outcome, successful or not.
func (s *SQLiteStore) InsertRun(ctx context.Context, r *RunRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if r == nil {
		return errors.New("store: nil run")
	}
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return errors.New("store: empty run id")
	}
	if strings.TrimSpace(r.TestCaseID) == "" {
		return errors.New("store: empty test case id")
	}
	if strings.TrimSpace(r.AgentID) == "" || strings.TrimSpace(r.InstructionVersionID) == "" {
		return errors.New("store: missing run agent/version")
	}

	executedAt := r.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
		r.ExecutedAt = executedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_case_runs (id, test_case_id, agent_id, instruction_version_id, execution_name,
			response, error, duration_ms, report_path, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, r.TestCaseID, r.AgentID, r.InstructionVersionID, r.ExecutionName,
		r.Response, r.Error, r.DurationMs, r.ReportPath, msOf(executedAt))
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("store: empty run id")
	}

	r, err := scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return r, nil
}

// ListRunsByExecutions returns all runs carrying any of the given execution
// labels, ordered by execution time.
func (s *SQLiteStore) ListRunsByExecutions(ctx context.Context, executionNames []string) ([]*RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}

	names := make([]string, 0, len(executionNames))
	for _, n := range executionNames {
		n = strings.TrimSpace(n)
		if n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, errors.New("store: no execution names")
	}

	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}

	rows, err := s.db.QueryContext(ctx, runSelect+`
		WHERE execution_name IN (`+placeholders+`)
		ORDER BY executed_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		var (
			id, testCaseID, agentID, versionID string
			executionName, response, runErr    string
			durationMs                         int64
			reportPath                         string
			executedAtMS                       int64
		)
		if err := rows.Scan(&id, &testCaseID, &agentID, &versionID, &executionName, &response, &runErr, &durationMs, &reportPath, &executedAtMS); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, &RunRecord{
			ID:                   id,
			TestCaseID:           testCaseID,
			AgentID:              agentID,
			InstructionVersionID: versionID,
			ExecutionName:        executionName,
			Response:             response,
			Error:                runErr,
			DurationMs:           durationMs,
			ReportPath:           reportPath,
			ExecutedAt:           timeOf(executedAtMS),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return out, nil
}

func scanRun(row *sql.Row) (*RunRecord, error) {
	var (
		id, testCaseID, agentID, versionID string
		executionName, response, runErr    string
		durationMs                         int64
		reportPath                         string
		executedAtMS                       int64
	)
	if err := row.Scan(&id, &testCaseID, &agentID, &versionID, &executionName, &response, &runErr, &durationMs, &reportPath, &executedAtMS); err != nil {
		return nil, err
	}
	return &RunRecord{
		ID:                   id,
		TestCaseID:           testCaseID,
		AgentID:              agentID,
		InstructionVersionID: versionID,
		ExecutionName:        executionName,
		Response:             response,
		Error:                runErr,
		DurationMs:           durationMs,
		ReportPath:           reportPath,
		ExecutedAt:           timeOf(executedAtMS),
	}, nil
}
