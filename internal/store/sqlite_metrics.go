package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UpsertEvaluator inserts or refreshes an evaluator row by unique name. The
// id of an existing row survives re-registration so metric links stay valid.
func (s *SQLiteStore) UpsertEvaluator(ctx context.Context, name, description string) (*EvaluatorRecord, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store: nil sqlite store")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, errors.New("store: empty evaluator name")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin evaluator tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		id          string
		createdAtMS int64
	)
	err = tx.QueryRowContext(ctx, `SELECT id, created_at FROM evaluators WHERE name = ?`, name).Scan(&id, &createdAtMS)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE evaluators SET description = ? WHERE id = ?`, description, id); err != nil {
			return nil, false, fmt.Errorf("store: refresh evaluator: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("store: commit evaluator: %w", err)
		}
		return &EvaluatorRecord{ID: id, Name: name, Description: description, CreatedAt: timeOf(createdAtMS)}, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("store: check evaluator: %w", err)
	}

	id = uuid.NewString()
	createdAt := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evaluators (id, name, description, created_at) VALUES (?, ?, ?, ?)
	`, id, name, description, msOf(createdAt)); err != nil {
		return nil, false, fmt.Errorf("store: insert evaluator: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("store: commit evaluator: %w", err)
	}
	return &EvaluatorRecord{ID: id, Name: name, Description: description, CreatedAt: createdAt}, true, nil
}

// ListEvaluators returns all evaluators ordered by name.
func (s *SQLiteStore) ListEvaluators(ctx context.Context) ([]*EvaluatorRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM evaluators ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list evaluators: %w", err)
	}
	defer rows.Close()

	var out []*EvaluatorRecord
	for rows.Next() {
		var (
			id, name, description string
			createdAtMS           int64
		)
		if err := rows.Scan(&id, &name, &description, &createdAtMS); err != nil {
			return nil, fmt.Errorf("store: scan evaluator: %w", err)
		}
		out = append(out, &EvaluatorRecord{ID: id, Name: name, Description: description, CreatedAt: timeOf(createdAtMS)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list evaluators: %w", err)
	}
	return out, nil
}

// InsertMetric persists one score, message-scoped or run-scoped.
func (s *SQLiteStore) InsertMetric(ctx context.Context, m *MetricRecord) (*MetricRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if m == nil {
		return nil, errors.New("store: nil metric")
	}
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return nil, errors.New("store: empty metric name")
	}

	evaluatedAt := m.EvaluatedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now().UTC()
	}

	var (
		res sql.Result
		err error
	)
	switch m.Scope {
	case ScopeMessage:
		if m.MessageID <= 0 {
			return nil, errors.New("store: metric missing message id")
		}
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO message_metrics (message_id, name, score, remarks, diagnostics, evaluator_id,
				model_name, model_provider, model_endpoint, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.MessageID, name, m.Score, m.Remarks, m.Diagnostics, nullString(m.EvaluatorID),
			m.ModelName, m.ModelProvider, m.ModelEndpoint, msOf(evaluatedAt))
	case ScopeRun:
		if strings.TrimSpace(m.RunID) == "" {
			return nil, errors.New("store: metric missing run id")
		}
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO run_metrics (run_id, name, score, remarks, diagnostics, evaluator_id,
				model_name, model_provider, model_endpoint, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.RunID, name, m.Score, m.Remarks, m.Diagnostics, nullString(m.EvaluatorID),
			m.ModelName, m.ModelProvider, m.ModelEndpoint, msOf(evaluatedAt))
	default:
		return nil, fmt.Errorf("store: unknown metric scope %q", m.Scope)
	}
	if err != nil {
		return nil, fmt.Errorf("store: insert metric: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: metric id: %w", err)
	}

	out := *m
	out.ID = id
	out.Name = name
	out.EvaluatedAt = evaluatedAt
	return &out, nil
}

// ListOrphanMetrics returns every metric without an evaluator link.
func (s *SQLiteStore) ListOrphanMetrics(ctx context.Context) ([]*MetricRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}

	rows, err := s.db.QueryContext(ctx, metricUnionSelect+`
		WHERE evaluator_id IS NULL OR evaluator_id = ''
		ORDER BY scope ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list orphan metrics: %w", err)
	}
	defer rows.Close()
	return scanMetricRows(rows)
}

// LinkMetricEvaluator attaches an evaluator to a previously unlinked metric.
func (s *SQLiteStore) LinkMetricEvaluator(ctx context.Context, scope MetricScope, metricID int64, evaluatorID string) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if metricID <= 0 {
		return errors.New("store: invalid metric id")
	}
	evaluatorID = strings.TrimSpace(evaluatorID)
	if evaluatorID == "" {
		return errors.New("store: empty evaluator id")
	}

	table := ""
	switch scope {
	case ScopeMessage:
		table = "message_metrics"
	case ScopeRun:
		table = "run_metrics"
	default:
		return fmt.Errorf("store: unknown metric scope %q", scope)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET evaluator_id = ? WHERE id = ?`, evaluatorID, metricID)
	if err != nil {
		return fmt.Errorf("store: link metric: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: link metric: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s metric %d", ErrNotFound, scope, metricID)
	}
	return nil
}

// metricUnionSelect projects message- and run-scoped metrics into one shape.
// Metrics on scripted messages never enter listings or statistics. The
// order_player / order_message columns exist only for the deterministic sort.
const metricUnionSelect = `
	SELECT * FROM (
		SELECT 'message' AS scope, mm.id AS id, mm.message_id AS message_id, '' AS run_id,
			mm.name AS name, mm.score AS score, mm.remarks AS remarks, mm.diagnostics AS diagnostics,
			mm.evaluator_id AS evaluator_id, mm.model_name AS model_name, mm.model_provider AS model_provider,
			mm.model_endpoint AS model_endpoint, mm.evaluated_at AS evaluated_at,
			m.game_id AS game_id, m.agent_id AS agent_id, m.instruction_version_id AS version_id,
			COALESCE(m.player, '') AS order_player, m.id AS order_message
		FROM message_metrics mm
		JOIN messages m ON m.id = mm.message_id
		WHERE m.is_scripted = 0
		UNION ALL
		SELECT 'run' AS scope, rm.id AS id, 0 AS message_id, rm.run_id AS run_id,
			rm.name AS name, rm.score AS score, rm.remarks AS remarks, rm.diagnostics AS diagnostics,
			rm.evaluator_id AS evaluator_id, rm.model_name AS model_name, rm.model_provider AS model_provider,
			rm.model_endpoint AS model_endpoint, rm.evaluated_at AS evaluated_at,
			m.game_id AS game_id, r.agent_id AS agent_id, r.instruction_version_id AS version_id,
			COALESCE(m.player, '') AS order_player, m.id AS order_message
		FROM run_metrics rm
		JOIN test_case_runs r ON r.id = rm.run_id
		JOIN test_cases tc ON tc.id = r.test_case_id
		JOIN messages m ON m.id = tc.message_id
	)`

const passThreshold = 3.0

// ListMetrics returns metrics matching the filter with the total count before
// pagination. Ordering is deterministic: player, source message, metric name,
// scope, id.
func (s *SQLiteStore) ListMetrics(ctx context.Context, filter MetricFilter, page, pageSize int) ([]*MetricRecord, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("store: nil sqlite store")
	}
	if page < 1 {
		page = 1
	}

	where, args := buildMetricWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM (` + metricUnionSelect + where + `)`
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count metrics: %w", err)
	}

	query := metricUnionSelect + where + `
		ORDER BY order_player ASC, order_message ASC, name ASC, scope ASC, id ASC`
	if pageSize > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, pageSize, (page-1)*pageSize)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list metrics: %w", err)
	}
	defer rows.Close()

	out, err := scanMetricRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func buildMetricWhere(filter MetricFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.Scope != "" {
		conds = append(conds, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if v := strings.TrimSpace(filter.GameID); v != "" {
		conds = append(conds, "game_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.Name); v != "" {
		conds = append(conds, "name = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.AgentID); v != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.VersionID); v != "" {
		conds = append(conds, "version_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.EvaluatorID); v != "" {
		conds = append(conds, "evaluator_id = ?")
		args = append(args, v)
	}
	if filter.MinScore > 0 {
		conds = append(conds, "score >= ?")
		args = append(args, filter.MinScore)
	}
	if filter.MaxScore > 0 {
		conds = append(conds, "score <= ?")
		args = append(args, filter.MaxScore)
	}
	if filter.Passed != nil {
		if *filter.Passed {
			conds = append(conds, "score >= ?")
		} else {
			conds = append(conds, "score < ?")
		}
		args = append(args, passThreshold)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanMetricRows(rows *sql.Rows) ([]*MetricRecord, error) {
	var out []*MetricRecord
	for rows.Next() {
		var (
			scope         string
			id            int64
			messageID     int64
			runID         string
			name          string
			score         float64
			remarks       string
			diagnostics   string
			evaluatorID   sql.NullString
			modelName     string
			modelProvider string
			modelEndpoint string
			evaluatedAtMS int64
			gameID        sql.NullString
			agentID       sql.NullString
			versionID     sql.NullString
			orderPlayer   string
			orderMessage  int64
		)
		if err := rows.Scan(&scope, &id, &messageID, &runID, &name, &score, &remarks, &diagnostics,
			&evaluatorID, &modelName, &modelProvider, &modelEndpoint, &evaluatedAtMS,
			&gameID, &agentID, &versionID, &orderPlayer, &orderMessage); err != nil {
			return nil, fmt.Errorf("store: scan metric: %w", err)
		}
		out = append(out, &MetricRecord{
			ID:            id,
			Scope:         MetricScope(scope),
			MessageID:     messageID,
			RunID:         runID,
			Name:          name,
			Score:         score,
			Remarks:       remarks,
			Diagnostics:   diagnostics,
			EvaluatorID:   stringOf(evaluatorID),
			ModelName:     modelName,
			ModelProvider: modelProvider,
			ModelEndpoint: modelEndpoint,
			EvaluatedAt:   timeOf(evaluatedAtMS),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan metrics: %w", err)
	}
	return out, nil
}
