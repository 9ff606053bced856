package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const versionSelect = `
	SELECT id, agent_id, label, instructions, is_active, created_at
	FROM agent_instruction_versions`

// CreateAgent registers a new agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *AgentRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if a == nil {
		return errors.New("store: nil agent")
	}
	id := strings.TrimSpace(a.ID)
	name := strings.TrimSpace(a.Name)
	if id == "" || name == "" {
		return errors.New("store: missing agent id/name")
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		a.CreatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, created_at) VALUES (?, ?, ?, ?)
	`, id, name, a.Role, msOf(createdAt))
	if err != nil {
		return fmt.Errorf("store: insert agent: %w", err)
	}
	return nil
}

// GetAgent loads an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("store: empty agent id")
	}

	var (
		name, role  string
		createdAtMS int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT name, role, created_at FROM agents WHERE id = ?`, id).
		Scan(&name, &role, &createdAtMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return &AgentRecord{ID: id, Name: name, Role: role, CreatedAt: timeOf(createdAtMS)}, nil
}

// RenameAgent updates an agent's display name.
func (s *SQLiteStore) RenameAgent(ctx context.Context, id, name string) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return errors.New("store: missing agent id/name")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE agents SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("store: rename agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rename agent: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: agent %q", ErrNotFound, id)
	}
	return nil
}

// ListAgents returns all agents ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role, created_at FROM agents ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentRecord
	for rows.Next() {
		var (
			id, name, role string
			createdAtMS    int64
		)
		if err := rows.Scan(&id, &name, &role, &createdAtMS); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		out = append(out, &AgentRecord{ID: id, Name: name, Role: role, CreatedAt: timeOf(createdAtMS)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return out, nil
}

// DeleteAgent removes an agent, its bindings and its versions, but only when
// no message or run references any of those versions.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("store: empty agent id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM agents WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: agent %q", ErrNotFound, id)
		}
		return fmt.Errorf("store: check agent: %w", err)
	}

	var refs int
	err = tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages m
				JOIN agent_instruction_versions v ON v.id = m.instruction_version_id
				WHERE v.agent_id = ?)
			+ (SELECT COUNT(*) FROM test_case_runs r
				JOIN agent_instruction_versions v ON v.id = r.instruction_version_id
				WHERE v.agent_id = ?)
			+ (SELECT COUNT(*) FROM messages WHERE agent_id = ?)
			+ (SELECT COUNT(*) FROM test_case_runs WHERE agent_id = ?)
	`, id, id, id, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("store: count agent references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: agent %q has %d historical references", ErrReferencedEntity, id, refs)
	}

	// Bindings first, then versions, then the agent row.
	if _, err := tx.ExecContext(ctx, `DELETE FROM scenario_agent_bindings WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete bindings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_instruction_versions WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete: %w", err)
	}
	return nil
}

// CreateVersion inserts a new instruction version.
func (s *SQLiteStore) CreateVersion(ctx context.Context, v *VersionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if v == nil {
		return errors.New("store: nil version")
	}
	id := strings.TrimSpace(v.ID)
	agentID := strings.TrimSpace(v.AgentID)
	label := strings.TrimSpace(v.Label)
	if id == "" || agentID == "" || label == "" {
		return errors.New("store: missing version id/agent/label")
	}

	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		v.CreatedAt = createdAt
	}

	var dup string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM agent_instruction_versions WHERE agent_id = ? AND label = ?
	`, agentID, label).Scan(&dup)
	switch {
	case err == nil:
		return fmt.Errorf("%w: agent %q label %q", ErrDuplicateVersion, agentID, label)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("store: check version label: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_instruction_versions (id, agent_id, label, instructions, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, agentID, label, v.Instructions, v.IsActive, msOf(createdAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: agent %q label %q", ErrDuplicateVersion, agentID, label)
		}
		return fmt.Errorf("store: insert version: %w", err)
	}
	return nil
}

// GetVersion loads an instruction version by id.
func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*VersionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("store: empty version id")
	}

	v, err := scanVersion(s.db.QueryRowContext(ctx, versionSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: version %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get version: %w", err)
	}
	return v, nil
}

// UpdateVersion rewrites a version's label/instructions/activation. Once any
// message or run references the version its instruction text is frozen; the
// label and activation flag stay editable. Empty label/instructions leave the
// stored value untouched.
func (s *SQLiteStore) UpdateVersion(ctx context.Context, id, label, instructions string, isActive *bool) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("store: empty version id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin version tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cur, err := scanVersion(tx.QueryRowContext(ctx, versionSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: version %q", ErrNotFound, id)
		}
		return fmt.Errorf("store: load version: %w", err)
	}

	// Only the instruction text is frozen by references; the label is
	// display metadata and stays editable.
	label = strings.TrimSpace(label)
	contentChanged := instructions != "" && instructions != cur.Instructions
	if contentChanged {
		referenced, err := versionReferencedTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if referenced {
			return fmt.Errorf("%w: version %q", ErrImmutableVersion, id)
		}
	}

	newLabel := cur.Label
	if label != "" {
		newLabel = label
	}
	newInstructions := cur.Instructions
	if instructions != "" {
		newInstructions = instructions
	}
	newActive := cur.IsActive
	if isActive != nil {
		newActive = *isActive
	}

	if newLabel != cur.Label {
		var dup string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM agent_instruction_versions WHERE agent_id = ? AND label = ? AND id != ?
		`, cur.AgentID, newLabel, id).Scan(&dup)
		switch {
		case err == nil:
			return fmt.Errorf("%w: agent %q label %q", ErrDuplicateVersion, cur.AgentID, newLabel)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("store: check version label: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agent_instruction_versions SET label = ?, instructions = ?, is_active = ? WHERE id = ?
	`, newLabel, newInstructions, newActive, id)
	if err != nil {
		return fmt.Errorf("store: update version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit version: %w", err)
	}
	return nil
}

// ListAgentVersions returns an agent's versions, newest first.
func (s *SQLiteStore) ListAgentVersions(ctx context.Context, agentID string) ([]*VersionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("store: empty agent id")
	}

	rows, err := s.db.QueryContext(ctx, versionSelect+` WHERE agent_id = ? ORDER BY created_at DESC, id DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	defer rows.Close()

	var out []*VersionRecord
	for rows.Next() {
		var (
			id, aid, label, instructions string
			isActive                     bool
			createdAtMS                  int64
		)
		if err := rows.Scan(&id, &aid, &label, &instructions, &isActive, &createdAtMS); err != nil {
			return nil, fmt.Errorf("store: scan version: %w", err)
		}
		out = append(out, &VersionRecord{
			ID:           id,
			AgentID:      aid,
			Label:        label,
			Instructions: instructions,
			IsActive:     isActive,
			CreatedAt:    timeOf(createdAtMS),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	return out, nil
}

// LatestActiveVersion returns the most recently created active version of an
// agent. Activation never deactivates siblings; recency breaks ties.
func (s *SQLiteStore) LatestActiveVersion(ctx context.Context, agentID string) (*VersionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("store: empty agent id")
	}

	v, err := scanVersion(s.db.QueryRowContext(ctx, versionSelect+`
		WHERE agent_id = ? AND is_active = 1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no active version for agent %q", ErrNotFound, agentID)
		}
		return nil, fmt.Errorf("store: latest active version: %w", err)
	}
	return v, nil
}

// VersionReferenced reports whether any message or run references the version.
func (s *SQLiteStore) VersionReferenced(ctx context.Context, versionID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store: nil sqlite store")
	}
	versionID = strings.TrimSpace(versionID)
	if versionID == "" {
		return false, errors.New("store: empty version id")
	}

	var refs int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM messages WHERE instruction_version_id = ?)
			+ (SELECT COUNT(*) FROM test_case_runs WHERE instruction_version_id = ?)
	`, versionID, versionID).Scan(&refs)
	if err != nil {
		return false, fmt.Errorf("store: count version references: %w", err)
	}
	return refs > 0, nil
}

func versionReferencedTx(ctx context.Context, tx *sql.Tx, versionID string) (bool, error) {
	var refs int
	err := tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM messages WHERE instruction_version_id = ?)
			+ (SELECT COUNT(*) FROM test_case_runs WHERE instruction_version_id = ?)
	`, versionID, versionID).Scan(&refs)
	if err != nil {
		return false, fmt.Errorf("store: count version references: %w", err)
	}
	return refs > 0, nil
}

func scanVersion(row *sql.Row) (*VersionRecord, error) {
	var (
		id, agentID, label, instructions string
		isActive                         bool
		createdAtMS                      int64
	)
	if err := row.Scan(&id, &agentID, &label, &instructions, &isActive, &createdAtMS); err != nil {
		return nil, err
	}
	return &VersionRecord{
		ID:           id,
		AgentID:      agentID,
		Label:        label,
		Instructions: instructions,
		IsActive:     isActive,
		CreatedAt:    timeOf(createdAtMS),
	}, nil
}

// CreateScenario inserts a scenario row.
func (s *SQLiteStore) CreateScenario(ctx context.Context, sc *ScenarioRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if sc == nil {
		return errors.New("store: nil scenario")
	}
	id := strings.TrimSpace(sc.ID)
	name := strings.TrimSpace(sc.Name)
	if id == "" || name == "" {
		return errors.New("store: missing scenario id/name")
	}

	createdAt := sc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		sc.CreatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, name, instructions, created_at) VALUES (?, ?, ?, ?)
	`, id, name, sc.Instructions, msOf(createdAt))
	if err != nil {
		return fmt.Errorf("store: insert scenario: %w", err)
	}
	return nil
}

// GetScenario loads a scenario by id.
func (s *SQLiteStore) GetScenario(ctx context.Context, id string) (*ScenarioRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("store: empty scenario id")
	}

	var (
		name, instructions string
		createdAtMS        int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT name, instructions, created_at FROM scenarios WHERE id = ?`, id).
		Scan(&name, &instructions, &createdAtMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: scenario %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get scenario: %w", err)
	}
	return &ScenarioRecord{ID: id, Name: name, Instructions: instructions, CreatedAt: timeOf(createdAtMS)}, nil
}

// UpsertBinding creates or replaces the scenario/agent binding row.
func (s *SQLiteStore) UpsertBinding(ctx context.Context, b *BindingRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if b == nil {
		return errors.New("store: nil binding")
	}
	scenarioID := strings.TrimSpace(b.ScenarioID)
	agentID := strings.TrimSpace(b.AgentID)
	if scenarioID == "" || agentID == "" {
		return errors.New("store: missing binding scenario/agent")
	}

	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		b.CreatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenario_agent_bindings (scenario_id, agent_id, instruction_version_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scenario_id, agent_id) DO UPDATE SET instruction_version_id = excluded.instruction_version_id
	`, scenarioID, agentID, nullString(b.InstructionVersionID), msOf(createdAt))
	if err != nil {
		return fmt.Errorf("store: upsert binding: %w", err)
	}
	return nil
}

// GetScenarioBinding returns the scenario's binding; with several bound agents
// the most recently created wins.
func (s *SQLiteStore) GetScenarioBinding(ctx context.Context, scenarioID string) (*BindingRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	scenarioID = strings.TrimSpace(scenarioID)
	if scenarioID == "" {
		return nil, errors.New("store: empty scenario id")
	}

	var (
		agentID     string
		versionID   sql.NullString
		createdAtMS int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, instruction_version_id, created_at
		FROM scenario_agent_bindings
		WHERE scenario_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, scenarioID).Scan(&agentID, &versionID, &createdAtMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no binding for scenario %q", ErrNotFound, scenarioID)
		}
		return nil, fmt.Errorf("store: get binding: %w", err)
	}
	return &BindingRecord{
		ScenarioID:           scenarioID,
		AgentID:              agentID,
		InstructionVersionID: stringOf(versionID),
		CreatedAt:            timeOf(createdAtMS),
	}, nil
}
