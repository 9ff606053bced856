package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageSelect = `
	SELECT id, game_id, text, player, agent_id, instruction_version_id,
		history_id, prev_message_id, next_message_id, sentiment, is_scripted, created_at
	FROM messages`

// CreateGame inserts a new game row.
func (s *SQLiteStore) CreateGame(ctx context.Context, g *GameRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if g == nil {
		return errors.New("store: nil game")
	}
	id := strings.TrimSpace(g.ID)
	if id == "" {
		return errors.New("store: empty game id")
	}

	createdAt := g.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		g.CreatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO games (id, ruleset, scenario_id, player, agent_id, instruction_version_id, most_recent_history_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
	`, id, g.Ruleset, nullString(g.ScenarioID), g.Player, nullString(g.AgentID), nullString(g.InstructionVersionID), msOf(createdAt))
	if err != nil {
		return fmt.Errorf("store: insert game: %w", err)
	}
	return nil
}

// GetGame loads a game by id.
func (s *SQLiteStore) GetGame(ctx context.Context, id string) (*GameRecord, error) {
	if s == nil || s.getGameStmt == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("store: empty game id")
	}

	g, err := scanGame(s.getGameStmt.QueryRowContext(ctx, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: game %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get game: %w", err)
	}
	return g, nil
}

func scanGame(row *sql.Row) (*GameRecord, error) {
	var (
		id, ruleset, player string
		scenarioID, agentID sql.NullString
		versionID           sql.NullString
		mostRecentHistoryID sql.NullInt64
		createdAtMS         int64
	)
	if err := row.Scan(&id, &ruleset, &scenarioID, &player, &agentID, &versionID, &mostRecentHistoryID, &createdAtMS); err != nil {
		return nil, err
	}
	return &GameRecord{
		ID:                   id,
		Ruleset:              ruleset,
		ScenarioID:           stringOf(scenarioID),
		Player:               player,
		AgentID:              stringOf(agentID),
		InstructionVersionID: stringOf(versionID),
		MostRecentHistoryID:  idOf(mostRecentHistoryID),
		CreatedAt:            timeOf(createdAtMS),
	}, nil
}

// AppendMessage inserts a message at the tail of the game's chain and repoints
// the prior tail, all in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *MessageRecord) (*MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if m == nil {
		return nil, errors.New("store: nil message")
	}
	gameID := strings.TrimSpace(m.GameID)
	if gameID == "" {
		return nil, errors.New("store: empty game id")
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM games WHERE id = ?`, gameID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: game %q", ErrNotFound, gameID)
		}
		return nil, fmt.Errorf("store: check game: %w", err)
	}

	var (
		tailID   sql.NullInt64
		tailNext sql.NullInt64
	)
	err = tx.StmtContext(ctx, s.tailMessageStmt).QueryRowContext(ctx, gameID).Scan(&tailID, &tailNext)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: read tail: %w", err)
	}
	if tailID.Valid && tailNext.Valid {
		// The tail must be the end of the chain; a set forward pointer means
		// the cache diverged from id order.
		return nil, fmt.Errorf("%w: tail message %d already has a successor", ErrConsistency, tailID.Int64)
	}

	var player any
	if m.IsPlayer {
		player = m.Player
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (game_id, text, player, agent_id, instruction_version_id, history_id,
			prev_message_id, next_message_id, sentiment, is_scripted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
	`, gameID, m.Text, player, nullString(m.AgentID), nullString(m.InstructionVersionID), nullID(m.HistoryID),
		nullID(idOf(tailID)), nullString(m.Sentiment), m.IsScripted, msOf(createdAt))
	if err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: message id: %w", err)
	}

	if tailID.Valid {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET next_message_id = ? WHERE id = ?`, newID, tailID.Int64); err != nil {
			return nil, fmt.Errorf("store: link tail: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit append: %w", err)
	}

	out := *m
	out.ID = newID
	out.PrevMessageID = idOf(tailID)
	out.NextMessageID = 0
	out.CreatedAt = createdAt
	return &out, nil
}

// GetMessage loads a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*MessageRecord, error) {
	if s == nil || s.getMessageStmt == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if id <= 0 {
		return nil, errors.New("store: invalid message id")
	}

	m, err := scanMessageRow(s.getMessageStmt.QueryRowContext(ctx, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// UpdateMessageMetadata sets the after-the-fact message fields. Text and chain
// pointers are never touched here; unset fields are left as stored.
func (s *SQLiteStore) UpdateMessageMetadata(ctx context.Context, id int64, meta MessageMetadata) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}
	if id <= 0 {
		return errors.New("store: invalid message id")
	}

	var sets []string
	var args []any
	if meta.AgentID != nil {
		sets = append(sets, "agent_id = ?")
		args = append(args, nullString(*meta.AgentID))
	}
	if meta.InstructionVersionID != nil {
		sets = append(sets, "instruction_version_id = ?")
		args = append(args, nullString(*meta.InstructionVersionID))
	}
	if meta.HistoryID != nil {
		sets = append(sets, "history_id = ?")
		args = append(args, nullID(*meta.HistoryID))
	}
	if meta.Sentiment != nil {
		sets = append(sets, "sentiment = ?")
		args = append(args, nullString(*meta.Sentiment))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update message metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update message metadata: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: message %d", ErrNotFound, id)
	}
	return nil
}

// ListGameMessages returns all messages of a game in id order.
func (s *SQLiteStore) ListGameMessages(ctx context.Context, gameID string) ([]*MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return nil, errors.New("store: empty game id")
	}

	rows, err := s.db.QueryContext(ctx, messageSelect+` WHERE game_id = ? ORDER BY id ASC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

// ListContext returns the window most recent messages up to and including
// messageID, in chronological order and restricted to the same game.
func (s *SQLiteStore) ListContext(ctx context.Context, messageID int64, window int) ([]*MessageRecord, error) {
	if s == nil || s.contextStmt == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if window <= 0 {
		return nil, errors.New("store: invalid context window")
	}

	anchor, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	rows, err := s.contextStmt.QueryContext(ctx, anchor.GameID, messageID, window)
	if err != nil {
		return nil, fmt.Errorf("store: context window: %w", err)
	}
	defer rows.Close()

	out, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}
	// Newest-first from the index scan; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanMessageRow(row *sql.Row) (*MessageRecord, error) {
	var (
		id          int64
		gameID      string
		text        string
		player      sql.NullString
		agentID     sql.NullString
		versionID   sql.NullString
		historyID   sql.NullInt64
		prevID      sql.NullInt64
		nextID      sql.NullInt64
		sentiment   sql.NullString
		isScripted  bool
		createdAtMS int64
	)
	if err := row.Scan(&id, &gameID, &text, &player, &agentID, &versionID, &historyID, &prevID, &nextID, &sentiment, &isScripted, &createdAtMS); err != nil {
		return nil, err
	}
	return &MessageRecord{
		ID:                   id,
		GameID:               gameID,
		Text:                 text,
		Player:               stringOf(player),
		IsPlayer:             player.Valid,
		AgentID:              stringOf(agentID),
		InstructionVersionID: stringOf(versionID),
		HistoryID:            idOf(historyID),
		PrevMessageID:        idOf(prevID),
		NextMessageID:        idOf(nextID),
		Sentiment:            stringOf(sentiment),
		IsScripted:           isScripted,
		CreatedAt:            timeOf(createdAtMS),
	}, nil
}

func scanMessageRows(rows *sql.Rows) ([]*MessageRecord, error) {
	var out []*MessageRecord
	for rows.Next() {
		var (
			id          int64
			gameID      string
			text        string
			player      sql.NullString
			agentID     sql.NullString
			versionID   sql.NullString
			historyID   sql.NullInt64
			prevID      sql.NullInt64
			nextID      sql.NullInt64
			sentiment   sql.NullString
			isScripted  bool
			createdAtMS int64
		)
		if err := rows.Scan(&id, &gameID, &text, &player, &agentID, &versionID, &historyID, &prevID, &nextID, &sentiment, &isScripted, &createdAtMS); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, &MessageRecord{
			ID:                   id,
			GameID:               gameID,
			Text:                 text,
			Player:               stringOf(player),
			IsPlayer:             player.Valid,
			AgentID:              stringOf(agentID),
			InstructionVersionID: stringOf(versionID),
			HistoryID:            idOf(historyID),
			PrevMessageID:        idOf(prevID),
			NextMessageID:        idOf(nextID),
			Sentiment:            stringOf(sentiment),
			IsScripted:           isScripted,
			CreatedAt:            timeOf(createdAtMS),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return out, nil
}

// InsertSnapshot appends a snapshot to the game's history chain and moves the
// game's most-recent pointer in the same transaction.
func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *SnapshotRecord) (*SnapshotRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if snap == nil {
		return nil, errors.New("store: nil snapshot")
	}
	gameID := strings.TrimSpace(snap.GameID)
	if gameID == "" {
		return nil, errors.New("store: empty game id")
	}
	if len(snap.ThreadState) == 0 {
		return nil, errors.New("store: empty thread state")
	}

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM games WHERE id = ?`, gameID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: game %q", ErrNotFound, gameID)
		}
		return nil, fmt.Errorf("store: check game: %w", err)
	}

	if snap.MessageID > 0 {
		var msgGame string
		if err := tx.QueryRowContext(ctx, `SELECT game_id FROM messages WHERE id = ?`, snap.MessageID).Scan(&msgGame); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: message %d", ErrNotFound, snap.MessageID)
			}
			return nil, fmt.Errorf("store: check snapshot message: %w", err)
		}
		if msgGame != gameID {
			return nil, fmt.Errorf("%w: message %d belongs to game %q, not %q", ErrConsistency, snap.MessageID, msgGame, gameID)
		}
	}

	var prevID sql.NullInt64
	err = tx.StmtContext(ctx, s.tailHistoryStmt).QueryRowContext(ctx, gameID).Scan(&prevID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: read history tail: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_histories (game_id, thread_state, previous_history_id, message_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, gameID, snap.ThreadState, nullID(idOf(prevID)), nullID(snap.MessageID), msOf(createdAt))
	if err != nil {
		return nil, fmt.Errorf("store: insert snapshot: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: snapshot id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE games SET most_recent_history_id = ? WHERE id = ?`, newID, gameID); err != nil {
		return nil, fmt.Errorf("store: move history pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit snapshot: %w", err)
	}

	out := *snap
	out.ID = newID
	out.PreviousHistoryID = idOf(prevID)
	out.CreatedAt = createdAt
	return &out, nil
}

// GetSnapshot loads a snapshot by id.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id int64) (*SnapshotRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if id <= 0 {
		return nil, errors.New("store: invalid snapshot id")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, game_id, thread_state, previous_history_id, message_id, created_at
		FROM chat_histories WHERE id = ?
	`, id)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: snapshot %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get snapshot: %w", err)
	}
	return snap, nil
}

// ListGameSnapshots returns all snapshots of a game in id order.
func (s *SQLiteStore) ListGameSnapshots(ctx context.Context, gameID string) ([]*SnapshotRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return nil, errors.New("store: empty game id")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, game_id, thread_state, previous_history_id, message_id, created_at
		FROM chat_histories WHERE game_id = ? ORDER BY id ASC
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*SnapshotRecord
	for rows.Next() {
		var (
			id          int64
			gid         string
			state       []byte
			prevID      sql.NullInt64
			messageID   sql.NullInt64
			createdAtMS int64
		)
		if err := rows.Scan(&id, &gid, &state, &prevID, &messageID, &createdAtMS); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		out = append(out, &SnapshotRecord{
			ID:                id,
			GameID:            gid,
			ThreadState:       state,
			PreviousHistoryID: idOf(prevID),
			MessageID:         idOf(messageID),
			CreatedAt:         timeOf(createdAtMS),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	return out, nil
}

func scanSnapshot(row *sql.Row) (*SnapshotRecord, error) {
	var (
		id          int64
		gameID      string
		state       []byte
		prevID      sql.NullInt64
		messageID   sql.NullInt64
		createdAtMS int64
	)
	if err := row.Scan(&id, &gameID, &state, &prevID, &messageID, &createdAtMS); err != nil {
		return nil, err
	}
	return &SnapshotRecord{
		ID:                id,
		GameID:            gameID,
		ThreadState:       state,
		PreviousHistoryID: idOf(prevID),
		MessageID:         idOf(messageID),
		CreatedAt:         timeOf(createdAtMS),
	}, nil
}
