package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	getGameStmt     *sql.Stmt
	tailMessageStmt *sql.Stmt
	getMessageStmt  *sql.Stmt
	contextStmt     *sql.Stmt
	tailHistoryStmt *sql.Stmt
}

var (
	sqliteOpen              = sql.Open
	sqlitePrepareStatements = (*SQLiteStore).prepareStatements
)

// NewSQLiteStore opens or creates a SQLite store at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: empty sqlite path")
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create sqlite dir: %w", err)
			}
		}
	}

	db, err := sqliteOpen("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The append path relies on the single-writer transaction; keep one
	// connection so in-memory stores see one database too.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &SQLiteStore{db: db}
	if err := sqlitePrepareStatements(st); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func initSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS scenarios (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_instruction_versions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			label TEXT NOT NULL,
			instructions TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			UNIQUE(agent_id, label),
			FOREIGN KEY(agent_id) REFERENCES agents(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS scenario_agent_bindings (
			scenario_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			instruction_version_id TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY(scenario_id, agent_id),
			FOREIGN KEY(scenario_id) REFERENCES scenarios(id) ON DELETE CASCADE,
			FOREIGN KEY(agent_id) REFERENCES agents(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS games (
			id TEXT PRIMARY KEY,
			ruleset TEXT NOT NULL DEFAULT '',
			scenario_id TEXT,
			player TEXT NOT NULL DEFAULT '',
			agent_id TEXT,
			instruction_version_id TEXT,
			most_recent_history_id INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_id TEXT NOT NULL,
			text TEXT NOT NULL,
			player TEXT,
			agent_id TEXT,
			instruction_version_id TEXT,
			history_id INTEGER,
			prev_message_id INTEGER,
			next_message_id INTEGER,
			sentiment TEXT,
			is_scripted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(game_id) REFERENCES games(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_game_id ON messages(game_id, id)`,
		`CREATE TABLE IF NOT EXISTS chat_histories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_id TEXT NOT NULL,
			thread_state BLOB NOT NULL,
			previous_history_id INTEGER,
			message_id INTEGER,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(game_id) REFERENCES games(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_histories_game ON chat_histories(game_id, id)`,
		`CREATE TABLE IF NOT EXISTS test_cases (
			id TEXT PRIMARY KEY,
			message_id INTEGER NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(message_id) REFERENCES messages(id)
		)`,
		`CREATE TABLE IF NOT EXISTS test_case_runs (
			id TEXT PRIMARY KEY,
			test_case_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			instruction_version_id TEXT NOT NULL,
			execution_name TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			report_path TEXT NOT NULL DEFAULT '',
			executed_at INTEGER NOT NULL,
			FOREIGN KEY(test_case_id) REFERENCES test_cases(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_execution ON test_case_runs(execution_name)`,
		`CREATE TABLE IF NOT EXISTS evaluators (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			score REAL NOT NULL,
			remarks TEXT NOT NULL DEFAULT '',
			diagnostics TEXT NOT NULL DEFAULT '',
			evaluator_id TEXT,
			model_name TEXT NOT NULL DEFAULT '',
			model_provider TEXT NOT NULL DEFAULT '',
			model_endpoint TEXT NOT NULL DEFAULT '',
			evaluated_at INTEGER NOT NULL,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS run_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			score REAL NOT NULL,
			remarks TEXT NOT NULL DEFAULT '',
			diagnostics TEXT NOT NULL DEFAULT '',
			evaluator_id TEXT,
			model_name TEXT NOT NULL DEFAULT '',
			model_provider TEXT NOT NULL DEFAULT '',
			model_endpoint TEXT NOT NULL DEFAULT '',
			evaluated_at INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES test_case_runs(id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}

	ctx := context.Background()
	type stmtSpec struct {
		dst    **sql.Stmt
		query  string
		errFmt string
	}

	specs := []stmtSpec{
		{
			dst: &s.getGameStmt,
			query: `
				SELECT id, ruleset, scenario_id, player, agent_id, instruction_version_id,
					most_recent_history_id, created_at
				FROM games WHERE id = ?
			`,
			errFmt: "store: prepare get game: %w",
		},
		{
			dst: &s.tailMessageStmt,
			query: `
				SELECT id, next_message_id FROM messages
				WHERE game_id = ?
				ORDER BY id DESC LIMIT 1
			`,
			errFmt: "store: prepare tail message: %w",
		},
		{
			dst:    &s.getMessageStmt,
			query:  messageSelect + ` WHERE id = ?`,
			errFmt: "store: prepare get message: %w",
		},
		{
			dst: &s.contextStmt,
			query: messageSelect + `
				WHERE game_id = ? AND id <= ?
				ORDER BY id DESC LIMIT ?
			`,
			errFmt: "store: prepare context window: %w",
		},
		{
			dst: &s.tailHistoryStmt,
			query: `
				SELECT id FROM chat_histories
				WHERE game_id = ?
				ORDER BY id DESC LIMIT 1
			`,
			errFmt: "store: prepare tail history: %w",
		},
	}

	for _, spec := range specs {
		stmt, err := s.db.PrepareContext(ctx, spec.query)
		if err != nil {
			return fmt.Errorf(spec.errFmt, err)
		}
		*spec.dst = stmt
	}

	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	stmts := []*sql.Stmt{
		s.getGameStmt,
		s.tailMessageStmt,
		s.getMessageStmt,
		s.contextStmt,
		s.tailHistoryStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}

func stringOf(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func idOf(v sql.NullInt64) int64 {
	if !v.Valid {
		return 0
	}
	return v.Int64
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func timeOf(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
