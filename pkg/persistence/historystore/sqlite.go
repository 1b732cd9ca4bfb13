package historystore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SchemaVersion is the chat_history schema this build migrates to. It is
// tracked in PRAGMA user_version.
//
// v1: chat_history(session_id PK, history_json, last_updated_ms)
// v2: created_at_ms column, chat_history_by_updated index
const SchemaVersion = 2

type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store  = &SQLiteStore{}
	_ Lister = &SQLiteStore{}
)

type schemaStep struct {
	version int
	apply   func(ctx context.Context, db *sql.DB) error
}

// every step is idempotent so a re-run after a partial upgrade never drops rows
var schemaSteps = []schemaStep{
	{version: 1, apply: func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chat_history (
			session_id TEXT PRIMARY KEY,
			history_json TEXT NOT NULL DEFAULT '[]',
			last_updated_ms INTEGER NOT NULL
		);`)
		return err
	}},
	{version: 2, apply: func(ctx context.Context, db *sql.DB) error {
		cols, err := tableColumns(ctx, db, "chat_history")
		if err != nil {
			return err
		}
		if !cols["created_at_ms"] {
			if _, err := db.ExecContext(ctx, `ALTER TABLE chat_history ADD COLUMN created_at_ms INTEGER NOT NULL DEFAULT 0`); err != nil {
				return err
			}
		}
		if _, err := db.ExecContext(ctx, `UPDATE chat_history SET created_at_ms = last_updated_ms WHERE created_at_ms = 0`); err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS chat_history_by_updated ON chat_history(last_updated_ms DESC);`)
		return err
	}},
}

// NewSQLiteStore opens dsn and migrates the schema to SchemaVersion.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite history store: empty dsn")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	// one connection keeps writes to a key in submission order
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(ErrUnavailable, "sqlite history store: migrate: %v", err)
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite history store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Version reports the schema version stored in the database.
func (s *SQLiteStore) Version(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.Wrap(ErrUnavailable, "sqlite history store: db is nil")
	}
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, errors.Wrap(err, "sqlite history store: read user_version")
	}
	return v, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	current, err := s.Version(ctx)
	if err != nil {
		return err
	}
	for _, step := range schemaSteps {
		if step.version <= current {
			continue
		}
		if err := step.apply(ctx, s.db); err != nil {
			return errors.Wrapf(err, "apply schema v%d", step.version)
		}
		// PRAGMA does not take bound parameters
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
			return errors.Wrapf(err, "record schema v%d", step.version)
		}
		log.Debug().Str("component", "historystore").Int("version", step.version).Msg("applied chat_history schema step")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, errors.Wrap(ErrUnavailable, "sqlite history store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, false, errors.New("sqlite history store: sessionID is empty")
	}
	var (
		payload string
		record  = Record{SessionID: sessionID}
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT history_json, last_updated_ms
		FROM chat_history
		WHERE session_id = ?
	`, sessionID).Scan(&payload, &record.LastUpdatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(err, "sqlite history store: get")
	}
	msgs, err := decodeHistory(sessionID, payload)
	if err != nil {
		return Record{}, false, err
	}
	record.History = msgs
	return record, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, record Record) error {
	if s == nil || s.db == nil {
		return errors.Wrap(ErrUnavailable, "sqlite history store: db is nil")
	}
	record, err := normalizeRecord(record, nowMs())
	if err != nil {
		return errors.Wrap(err, "sqlite history store")
	}
	payload, err := encodeHistory(record.History)
	if err != nil {
		return errors.Wrap(err, "sqlite history store")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_history (session_id, history_json, last_updated_ms, created_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			history_json = excluded.history_json,
			last_updated_ms = excluded.last_updated_ms
	`, record.SessionID, payload, record.LastUpdatedMs, record.LastUpdatedMs)
	if err != nil {
		return errors.Wrap(err, "sqlite history store: put")
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.Wrap(ErrUnavailable, "sqlite history store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("sqlite history store: sessionID is empty")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE session_id = ?`, sessionID); err != nil {
		return errors.Wrap(err, "sqlite history store: delete")
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.Wrap(ErrUnavailable, "sqlite history store: db is nil")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, history_json, last_updated_ms
		FROM chat_history
		ORDER BY last_updated_ms DESC, session_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store: list")
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r       Record
			payload string
		)
		if err := rows.Scan(&r.SessionID, &payload, &r.LastUpdatedMs); err != nil {
			return nil, errors.Wrap(err, "sqlite history store: scan")
		}
		msgs, err := decodeHistory(r.SessionID, payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "historystore").Str("session_id", r.SessionID).Msg("skipping corrupt record")
			continue
		}
		r.History = msgs
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite history store: iterate")
	}
	return out, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return out, rows.Err()
}
