package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/bamboo/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// SQLiteStore keeps sessions in a SQLite database: one row per session
// header and one row per message.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and creates) the database at path.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	st := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}
	if err := st.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	st.logger.Info().Str("path", path).Msg("Session store initialized")
	return st, nil
}

func (st *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		header TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (session_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_seq ON messages(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := st.db.Exec(schema)
	return err
}

// Save upserts the header and replaces the session's messages in one transaction.
func (st *SQLiteStore) Save(ctx context.Context, snap *Snapshot) (err error) {
	if err := ValidateSessionID(snap.ID); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "bamboo.session", "session.sqlite.save",
		attribute.String("session_id", snap.ID),
		attribute.Int("messages", len(snap.Messages)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	header := *snap
	header.Messages = nil
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal session header: %w", err)
	}

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, state, model, header, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			model = excluded.model,
			header = excluded.header,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		snap.ID, string(snap.State), snap.Config.Model, string(headerJSON),
		snap.Info().MessageCount, snap.CreatedAt.UnixNano(), snap.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (session_id, id, seq, role, body) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i := range snap.Messages {
		m := &snap.Messages[i]
		body, merr := json.Marshal(m)
		if merr != nil {
			err = fmt.Errorf("failed to marshal message %s: %w", m.ID, merr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, snap.ID, m.ID, int64(m.Seq), string(m.Role), string(body)); err != nil {
			return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Debug().
		Str("session_id", snap.ID).
		Int("messages", len(snap.Messages)).
		Msg("Session saved")
	return nil
}

// Load reads a session and its messages ordered by sequence.
func (st *SQLiteStore) Load(ctx context.Context, id string) (_ *Snapshot, err error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "bamboo.session", "session.sqlite.load",
		attribute.String("session_id", id),
	)
	defer func() { tracing.EndSpan(span, err) }()

	var headerJSON string
	err = st.db.QueryRowContext(ctx, `SELECT header FROM sessions WHERE id = ?`, id).Scan(&headerJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	var snap Snapshot
	if err = json.Unmarshal([]byte(headerJSON), &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	rows, err := st.db.QueryContext(ctx, `SELECT body FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err = rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var m Message
		if uerr := json.Unmarshal([]byte(body), &m); uerr != nil {
			st.logger.Warn().Str("session_id", id).Err(uerr).Msg("Skipping unreadable message")
			continue
		}
		snap.Messages = append(snap.Messages, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	dropDangling(&snap)
	return &snap, nil
}

// Delete removes a session and, by cascade, its messages
func (st *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// List summarizes every stored session, most recently updated first.
func (st *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, state, model, message_count, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var (
			info    Info
			state   string
			updated int64
		)
		if err := rows.Scan(&info.ID, &state, &info.Model, &info.MessageCount, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.State = State(state)
		info.UpdatedAt = time.Unix(0, updated)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Close closes the database
func (st *SQLiteStore) Close() error {
	return st.db.Close()
}
