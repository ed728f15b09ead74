package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	startedAt REAL NOT NULL,
	endedAt REAL,
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS rows (
	sessionId TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	createdAt REAL NOT NULL,
	UNIQUE(sessionId, seq)
);
`

// SQLite stores sessions and rows in one database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is accepted
// and pinned to one connection so every caller sees the same database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) OpenSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, startedAt, status) VALUES (?, ?, 'active')`,
		sessionID, unixFloat(at))
	if err != nil {
		return fmt.Errorf("open session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) CloseSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET endedAt = ?, status = 'closed' WHERE id = ?`,
		unixFloat(at), sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// WriteBatch inserts rows in one transaction; existing (session, seq) keys are skipped.
func (s *SQLite) WriteBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO rows (sessionId, seq, kind, payload, createdAt) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.SessionID, r.Seq, string(r.Kind), string(r.Payload), unixFloat(r.CreatedAt)); err != nil {
			return fmt.Errorf("insert row %s/%d: %w", r.SessionID, r.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Rows returns a session's rows ordered by sequence number.
func (s *SQLite) Rows(ctx context.Context, sessionID string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, seq, kind, payload, createdAt
		FROM rows
		WHERE sessionId = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var kind, payload string
		var createdAt float64
		if err := rows.Scan(&r.SessionID, &r.Seq, &kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Kind = Kind(kind)
		r.Payload = []byte(payload)
		r.CreatedAt = timeFromUnix(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionStatus returns "active", "closed" or "" when the session is unknown.
func (s *SQLite) SessionStatus(ctx context.Context, sessionID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session status: %w", err)
	}
	return strings.TrimSpace(status), nil
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
