// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/model"
	_ "modernc.org/sqlite" // Pure Go driver
)

const sqliteBusyTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	record     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore persists session records in a single SQLite file. The record
// body is stored as JSON; the version column carries the compare-and-swap.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the database with mandatory PRAGMAs in the DSN so
// they apply to every connection in the pool.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, sqliteBusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*model.SessionRecord, uint64, error) {
	var (
		version uint64
		body    string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT version, record FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&version, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &rec, version, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec *model.SessionRecord, expected uint64) (uint64, error) {
	cp := rec.Clone()
	cp.UpdatedAtUnix = time.Now().Unix()
	body, err := json.Marshal(cp)
	if err != nil {
		return 0, err
	}
	next := expected + 1

	if expected == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, version, record, updated_at) VALUES (?, ?, ?, ?)`,
			cp.SessionID, next, string(body), cp.UpdatedAtUnix)
		if err != nil {
			// A unique constraint violation means the record already exists.
			var exists int
			row := s.db.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM sessions WHERE session_id = ?`, cp.SessionID)
			if scanErr := row.Scan(&exists); scanErr == nil && exists > 0 {
				return 0, ErrVersionConflict
			}
			return 0, err
		}
		return next, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET version = ?, record = ?, updated_at = ? WHERE session_id = ? AND version = ?`,
		next, string(body), cp.UpdatedAtUnix, cp.SessionID, expected)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var exists int
		row := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sessions WHERE session_id = ?`, cp.SessionID)
		if err := row.Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrVersionConflict
	}
	return next, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, record FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []*model.SessionRecord
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var rec model.SessionRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			logger := log.WithComponent("store")
			logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("skipping corrupt session record")
			continue
		}
		list = append(list, &rec)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// Ensure interface compliance at compile time.
var _ Store = (*SQLiteStore)(nil)
