// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// schema holds conversation records with the listing columns denormalized
// so List never decodes record bodies.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	preview     TEXT NOT NULL,
	modified_at INTEGER NOT NULL,
	record      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_modified
	ON conversations(modified_at DESC);
`

// SQLiteStore persists conversations in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, title, preview, modified_at, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			preview = excluded.preview,
			modified_at = excluded.modified_at,
			record = excluded.record`,
		record.ID,
		record.Metadata.Title,
		derivePreview(record.Log),
		record.Metadata.ModifiedAt.UnixNano(),
		data,
	)
	return err
}

// Load implements Store.
func (s *SQLiteStore) Load(id string) (Record, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT record FROM conversations WHERE id = ?`, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// List implements Store. Ordering and capping happen in the database.
func (s *SQLiteStore) List(limit int) ([]Ref, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(`
		SELECT id, title, preview, modified_at
		FROM conversations
		ORDER BY modified_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var ref Ref
		var modifiedAt int64
		if err := rows.Scan(&ref.ID, &ref.Title, &ref.Preview, &modifiedAt); err != nil {
			return nil, err
		}
		ref.ModifiedAt = unixNano(modifiedAt)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM conversations`)
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// unixNano converts a stored nanosecond timestamp back to time.Time.
func unixNano(n int64) time.Time {
	return time.Unix(0, n)
}
