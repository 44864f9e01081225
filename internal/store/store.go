// Package store persists modules, site settings, admin sessions and quiz
// attempts in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *dbutil.Database
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS modules (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		video_url   TEXT NOT NULL DEFAULT '',
		body        TEXT NOT NULL DEFAULT '',
		format      TEXT NOT NULL DEFAULT 'html',
		source      TEXT NOT NULL DEFAULT '',
		position    INTEGER NOT NULL DEFAULT 0,
		quiz        TEXT,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		csrf_token TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions (expires_at)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id         TEXT PRIMARY KEY,
		module_id  TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		score      REAL NOT NULL,
		correct    INTEGER NOT NULL,
		total      INTEGER NOT NULL,
		passed     INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	}
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers anyway; one connection also keeps a
	// :memory: database alive and shared.
	raw.SetMaxOpenConns(1)

	s, err := New(ctx, raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open sqlite handle and applies the schema.
func New(ctx context.Context, raw *sql.DB) (*Store, error) {
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("wrap db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.RawDB.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.RawDB.PingContext(ctx) }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
