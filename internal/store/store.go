// Package store owns the durable sqlite database under the save directory.
//
// Each domain's tables are written exclusively by that domain's mutation
// service; the store itself only provides the connection, the schema and the
// all-or-nothing transaction primitive the services build their operations on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL keeps readers cheap while one writer at a time commits saves.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		// Singleton row, id fixed to 1.
		`CREATE TABLE IF NOT EXISTS wallet (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			gold INTEGER NOT NULL,
			cat_tickets INTEGER NOT NULL,
			party_slots INTEGER NOT NULL,
			pandora_json TEXT NOT NULL
		);`,
		// One row per distinct stack key per partition; quantity >= 1 always
		// (rows are deleted, never zeroed).
		`CREATE TABLE IF NOT EXISTS inventory (
			partition TEXT NOT NULL,
			stack_key INTEGER NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			PRIMARY KEY (partition, stack_key)
		);`,
		`CREATE TABLE IF NOT EXISTS dungeon_progress (
			dungeon_id INTEGER PRIMARY KEY,
			unlocked INTEGER NOT NULL,
			highest_unlocked INTEGER NOT NULL,
			highest_cleared INTEGER,
			furthest_floor INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS story_progress (
			node_id INTEGER PRIMARY KEY,
			unlocked INTEGER NOT NULL,
			read INTEGER NOT NULL,
			reward_claimed INTEGER NOT NULL
		);`,
		// remaining NULL = unlimited stock.
		`CREATE TABLE IF NOT EXISTS shop_stock (
			item_id INTEGER PRIMARY KEY,
			remaining INTEGER,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the connection for reads. Mutations go through Tx.
func (s *Store) DB() *sql.DB { return s.db }

// Tx runs fn inside one transaction. Everything fn stages commits atomically
// or not at all; this is the save() contract the mutation services rely on.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
