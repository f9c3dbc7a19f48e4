// Package records is the durable per-guild record store: one JSON document
// per guild in SQLite, addressed with dotted paths.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS guild_records (
	guild      TEXT PRIMARY KEY,
	data       TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is the dotted-path key/value contract consumed by the rest of the
// application. Paths follow gjson/sjson syntax.
type Store interface {
	Get(ctx context.Context, guild, path string) (gjson.Result, error)
	Set(ctx context.Context, guild, path string, value any) error
	Delete(ctx context.Context, guild, path string) error
	// Update runs fn on the guild document and stores its result atomically.
	Update(ctx context.Context, guild string, fn func(doc string) (string, error)) error
	Guilds(ctx context.Context) ([]string, error)
	Close() error
}

// DB implements Store on SQLite.
type DB struct {
	conn *sql.DB
	// mu serializes read-modify-write cycles; SQLite would otherwise report
	// SQLITE_BUSY when two deferred transactions upgrade to writers.
	mu sync.Mutex
}

var _ Store = (*DB)(nil)

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("records: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("records: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("records: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) load(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, guild string) (string, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM guild_records WHERE guild = ?`, guild).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("records: load %s: %w", guild, err)
	}
	return data, nil
}

// Get returns the value at path; Result.Exists reports whether it was found.
func (db *DB) Get(ctx context.Context, guild, path string) (gjson.Result, error) {
	data, err := db.load(ctx, db.conn, guild)
	if err != nil {
		return gjson.Result{}, err
	}
	if path == "" {
		return gjson.Parse(data), nil
	}
	return gjson.Get(data, path), nil
}

// Set stores value (marshalled to JSON) at path.
func (db *DB) Set(ctx context.Context, guild, path string, value any) error {
	return db.Update(ctx, guild, func(doc string) (string, error) {
		return sjson.Set(doc, path, value)
	})
}

// Delete removes path. Deleting a missing path is not an error.
func (db *DB) Delete(ctx context.Context, guild, path string) error {
	return db.Update(ctx, guild, func(doc string) (string, error) {
		return sjson.Delete(doc, path)
	})
}

// Update loads the guild document, applies fn and writes the result in a
// single transaction. Returning an error from fn leaves the record unchanged.
func (db *DB) Update(ctx context.Context, guild string, fn func(doc string) (string, error)) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	data, err := db.load(ctx, tx, guild)
	if err != nil {
		return err
	}
	next, err := fn(data)
	if err != nil {
		return err
	}
	if !gjson.Valid(next) {
		return fmt.Errorf("records: update %s produced invalid JSON", guild)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO guild_records (guild, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(guild) DO UPDATE SET
			data       = excluded.data,
			updated_at = excluded.updated_at
	`, guild, next, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("records: write %s: %w", guild, err)
	}
	return tx.Commit()
}

// Guilds returns every guild that has a record.
func (db *DB) Guilds(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT guild FROM guild_records ORDER BY guild`)
	if err != nil {
		return nil, fmt.Errorf("records: guilds: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
