// Package store is the SQLite entity registry. It remembers which entities
// each config entry exposed, so entities that disappear from the controllers
// can be withdrawn from Home Assistant on the next setup.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions    = 0750
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when an entity is not registered.
var ErrNotFound = errors.New("store: entity not found")

// Entity is a registered entity.
type Entity struct {
	EntryID   string
	Domain    string
	UniqueID  string
	Name      string
	LastState string
	UpdatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path in WAL mode and applies
// pending migrations. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMillis)
	if path == ":memory:" {
		connStr = "file::memory:?cache=shared&_busy_timeout=5000"
	} else if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// HealthCheck runs a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// migrate applies every migration not yet recorded in schema_migrations,
// each in its own transaction, in file name order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(filepath.Base(name), ".up.sql")

		var applied int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := s.applyMigration(ctx, version, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting migration %s: %w", version, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("applying migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().Unix()); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}

// UpsertEntity registers an entity or refreshes its name. The last state is kept.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (entry_id, domain, unique_id, name, last_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_id, domain, unique_id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at`,
		e.EntryID, e.Domain, e.UniqueID, e.Name, e.LastState, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting entity %s/%s: %w", e.Domain, e.UniqueID, err)
	}
	return nil
}

// ListEntities returns the entities of an entry ordered by domain and unique ID.
func (s *Store) ListEntities(ctx context.Context, entryID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, domain, unique_id, name, last_state, updated_at
		FROM entities WHERE entry_id = ?
		ORDER BY domain, unique_id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var result []Entity
	for rows.Next() {
		var e Entity
		var updated int64
		if err := rows.Scan(&e.EntryID, &e.Domain, &e.UniqueID, &e.Name, &e.LastState, &updated); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e.UpdatedAt = time.UnixMilli(updated)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return result, nil
}

// DeleteEntity removes an entity from the registry.
func (s *Store) DeleteEntity(ctx context.Context, entryID, domain, uniqueID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entities WHERE entry_id = ? AND domain = ? AND unique_id = ?", entryID, domain, uniqueID)
	if err != nil {
		return fmt.Errorf("deleting entity %s/%s: %w", domain, uniqueID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordState stores the last state of an entity.
func (s *Store) RecordState(ctx context.Context, entryID, domain, uniqueID, state string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entities SET last_state = ?, updated_at = ? WHERE entry_id = ? AND domain = ? AND unique_id = ?",
		state, time.Now().UnixMilli(), entryID, domain, uniqueID)
	if err != nil {
		return fmt.Errorf("recording state of %s/%s: %w", domain, uniqueID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
