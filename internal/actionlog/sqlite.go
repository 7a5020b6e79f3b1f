package actionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository persists action records in a local sqlite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the database at path
// and ensures the schema exists.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite handles one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_log (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		finished_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_log_finished_at ON action_log(finished_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Put(ctx context.Context, rec *Record) error {
	query := `
	INSERT INTO action_log (id, type, status, error, finished_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		type = excluded.type,
		status = excluded.status,
		error = excluded.error,
		finished_at = excluded.finished_at
	`
	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.Type, rec.Status, rec.Error, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to store action record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT id, type, status, error, finished_at FROM action_log WHERE id = ?`
	var rec Record
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&rec.ID, &rec.Type, &rec.Status, &rec.Error, &rec.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action record: %w", err)
	}
	return &rec, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*Record, error) {
	query := `SELECT id, type, status, error, finished_at FROM action_log ORDER BY finished_at, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list action records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Status, &rec.Error, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
