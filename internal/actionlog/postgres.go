package actionlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists action records in postgres, for
// deployments where the orchestrator host is ephemeral.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to the database at dsn and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_log (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		finished_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_log_finished_at ON action_log(finished_at);
	`
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Put(ctx context.Context, rec *Record) error {
	query := `
	INSERT INTO action_log (id, type, status, error, finished_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		type = EXCLUDED.type,
		status = EXCLUDED.status,
		error = EXCLUDED.error,
		finished_at = EXCLUDED.finished_at
	`
	_, err := r.pool.Exec(ctx, query, rec.ID, rec.Type, rec.Status, rec.Error, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to store action record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT id, type, status, error, finished_at FROM action_log WHERE id = $1`
	var rec Record
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&rec.ID, &rec.Type, &rec.Status, &rec.Error, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action record: %w", err)
	}
	return &rec, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Record, error) {
	query := `SELECT id, type, status, error, finished_at FROM action_log ORDER BY finished_at, id`
	rows, err := r.pool.Query(ctx, query)
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

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
